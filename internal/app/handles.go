package app

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/roomclient/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrMissingHandle = errors.New("missing handle")

// HandleTable indexes the session's handles by handle id and feed id. Feeds
// whose attach is in flight are tracked so a feed listed twice is attached
// once.
type HandleTable struct {
	mu        sync.RWMutex
	publisher *domain.Handle
	byHandle  map[domain.HandleID]*domain.Handle
	byFeed    map[domain.FeedID]domain.HandleID
	attaching map[domain.FeedID]*domain.Handle
	cancelled map[domain.FeedID]struct{}
}

func NewHandleTable() *HandleTable {
	return &HandleTable{
		byHandle:  make(map[domain.HandleID]*domain.Handle),
		byFeed:    make(map[domain.FeedID]domain.HandleID),
		attaching: make(map[domain.FeedID]*domain.Handle),
		cancelled: make(map[domain.FeedID]struct{}),
	}
}

// SetPublisher records the local publisher handle before its attach
// completes.
func (t *HandleTable) SetPublisher(h *domain.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publisher = h
}

// SetPublisherFeed records the feed id the room assigned to our publisher.
func (t *HandleTable) SetPublisherFeed(feed domain.FeedID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publisher != nil {
		t.publisher.Feed = feed
	}
}

func (t *HandleTable) Publisher() *domain.Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.publisher
}

// BeginAttach reserves feed for a new subscriber handle. It returns false
// when the feed is already tracked, attaching, or is our own publisher.
func (t *HandleTable) BeginAttach(feed domain.FeedID, display string) (*domain.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.knowsLocked(feed) {
		return nil, false
	}
	h := domain.NewSubscriber(feed, display)
	t.attaching[feed] = h
	return h, true
}

func (t *HandleTable) AbortAttach(feed domain.FeedID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attaching, feed)
	delete(t.cancelled, feed)
}

// CancelAttach flags the in-flight attach of feed as no longer wanted. It
// reports false when no attach of feed is in flight.
func (t *HandleTable) CancelAttach(feed domain.FeedID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.attaching[feed]; !ok {
		return false
	}
	t.cancelled[feed] = struct{}{}
	return true
}

// AttachCancelled reports whether the in-flight attach of feed was
// cancelled. The flag is cleared by Bind and AbortAttach.
func (t *HandleTable) AttachCancelled(feed domain.FeedID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.cancelled[feed]
	return ok
}

// Bind assigns the gateway handle id to h and indexes it.
func (t *HandleTable) Bind(h *domain.Handle, id domain.HandleID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byHandle[id]; ok {
		return fmt.Errorf("handle %s already bound", id)
	}
	h.ID = id
	t.byHandle[id] = h
	if h.Role == domain.RoleSubscriber {
		delete(t.attaching, h.Feed)
		delete(t.cancelled, h.Feed)
		t.byFeed[h.Feed] = id
	}
	log.Debug().Str("module", "app.handles").Str("handle", id.String()).Str("role", h.Role.String()).Msg("bound handle")
	return nil
}

func (t *HandleTable) Get(id domain.HandleID) (*domain.Handle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.byHandle[id]
	if !ok {
		return nil, fmt.Errorf("%w: handle %s", ErrMissingHandle, id)
	}
	return h, nil
}

// Info returns the view of one handle, read under the table lock.
func (t *HandleTable) Info(id domain.HandleID) (domain.HandleInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.byHandle[id]
	if !ok {
		return domain.HandleInfo{}, fmt.Errorf("%w: handle %s", ErrMissingHandle, id)
	}
	return h.Info(), nil
}

func (t *HandleTable) ByFeed(feed domain.FeedID) (*domain.Handle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byFeed[feed]
	if !ok {
		return nil, fmt.Errorf("%w: feed %s", ErrMissingHandle, feed)
	}
	return t.byHandle[id], nil
}

// Knows reports whether feed is tracked, attaching, or our own.
func (t *HandleTable) Knows(feed domain.FeedID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.knowsLocked(feed)
}

func (t *HandleTable) knowsLocked(feed domain.FeedID) bool {
	if t.publisher != nil && t.publisher.Feed == feed {
		return true
	}
	if _, ok := t.byFeed[feed]; ok {
		return true
	}
	_, ok := t.attaching[feed]
	return ok
}

// Remove drops both the handle id and the feed id bookkeeping of id.
func (t *HandleTable) Remove(id domain.HandleID) (*domain.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byHandle[id]
	if !ok {
		return nil, false
	}
	delete(t.byHandle, id)
	if h.Role == domain.RoleSubscriber {
		delete(t.byFeed, h.Feed)
	}
	if t.publisher == h {
		t.publisher = nil
	}
	log.Debug().Str("module", "app.handles").Str("handle", id.String()).Msg("removed handle")
	return h, true
}

// All returns the bound handles ordered by id.
func (t *HandleTable) All() []*domain.Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedLocked()
}

func (t *HandleTable) sortedLocked() []*domain.Handle {
	out := make([]*domain.Handle, 0, len(t.byHandle))
	for _, h := range t.byHandle {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *domain.Handle) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (t *HandleTable) Snapshot() []domain.HandleInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	all := t.sortedLocked()
	out := make([]domain.HandleInfo, 0, len(all))
	for _, h := range all {
		out = append(out, h.Info())
	}
	return out
}

func (t *HandleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byHandle)
}
