package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/roomclient/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateTransaction = errors.New("duplicate transaction id")
	ErrUnknownTransaction   = errors.New("unknown transaction")
	ErrTransactionTimeout   = errors.New("transaction timed out")
	ErrSessionClosed        = errors.New("session closed")
	// ErrNotTransaction is returned by Dispatch for messages that resolve no
	// pending transaction and must be routed as events.
	ErrNotTransaction = errors.New("not a transaction response")
)

// TransactionError carries the gateway's error payload for one request.
type TransactionError struct {
	ID     string
	Code   int
	Reason string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: gateway error %d: %s", e.ID, e.Code, e.Reason)
}

// Result is the single outcome of a transaction. Exactly one of Message and
// Err is set.
type Result struct {
	Message *protocol.Inbound
	Err     error
}

type Callback func(Result)

type txEntry struct {
	cb      Callback
	created time.Time
}

// Registry correlates outgoing requests with their asynchronous responses.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*txEntry
	timeout time.Duration
	now     func() time.Time
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		pending: make(map[string]*txEntry),
		timeout: timeout,
		now:     time.Now,
	}
}

// Register stores cb under id. A pending id is never overwritten.
func (r *Registry) Register(id string, cb Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, id)
	}
	r.pending[id] = &txEntry{cb: cb, created: r.now()}
	return nil
}

const maxIDAttempts = 3

// Next registers cb under a freshly generated id.
func (r *Registry) Next(cb Callback) (string, error) {
	var err error
	for range maxIDAttempts {
		id := uuid.NewString()
		if err = r.Register(id, cb); err == nil {
			return id, nil
		}
		log.Warn().Str("module", "app.registry").Str("tx", id).Msg("transaction id collision, regenerating")
	}
	return "", err
}

// Cancel forgets id without invoking its callback.
func (r *Registry) Cancel(id string) bool {
	_, ok := r.take(id)
	return ok
}

func (r *Registry) take(id string) (*txEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return e, ok
}

func (r *Registry) isPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Dispatch resolves the transaction msg answers. Success and error
// responses for unknown ids yield ErrUnknownTransaction. An ack leaves the
// entry pending. A plugin event bearing a pending id resolves it; any other
// message yields ErrNotTransaction.
func (r *Registry) Dispatch(msg *protocol.Inbound) error {
	switch msg.Janus {
	case protocol.KindAck:
		return nil
	case protocol.KindSuccess, protocol.KindError:
		e, ok := r.take(msg.Transaction)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTransaction, msg.Transaction)
		}
		if msg.Janus == protocol.KindError {
			e.cb(Result{Err: &TransactionError{ID: msg.Transaction, Code: msg.Error.Code, Reason: msg.Error.Reason}})
			return nil
		}
		e.cb(Result{Message: msg})
		return nil
	case protocol.KindEvent:
		if msg.Transaction == "" {
			return ErrNotTransaction
		}
		e, ok := r.take(msg.Transaction)
		if !ok {
			return ErrNotTransaction
		}
		if data := msg.VideoRoom(); data != nil && data.ErrorCode != 0 {
			e.cb(Result{Err: &TransactionError{ID: msg.Transaction, Code: data.ErrorCode, Reason: data.Error}})
			return nil
		}
		e.cb(Result{Message: msg})
		return nil
	}
	return ErrNotTransaction
}

// Expire fails every entry older than the timeout and returns how many it
// evicted.
func (r *Registry) Expire(now time.Time) int {
	if r.timeout <= 0 {
		return 0
	}
	r.mu.Lock()
	expired := make(map[string]*txEntry)
	for id, e := range r.pending {
		if now.Sub(e.created) >= r.timeout {
			expired[id] = e
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for id, e := range expired {
		log.Warn().Str("module", "app.registry").Str("tx", id).Msg("transaction expired")
		e.cb(Result{Err: fmt.Errorf("%w: %s", ErrTransactionTimeout, id)})
	}
	return len(expired)
}

// FailAll fails every pending entry with err.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[string]*txEntry)
	r.mu.Unlock()

	for _, e := range all {
		e.cb(Result{Err: err})
	}
	return len(all)
}

func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Await returns a callback that delivers its result on the returned channel.
func Await() (Callback, <-chan Result) {
	ch := make(chan Result, 1)
	return func(res Result) { ch <- res }, ch
}
