// Package orch drives the gateway session: one dispatch loop owns the
// session, the handle table and transaction callbacks.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/app/negotiation"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/dkeye/roomclient/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportClosed   = errors.New("transport closed")
	ErrSessionTimeout    = errors.New("gateway session timed out")
	ErrRoomDestroyed     = errors.New("room destroyed")
	ErrPublisherDetached = errors.New("publisher handle detached by gateway")
)

type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionActive
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionActive:
		return "active"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

type Options struct {
	Room               domain.RoomID
	Display            string
	KeepalivePeriod    time.Duration
	TransactionTimeout time.Duration
	SweepInterval      time.Duration
	Auth               protocol.Auth
	Policy             app.Policy
}

func (o Options) withDefaults() Options {
	if o.KeepalivePeriod <= 0 {
		o.KeepalivePeriod = 30 * time.Second
	}
	if o.TransactionTimeout <= 0 {
		o.TransactionTimeout = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.Policy == nil {
		o.Policy = app.SimplePolicy{}
	}
	return o
}

type Orchestrator struct {
	Registry    *app.Registry
	Handles     *app.HandleTable
	Negotiation *negotiation.Coordinator

	conn      core.SignalConnection
	events    core.EventDispatcher
	opts      Options
	keepalive *app.Keepalive

	life     context.Context
	stopLife context.CancelFunc

	session atomic.Uint64
	state   atomic.Int32
	started atomic.Bool
	closing atomic.Bool

	// detaching holds the callers waiting on each pending detach. Loop only.
	detaching map[domain.HandleID][]func()

	tmu     sync.Mutex
	tasks   []func()
	stopped bool
	wake    chan struct{}

	fatal    chan error
	stopCh   chan struct{}
	stopOnce sync.Once
	quit     chan struct{}
}

func New(conn core.SignalConnection, engine core.MediaEngine, events core.EventDispatcher, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	if events == nil {
		events = app.LogDispatcher{}
	}
	life, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		Registry: app.NewRegistry(opts.TransactionTimeout),
		Handles:  app.NewHandleTable(),
		conn:     conn,
		events:   events,
		opts:     opts,
		life:     life,
		stopLife: stop,
		wake:     make(chan struct{}, 1),
		fatal:    make(chan error, 1),
		stopCh:   make(chan struct{}),
		quit:     make(chan struct{}),

		detaching: make(map[domain.HandleID][]func()),
	}
	o.Negotiation = negotiation.NewCoordinator(life, engine, mediaEvents{o})
	o.keepalive = app.NewKeepalive(opts.KeepalivePeriod, o.sendKeepalive)
	return o
}

// Run creates the gateway session and processes inbound frames until the
// session ends. It returns nil after Close, and the cause otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("orchestrator already running")
	}
	defer o.teardown()

	sweep := time.NewTicker(o.opts.SweepInterval)
	defer sweep.Stop()

	if err := o.createSession(); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	inbound := o.conn.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopCh:
			return nil
		case err := <-o.fatal:
			log.Error().Err(err).Str("module", "orch").Msg("session failed")
			return err
		case frame, ok := <-inbound:
			if !ok {
				if o.closing.Load() {
					return nil
				}
				if err := o.conn.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrTransportClosed, err)
				}
				return ErrTransportClosed
			}
			o.handleFrame(frame)
		case <-o.wake:
			o.drainTasks()
		case now := <-sweep.C:
			if n := o.Registry.Expire(now); n > 0 {
				log.Warn().Str("module", "orch").Int("expired", n).Msg("expired pending transactions")
			}
		}
	}
}

func (o *Orchestrator) handleFrame(frame core.Frame) {
	msg, err := protocol.Parse(frame)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("dropped malformed message")
		return
	}
	o.handleInbound(msg)
}

// post queues fn to run on the dispatch loop. Tasks posted after the loop
// ends are dropped.
func (o *Orchestrator) post(fn func()) {
	o.tmu.Lock()
	if o.stopped {
		o.tmu.Unlock()
		return
	}
	o.tasks = append(o.tasks, fn)
	o.tmu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) drainTasks() {
	for {
		o.tmu.Lock()
		tasks := o.tasks
		o.tasks = nil
		o.tmu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			fn()
		}
	}
}

func (o *Orchestrator) isStopped() bool {
	o.tmu.Lock()
	defer o.tmu.Unlock()
	return o.stopped
}

func (o *Orchestrator) fail(err error) {
	select {
	case o.fatal <- err:
	default:
	}
}

func (o *Orchestrator) finish() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

func (o *Orchestrator) sessionID() domain.SessionID {
	return domain.SessionID(o.session.Load())
}

func (o *Orchestrator) setState(s SessionState) {
	o.state.Store(int32(s))
}

// send stamps credentials and enqueues req, applying the backpressure
// policy when the transport queue is full.
func (o *Orchestrator) send(req protocol.Request) error {
	b, err := protocol.Encode(req.WithAuth(o.opts.Auth))
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Janus, err)
	}
	err = o.conn.TrySend(b)
	if !errors.Is(err, core.ErrBackpressure) {
		return err
	}
	action := o.opts.Policy.OnBackPressure(req.Janus)
	log.Warn().Str("module", "orch").Str("janus", string(req.Janus)).Str("action", action.String()).Msg("send queue full")
	switch action {
	case app.DropFrame:
		return err
	case app.CloseSession:
		o.fail(err)
		return err
	default:
		return o.conn.Send(o.life, b)
	}
}

// request registers cb under a fresh transaction and sends the request
// build produces for it.
func (o *Orchestrator) request(build func(tx string) protocol.Request, cb app.Callback) error {
	if o.isStopped() {
		return app.ErrSessionClosed
	}
	tx, err := o.Registry.Next(cb)
	if err != nil {
		return err
	}
	req := build(tx)
	if err := o.send(req); err != nil {
		o.Registry.Cancel(tx)
		return fmt.Errorf("send %s: %w", req.Janus, err)
	}
	log.Debug().Str("module", "orch").Str("janus", string(req.Janus)).Str("tx", tx).Msg("request sent")
	return nil
}

func (o *Orchestrator) teardown() {
	o.stopLife()
	o.keepalive.Stop()
	o.finish()

	o.tmu.Lock()
	o.stopped = true
	o.tasks = nil
	o.tmu.Unlock()

	if n := o.Registry.FailAll(app.ErrSessionClosed); n > 0 {
		log.Info().Str("module", "orch").Int("pending", n).Msg("failed pending transactions")
	}
	if err := o.Negotiation.CloseAll(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("close media connections")
	}
	if err := o.conn.Close(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("close transport")
	}
	o.setState(SessionClosed)
	close(o.quit)
	log.Info().Str("module", "orch").Str("session", o.sessionID().String()).Msg("session closed")
}

// Close detaches every handle, destroys the session and waits for Run to
// return. When ctx ends first the loop is stopped without waiting for the
// gateway.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.started.Load() {
		if o.closing.CompareAndSwap(false, true) {
			return o.conn.Close()
		}
		return nil
	}
	if o.closing.CompareAndSwap(false, true) {
		o.post(o.leaveAll)
	}
	select {
	case <-o.quit:
		return nil
	case <-ctx.Done():
		o.finish()
		o.stopLife()
		<-o.quit
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.quit }

// Status is a read-only snapshot of the session.
type Status struct {
	Session domain.SessionID    `json:"session_id"`
	State   string              `json:"state"`
	Room    domain.RoomID       `json:"room"`
	Pending int                 `json:"pending_transactions"`
	Handles []domain.HandleInfo `json:"handles"`
}

func (o *Orchestrator) Status() Status {
	return Status{
		Session: o.sessionID(),
		State:   SessionState(o.state.Load()).String(),
		Room:    o.opts.Room,
		Pending: o.Registry.Pending(),
		Handles: o.Handles.Snapshot(),
	}
}

type HandleStatus struct {
	domain.HandleInfo
	Negotiation *negotiation.State `json:"negotiation,omitempty"`
}

func (o *Orchestrator) HandleStatus(id domain.HandleID) (HandleStatus, error) {
	info, err := o.Handles.Info(id)
	if err != nil {
		return HandleStatus{}, err
	}
	st := HandleStatus{HandleInfo: info}
	if ns, err := o.Negotiation.State(id); err == nil {
		st.Negotiation = &ns
	}
	return st, nil
}
