package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/dkeye/roomclient/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type sentReq struct {
	Janus       string         `json:"janus"`
	Transaction string         `json:"transaction"`
	SessionID   uint64         `json:"session_id"`
	HandleID    uint64         `json:"handle_id"`
	Plugin      string         `json:"plugin"`
	Body        map[string]any `json:"body"`
	JSEP        *protocol.JSEP `json:"jsep"`
	Candidate   map[string]any `json:"candidate"`
	Token       string         `json:"token"`
}

type fakeSignal struct {
	in        chan core.Frame
	sent      chan sentReq
	full      atomic.Bool
	block     atomic.Bool
	sendCalls atomic.Int32
	done      chan struct{}
	once      sync.Once
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{
		in:   make(chan core.Frame, 64),
		sent: make(chan sentReq, 256),
		done: make(chan struct{}),
	}
}

func (f *fakeSignal) push(fr core.Frame) error {
	var r sentReq
	if err := json.Unmarshal(fr, &r); err != nil {
		return err
	}
	f.sent <- r
	return nil
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	if f.full.Load() {
		return core.ErrBackpressure
	}
	return f.push(fr)
}

func (f *fakeSignal) Send(ctx context.Context, fr core.Frame) error {
	f.sendCalls.Add(1)
	if f.block.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.push(fr)
}

func (f *fakeSignal) Inbound() <-chan core.Frame { return f.in }
func (f *fakeSignal) Done() <-chan struct{}      { return f.done }
func (f *fakeSignal) Err() error                 { return nil }

func (f *fakeSignal) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

type fakeMedia struct {
	id       domain.HandleID
	mu       sync.Mutex
	calls    []string
	local    bool
	remote   bool
	closed   bool
	failStep string
	onICE    func(*webrtc.ICECandidateInit)
}

func (m *fakeMedia) step(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	if m.failStep == name {
		return errors.New("engine failure")
	}
	return nil
}

func (m *fakeMedia) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if err := m.step("create_offer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer-%d", m.id)}, nil
}

func (m *fakeMedia) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	if err := m.step("create_answer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer-%d", m.id)}, nil
}

func (m *fakeMedia) SetLocalDescription(context.Context, webrtc.SessionDescription) error {
	if err := m.step("set_local"); err != nil {
		return err
	}
	m.mu.Lock()
	m.local = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) SetRemoteDescription(context.Context, webrtc.SessionDescription) error {
	if err := m.step("set_remote"); err != nil {
		return err
	}
	m.mu.Lock()
	m.remote = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) HasLocalDescription() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *fakeMedia) HasRemoteDescription() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *fakeMedia) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	m.mu.Lock()
	m.onICE = fn
	m.mu.Unlock()
}

func (m *fakeMedia) emit(c *webrtc.ICECandidateInit) {
	m.mu.Lock()
	fn := m.onICE
	m.mu.Unlock()
	fn(c)
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *fakeMedia) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeEngine struct {
	mu       sync.Mutex
	conns    map[domain.HandleID]*fakeMedia
	failStep string
}

func (e *fakeEngine) NewConnection(id domain.HandleID, role domain.Role) (core.MediaConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns == nil {
		e.conns = make(map[domain.HandleID]*fakeMedia)
	}
	m := &fakeMedia{id: id, failStep: e.failStep}
	e.conns[id] = m
	return m, nil
}

func (e *fakeEngine) conn(id domain.HandleID) *fakeMedia {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[id]
}

type fakeEvents chan string

func (f fakeEvents) ParticipantJoined(h domain.HandleInfo) { f <- fmt.Sprintf("joined:%d", h.ID) }
func (f fakeEvents) RemoteJSEP(id domain.HandleID, d webrtc.SessionDescription) {
	f <- fmt.Sprintf("jsep:%d:%s", id, d.Type)
}
func (f fakeEvents) ParticipantLeaving(id domain.HandleID) { f <- fmt.Sprintf("leaving:%d", id) }
func (f fakeEvents) NegotiationFailed(id domain.HandleID, err error) {
	f <- fmt.Sprintf("failed:%d", id)
}

type harness struct {
	t      *testing.T
	sig    *fakeSignal
	engine *fakeEngine
	events fakeEvents
	o      *Orchestrator
	runErr chan error
}

func newHarness(t *testing.T, opts Options, engine *fakeEngine) *harness {
	t.Helper()
	if opts.Room == "" {
		opts.Room = "1234"
	}
	if opts.Display == "" {
		opts.Display = "Alice"
	}
	if opts.KeepalivePeriod == 0 {
		opts.KeepalivePeriod = time.Hour
	}
	if engine == nil {
		engine = &fakeEngine{}
	}
	h := &harness{
		t:      t,
		sig:    newFakeSignal(),
		engine: engine,
		events: make(fakeEvents, 64),
		runErr: make(chan error, 1),
	}
	h.o = New(h.sig, engine, h.events, opts)
	go func() { h.runErr <- h.o.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = h.o.Close(ctx)
	})
	return h
}

func (h *harness) expect(kind string) sentReq {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r := <-h.sig.sent:
			if r.Janus == kind {
				return r
			}
			if r.Janus == "keepalive" {
				continue
			}
			h.t.Fatalf("sent %s (%+v), want %s", r.Janus, r, kind)
		case <-timeout:
			h.t.Fatalf("no %s request sent", kind)
		}
	}
}

func (h *harness) expectNone(kind string, d time.Duration) {
	h.t.Helper()
	timeout := time.After(d)
	for {
		select {
		case r := <-h.sig.sent:
			if r.Janus == kind {
				h.t.Fatalf("unexpected %s request: %+v", kind, r)
			}
		case <-timeout:
			return
		}
	}
}

func (h *harness) inject(format string, args ...any) {
	h.sig.in <- core.Frame(fmt.Sprintf(format, args...))
}

func (h *harness) waitEvent(want string) {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev == want {
				return
			}
		case <-timeout:
			h.t.Fatalf("no %q event", want)
		}
	}
}

func (h *harness) waitState(id domain.HandleID, state domain.HandleState) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if hd, err := h.o.Handles.Get(id); err == nil && hd.State() == state {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("handle %d never reached %s", id, state)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) runResult() error {
	h.t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("Run did not return")
	}
	return nil
}

// bootstrap drives the session up to an active publisher handle 100 with
// feed 99 in session 1.
func (h *harness) bootstrap() {
	h.t.Helper()
	c := h.expect("create")
	h.inject(`{"janus":"success","transaction":%q,"data":{"id":"1"}}`, c.Transaction)

	a := h.expect("attach")
	if a.SessionID != 1 || a.Plugin != protocol.PluginVideoRoom {
		h.t.Fatalf("unexpected attach: %+v", a)
	}
	h.inject(`{"janus":"success","transaction":%q,"session_id":1,"data":{"id":100}}`, a.Transaction)

	j := h.expect("message")
	if j.HandleID != 100 || j.Body["request"] != "join" || j.Body["ptype"] != "publisher" ||
		j.Body["display"] != "Alice" || j.Body["room"] != float64(1234) {
		h.t.Fatalf("unexpected publisher join: %+v", j)
	}
	h.inject(`{"janus":"ack","transaction":%q}`, j.Transaction)
	h.inject(`{"janus":"event","sender":100,"transaction":%q,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"joined","room":1234,"id":99,"publishers":[]}}}`, j.Transaction)
	h.waitEvent("joined:100")

	cfg := h.expect("message")
	if cfg.Body["request"] != "configure" || cfg.JSEP == nil || cfg.JSEP.Type != "offer" || cfg.JSEP.SDP != "v=0 offer-100" {
		h.t.Fatalf("unexpected configure: %+v", cfg)
	}
	h.inject(`{"janus":"event","sender":100,"transaction":%q,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","configured":"ok"}},"jsep":{"type":"answer","sdp":"v=0 gw-answer"}}`, cfg.Transaction)
	h.waitState(100, domain.StateActive)
}

// subscribe announces feed 55 and drives its subscriber handle 200 to
// active.
func (h *harness) subscribe() {
	h.t.Helper()
	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","publishers":[{"id":"55","display":"Bob"}]}}}`)
	a := h.expect("attach")
	h.inject(`{"janus":"success","transaction":%q,"data":{"id":200}}`, a.Transaction)
	j := h.expect("message")
	h.inject(`{"janus":"event","sender":200,"transaction":%q,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"attached","room":1234,"id":55}},"jsep":{"type":"offer","sdp":"v=0 remote-offer"}}`, j.Transaction)
	h.expect("message")
	h.waitState(200, domain.StateActive)
}

func TestSessionBootstrap(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()

	st := h.o.Status()
	if st.Session != 1 || st.State != "active" || len(st.Handles) != 1 || st.Handles[0].Feed != 99 {
		t.Errorf("status = %+v", st)
	}
	if st.Pending != 0 {
		t.Errorf("pending = %d, want 0", st.Pending)
	}
	if calls := h.engine.conn(100).Calls(); strings.Join(calls, ",") != "create_offer,set_local,set_remote" {
		t.Errorf("publisher calls = %v", calls)
	}
}

func TestFanOutAttachesOnce(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()

	ev := `{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","publishers":[{"id":"55","display":"Bob"},{"id":99,"display":"Alice"}]}}}`
	h.inject("%s", ev)
	h.inject("%s", ev)
	a := h.expect("attach")
	h.expectNone("attach", 100*time.Millisecond)

	h.inject(`{"janus":"success","transaction":%q,"data":{"id":200}}`, a.Transaction)
	j := h.expect("message")
	if j.HandleID != 200 || j.Body["ptype"] != "listener" || j.Body["feed"] != float64(55) || j.Body["room"] != float64(1234) {
		t.Fatalf("unexpected subscriber join: %+v", j)
	}

	h.inject("%s", ev)
	h.expectNone("attach", 100*time.Millisecond)
}

func TestSubscriberAnswersOnce(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()

	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","publishers":[{"id":55,"display":"Bob"}]}}}`)
	a := h.expect("attach")
	h.inject(`{"janus":"success","transaction":%q,"data":{"id":200}}`, a.Transaction)
	j := h.expect("message")
	h.inject(`{"janus":"ack","transaction":%q}`, j.Transaction)
	h.inject(`{"janus":"event","sender":200,"transaction":%q,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"attached","room":1234,"id":55}},"jsep":{"type":"offer","sdp":"v=0 remote-offer"}}`, j.Transaction)
	h.waitEvent("joined:200")
	h.waitEvent("jsep:200:offer")

	s := h.expect("message")
	if s.HandleID != 200 || s.Body["request"] != "start" || s.Body["room"] != float64(1234) {
		t.Fatalf("unexpected start: %+v", s)
	}
	if s.JSEP == nil || s.JSEP.Type != "answer" || s.JSEP.SDP != "v=0 answer-200" {
		t.Fatalf("unexpected start jsep: %+v", s.JSEP)
	}
	h.expectNone("message", 100*time.Millisecond)

	if calls := h.engine.conn(200).Calls(); strings.Join(calls, ",") != "set_remote,create_answer,set_local" {
		t.Errorf("subscriber calls = %v", calls)
	}
	h.waitState(200, domain.StateActive)
}

func TestRemoteLeavingDetaches(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()
	h.subscribe()

	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","leaving":"55"}}}`)
	d := h.expect("detach")
	if d.HandleID != 200 || d.SessionID != 1 {
		t.Fatalf("unexpected detach: %+v", d)
	}
	if _, err := h.o.Handles.Get(200); err != nil {
		t.Fatal("handle removed before detach succeeded")
	}
	h.inject(`{"janus":"success","transaction":%q}`, d.Transaction)
	h.waitEvent("leaving:200")

	if _, err := h.o.Handles.Get(200); !errors.Is(err, app.ErrMissingHandle) {
		t.Errorf("handle still tracked: %v", err)
	}
	if h.o.Handles.Knows(55) {
		t.Error("feed still tracked")
	}
	if !h.engine.conn(200).Closed() {
		t.Error("media connection not closed")
	}
}

func TestUnpublishedAndDetachedNotice(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()
	h.subscribe()

	h.inject(`{"janus":"detached","sender":200}`)
	h.waitEvent("leaving:200")
	h.expectNone("detach", 100*time.Millisecond)
	if h.o.Handles.Knows(55) {
		t.Error("feed still tracked")
	}

	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","unpublished":"55"}}}`)
	h.expectNone("detach", 100*time.Millisecond)
}

func TestDroppedMessagesKeepLoopRunning(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()

	h.inject(`{"janus":"success","transaction":"nobody","data":{"id":5}}`)
	h.inject(`{"janus":`)
	h.inject(`{"janus":"event","sender":4242,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event"}}}`)
	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","leaving":"77"}}}`)

	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","publishers":[{"id":56}]}}}`)
	if a := h.expect("attach"); a.SessionID != 1 {
		t.Fatalf("unexpected attach: %+v", a)
	}
}

func TestTrickleIsUnregistered(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()

	mid := "0"
	idx := uint16(0)
	h.engine.conn(100).emit(&webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host", SDPMid: &mid, SDPMLineIndex: &idx})
	tr := h.expect("trickle")
	if tr.HandleID != 100 || tr.SessionID != 1 || tr.Transaction == "" {
		t.Fatalf("unexpected trickle: %+v", tr)
	}
	if tr.Candidate["sdpMid"] != "0" || tr.Candidate["sdpMLineIndex"] != float64(0) {
		t.Errorf("unexpected candidate: %v", tr.Candidate)
	}

	h.engine.conn(100).emit(nil)
	done := h.expect("trickle")
	if done.Candidate["completed"] != true {
		t.Errorf("unexpected completion: %v", done.Candidate)
	}
	if n := h.o.Registry.Pending(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestKeepaliveCadence(t *testing.T) {
	h := newHarness(t, Options{KeepalivePeriod: 10 * time.Millisecond, Auth: protocol.Auth{Token: "t0k"}}, nil)
	c := h.expect("create")
	if c.Token != "t0k" {
		t.Errorf("create token = %q", c.Token)
	}
	h.inject(`{"janus":"success","transaction":%q,"data":{"id":1}}`, c.Transaction)

	var k sentReq
	timeout := time.After(2 * time.Second)
	for k.Janus != "keepalive" {
		select {
		case k = <-h.sig.sent:
		case <-timeout:
			t.Fatal("no keepalive sent")
		}
	}
	if k.SessionID != 1 || k.Transaction == "" || k.Token != "t0k" {
		t.Fatalf("unexpected keepalive: %+v", k)
	}
}

func TestCreateFailureIsFatal(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	c := h.expect("create")
	h.inject(`{"janus":"error","transaction":%q,"error":{"code":403,"reason":"Unauthorized request"}}`, c.Transaction)

	var te *app.TransactionError
	if err := h.runResult(); !errors.As(err, &te) || te.Code != 403 {
		t.Fatalf("Run err = %v", err)
	}
}

func TestCreateTimeout(t *testing.T) {
	h := newHarness(t, Options{TransactionTimeout: 30 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, nil)
	h.expect("create")
	if err := h.runResult(); !errors.Is(err, app.ErrTransactionTimeout) {
		t.Fatalf("Run err = %v", err)
	}
}

func TestGatewaySessionTimeout(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()
	h.inject(`{"janus":"timeout","session_id":1}`)
	if err := h.runResult(); !errors.Is(err, ErrSessionTimeout) {
		t.Fatalf("Run err = %v", err)
	}
	if !h.engine.conn(100).Closed() {
		t.Error("media connection left open")
	}
}

func TestNegotiationFailureReported(t *testing.T) {
	h := newHarness(t, Options{}, &fakeEngine{failStep: "set_local"})
	c := h.expect("create")
	h.inject(`{"janus":"success","transaction":%q,"data":{"id":1}}`, c.Transaction)
	a := h.expect("attach")
	h.inject(`{"janus":"success","transaction":%q,"data":{"id":100}}`, a.Transaction)
	j := h.expect("message")
	h.inject(`{"janus":"event","sender":100,"transaction":%q,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"joined","id":99}}}`, j.Transaction)
	h.waitEvent("failed:100")
	h.expectNone("message", 100*time.Millisecond)
}

func TestCloseDetachesAndDestroys(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()
	h.subscribe()

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closed <- h.o.Close(ctx)
	}()

	for _, want := range []uint64{100, 200} {
		d := h.expect("detach")
		if d.HandleID != want {
			t.Fatalf("detach handle %d, want %d", d.HandleID, want)
		}
		h.inject(`{"janus":"success","transaction":%q}`, d.Transaction)
	}
	ds := h.expect("destroy")
	if ds.SessionID != 1 {
		t.Fatalf("unexpected destroy: %+v", ds)
	}
	h.inject(`{"janus":"success","transaction":%q}`, ds.Transaction)

	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.runResult(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := h.o.Status(); st.State != "closed" || len(st.Handles) != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestBackpressurePolicy(t *testing.T) {
	sig := newFakeSignal()
	o := New(sig, &fakeEngine{}, fakeEvents(make(chan string, 1)), Options{})
	sig.full.Store(true)

	if err := o.send(protocol.Keepalive("k", 1)); !errors.Is(err, core.ErrBackpressure) {
		t.Errorf("keepalive err = %v, want ErrBackpressure", err)
	}
	if n := sig.sendCalls.Load(); n != 0 {
		t.Errorf("keepalive waited for space")
	}
	if err := o.send(protocol.Detach("d", 1, 2)); err != nil {
		t.Errorf("detach err = %v", err)
	}
	if n := sig.sendCalls.Load(); n != 1 {
		t.Errorf("send calls = %d, want 1", n)
	}
}

func TestCloseDuringPublisherAttachSkipsJoin(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	c := h.expect("create")
	h.inject(`{"janus":"success","transaction":%q,"data":{"id":1}}`, c.Transaction)
	a := h.expect("attach")

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closed <- h.o.Close(ctx)
	}()
	ds := h.expect("destroy")

	h.inject(`{"janus":"success","transaction":%q,"data":{"id":100}}`, a.Transaction)
	h.expectNone("message", 100*time.Millisecond)

	h.inject(`{"janus":"success","transaction":%q}`, ds.Transaction)
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFeedLeavingDuringAttach(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()

	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","publishers":[{"id":55,"display":"Bob"}]}}}`)
	a := h.expect("attach")
	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","leaving":55}}}`)
	h.inject(`{"janus":"success","transaction":%q,"data":{"id":200}}`, a.Transaction)

	d := h.expect("detach")
	if d.HandleID != 200 {
		t.Fatalf("unexpected detach: %+v", d)
	}
	h.inject(`{"janus":"success","transaction":%q}`, d.Transaction)
	h.waitEvent("leaving:200")
	if h.o.Handles.Knows(55) {
		t.Error("feed still tracked")
	}

	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","publishers":[{"id":55,"display":"Bob"}]}}}`)
	h.expect("attach")
}

func TestCloseWaitsForPendingDetach(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.bootstrap()
	h.subscribe()

	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","leaving":"55"}}}`)
	sub := h.expect("detach")

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closed <- h.o.Close(ctx)
	}()

	pub := h.expect("detach")
	if pub.HandleID != 100 {
		t.Fatalf("detach handle %d, want 100", pub.HandleID)
	}
	h.inject(`{"janus":"success","transaction":%q}`, pub.Transaction)
	h.expectNone("destroy", 100*time.Millisecond)

	h.inject(`{"janus":"success","transaction":%q}`, sub.Transaction)
	ds := h.expect("destroy")
	h.inject(`{"janus":"success","transaction":%q}`, ds.Transaction)
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type waitPolicy struct{}

func (waitPolicy) OnBackPressure(protocol.Kind) app.BackpressureAction { return app.WaitForSpace }

func TestTeardownReleasesWaitingSender(t *testing.T) {
	h := newHarness(t, Options{KeepalivePeriod: 5 * time.Millisecond, Policy: waitPolicy{}}, nil)
	h.bootstrap()

	h.sig.block.Store(true)
	h.sig.full.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for h.sig.sendCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("keepalive never waited for space")
		}
		time.Sleep(time.Millisecond)
	}

	h.inject(`{"janus":"timeout","session_id":1}`)
	if err := h.runResult(); !errors.Is(err, ErrSessionTimeout) {
		t.Fatalf("Run err = %v", err)
	}
}

func TestConfigureRejectionLatchesNegotiation(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	c := h.expect("create")
	h.inject(`{"janus":"success","transaction":%q,"data":{"id":1}}`, c.Transaction)
	a := h.expect("attach")
	h.inject(`{"janus":"success","transaction":%q,"data":{"id":100}}`, a.Transaction)
	j := h.expect("message")
	h.inject(`{"janus":"event","sender":100,"transaction":%q,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"joined","id":99}}}`, j.Transaction)

	cfg := h.expect("message")
	if cfg.Body["request"] != "configure" {
		t.Fatalf("unexpected request: %+v", cfg)
	}
	h.inject(`{"janus":"event","sender":100,"transaction":%q,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","error_code":433,"error":"Unauthorized"}}}`, cfg.Transaction)
	h.waitEvent("failed:100")
	if st, err := h.o.Negotiation.State(100); err != nil || !st.Failed {
		t.Fatalf("negotiation state = %+v, %v", st, err)
	}

	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event"}},"jsep":{"type":"answer","sdp":"v=0 late"}}`)
	h.inject(`{"janus":"event","sender":100,"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","publishers":[{"id":56}]}}}`)
	h.expect("attach")
	if calls := h.engine.conn(100).Calls(); strings.Join(calls, ",") != "create_offer,set_local" {
		t.Errorf("publisher calls = %v", calls)
	}
}
