// Package signal is the websocket transport to the gateway.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrTransport = errors.New("signaling transport failure")

// TransportError reports a failed dial, handshake, read or write.
type TransportError struct {
	URL string
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

type Options struct {
	URL            string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	SendBuffer     int
	Header         http.Header
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

// Conn is a gateway websocket. One goroutine reads, one writes; every
// outbound frame goes through the buffered send queue.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	send    chan core.Frame
	inbound chan core.Frame

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	wg        conc.WaitGroup

	mu  sync.Mutex
	err error
}

// Dial connects to the gateway and negotiates the janus-protocol
// subprotocol.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.ConnectTimeout,
		Subprotocols:     []string{protocol.Subprotocol},
	}
	ws, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, &TransportError{URL: opts.URL, Op: "dial", Err: err}
	}
	if got := ws.Subprotocol(); got != protocol.Subprotocol {
		_ = ws.Close()
		return nil, &TransportError{URL: opts.URL, Op: "handshake", Err: fmt.Errorf("gateway selected subprotocol %q", got)}
	}
	ws.SetReadLimit(opts.ReadLimit)

	log.Info().Str("module", "signal").Str("url", opts.URL).Msg("connected to gateway")
	return newConn(ws, opts), nil
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	c := &Conn{
		ws:      ws,
		opts:    opts,
		send:    make(chan core.Frame, opts.SendBuffer),
		inbound: make(chan core.Frame, opts.SendBuffer),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.wg.Go(c.writePump)
	c.wg.Go(c.readPump)
	go func() {
		if r := c.wg.WaitAndRecover(); r != nil {
			log.Error().Str("module", "signal").Str("panic", r.String()).Msg("pump panicked")
			c.setErr(&TransportError{URL: c.opts.URL, Op: "pump", Err: r.AsError()})
		}
		close(c.done)
	}()
	return c
}

func (c *Conn) TrySend(f core.Frame) error {
	select {
	case <-c.closed:
		return core.ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *Conn) Send(ctx context.Context, f core.Frame) error {
	select {
	case <-c.closed:
		return core.ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.closed:
		return core.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Inbound() <-chan core.Frame { return c.inbound }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) stop() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close sends a close frame and waits for both pumps to exit.
func (c *Conn) Close() error {
	c.stop()
	<-c.done
	return nil
}
