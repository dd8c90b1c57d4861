package signal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/gorilla/websocket"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// gateway starts a websocket server that hands every accepted connection to
// handle.
func gateway(t *testing.T, subprotocols []string, handle func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{Subprotocols: subprotocols}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(s.Close)
	return s
}

func echo(ws *websocket.Conn) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := ws.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func recv(t *testing.T, c *Conn) core.Frame {
	t.Helper()
	select {
	case f, ok := <-c.Inbound():
		if !ok {
			t.Fatalf("inbound closed: %v", c.Err())
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
	return nil
}

func TestRoundTrip(t *testing.T) {
	s := gateway(t, []string{"janus-protocol"}, echo)
	c, err := Dial(context.Background(), Options{URL: wsURL(s)})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.TrySend(core.Frame(`{"janus":"keepalive"}`)); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(context.Background(), core.Frame(`{"janus":"create"}`)); err != nil {
		t.Fatal(err)
	}
	if got := string(recv(t, c)); got != `{"janus":"keepalive"}` {
		t.Errorf("first frame = %s", got)
	}
	if got := string(recv(t, c)); got != `{"janus":"create"}` {
		t.Errorf("second frame = %s", got)
	}
}

func TestDialRequiresSubprotocol(t *testing.T) {
	s := gateway(t, nil, echo)
	_, err := Dial(context.Background(), Options{URL: wsURL(s)})
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "handshake" {
		t.Fatalf("err = %v, want handshake TransportError", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Error("err does not match ErrTransport")
	}
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), Options{URL: "ws://" + addr, ConnectTimeout: time.Second})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestRemoteCloseReported(t *testing.T) {
	s := gateway(t, []string{"janus-protocol"}, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"janus":"ack","transaction":"x"}`))
	})
	c, err := Dial(context.Background(), Options{URL: wsURL(s)})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	recv(t, c)
	select {
	case _, ok := <-c.Inbound():
		if ok {
			t.Fatal("unexpected frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound not closed after remote close")
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pumps still running")
	}
	if !errors.Is(c.Err(), ErrTransport) {
		t.Errorf("Err() = %v, want ErrTransport", c.Err())
	}
	if err := c.TrySend(core.Frame("x")); !errors.Is(err, core.ErrClosed) {
		t.Errorf("TrySend err = %v, want ErrClosed", err)
	}
}

func TestLocalClose(t *testing.T) {
	closeCode := make(chan int, 1)
	s := gateway(t, []string{"janus-protocol"}, func(ws *websocket.Conn) {
		_, _, err := ws.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			closeCode <- ce.Code
		}
	})
	c, err := Dial(context.Background(), Options{URL: wsURL(s)})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-c.Inbound(); ok {
		t.Error("inbound still open")
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v after local close", c.Err())
	}
	if err := c.Send(context.Background(), core.Frame("x")); !errors.Is(err, core.ErrClosed) {
		t.Errorf("Send err = %v, want ErrClosed", err)
	}
	select {
	case code := <-closeCode:
		if code != websocket.CloseNormalClosure {
			t.Errorf("close code = %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Error("gateway saw no close frame")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
