package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (c *Conn) writePump() {
	defer func() {
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.closed:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump close frame")
			}
			log.Info().Str("module", "signal").Msg("writePump closing")
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.fault("write", err)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fault("write", err)
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		log.Info().Str("module", "signal").Msg("readPump closing")
		close(c.inbound)
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isClosing() {
				c.fault("read", err)
			}
			return
		}
		select {
		case c.inbound <- data:
		case <-c.closed:
			return
		}
	}
}

// fault records the first transport error and stops both pumps.
func (c *Conn) fault(op string, err error) {
	if c.isClosing() {
		return
	}
	log.Error().Err(err).Str("module", "signal").Str("op", op).Msg("transport error")
	c.setErr(&TransportError{URL: c.opts.URL, Op: op, Err: err})
	c.stop()
}
