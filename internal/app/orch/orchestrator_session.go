package orch

import (
	"errors"
	"fmt"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/dkeye/roomclient/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) createSession() error {
	o.setState(SessionConnecting)
	return o.request(protocol.Create, func(res app.Result) {
		if res.Err != nil {
			o.fail(fmt.Errorf("create session: %w", res.Err))
			return
		}
		id, err := res.Message.DataID()
		if err != nil {
			o.fail(fmt.Errorf("create session: %w", err))
			return
		}
		o.session.Store(uint64(id))
		o.setState(SessionActive)
		log.Info().Str("module", "orch").Str("session", id.String()).Msg("session created")

		o.keepalive.Start(o.life)
		o.attachPublisher()
	})
}

func (o *Orchestrator) sendKeepalive() {
	sid := o.sessionID()
	if sid == 0 {
		return
	}
	if err := o.send(protocol.Keepalive(uuid.NewString(), sid)); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("keepalive not sent")
	}
}

func (o *Orchestrator) attachPublisher() {
	sid := o.sessionID()
	pub := domain.NewPublisher(o.opts.Display)
	o.Handles.SetPublisher(pub)

	err := o.request(func(tx string) protocol.Request {
		return protocol.Attach(tx, sid)
	}, func(res app.Result) {
		if res.Err != nil {
			o.fail(fmt.Errorf("attach publisher: %w", res.Err))
			return
		}
		id, err := res.Message.DataID()
		if err != nil {
			o.fail(fmt.Errorf("attach publisher: %w", err))
			return
		}
		if err := o.Handles.Bind(pub, domain.HandleID(id)); err != nil {
			o.fail(fmt.Errorf("attach publisher: %w", err))
			return
		}
		log.Info().Str("module", "orch").Str("handle", id.String()).Msg("publisher attached")
		if o.closing.Load() {
			return
		}
		o.joinPublisher(pub)
	})
	if err != nil {
		o.fail(fmt.Errorf("attach publisher: %w", err))
	}
}

func (o *Orchestrator) joinPublisher(pub *domain.Handle) {
	sid := o.sessionID()
	err := o.request(func(tx string) protocol.Request {
		return protocol.JoinPublisher(tx, sid, pub.ID, o.opts.Room, pub.Display)
	}, func(res app.Result) {
		if res.Err != nil {
			o.fail(fmt.Errorf("join room %s: %w", o.opts.Room, res.Err))
		}
	})
	if err != nil {
		o.fail(fmt.Errorf("join room %s: %w", o.opts.Room, err))
	}
}

// leaveAll detaches every bound handle, then destroys the session.
func (o *Orchestrator) leaveAll() {
	o.setState(SessionClosing)
	o.keepalive.Stop()

	handles := o.Handles.All()
	log.Info().Str("module", "orch").Int("handles", len(handles)).Msg("leaving room")

	remaining := len(handles)
	if remaining == 0 {
		o.destroySession()
		return
	}
	for _, h := range handles {
		o.leave(h, func() {
			remaining--
			if remaining == 0 {
				o.destroySession()
			}
		})
	}
}

func (o *Orchestrator) destroySession() {
	sid := o.sessionID()
	if sid == 0 {
		o.finish()
		return
	}
	err := o.request(func(tx string) protocol.Request {
		return protocol.Destroy(tx, sid)
	}, func(res app.Result) {
		if res.Err != nil && !errors.Is(res.Err, app.ErrSessionClosed) {
			log.Warn().Err(res.Err).Str("module", "orch").Msg("destroy session")
		}
		o.finish()
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("destroy session")
		o.finish()
	}
}
