package protocol

import (
	"encoding/json"

	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Subprotocol is the websocket subprotocol the gateway expects.
const Subprotocol = "janus-protocol"

const PluginVideoRoom = "janus.plugin.videoroom"

type Kind string

const (
	KindCreate    Kind = "create"
	KindAttach    Kind = "attach"
	KindMessage   Kind = "message"
	KindTrickle   Kind = "trickle"
	KindKeepalive Kind = "keepalive"
	KindDetach    Kind = "detach"
	KindDestroy   Kind = "destroy"

	KindSuccess  Kind = "success"
	KindError    Kind = "error"
	KindAck      Kind = "ack"
	KindEvent    Kind = "event"
	KindDetached Kind = "detached"
	KindHangup   Kind = "hangup"
	KindWebRTCUp Kind = "webrtcup"
	KindMedia    Kind = "media"
	KindSlowLink Kind = "slowlink"
	KindTimeout  Kind = "timeout"
)

// Auth carries the optional credentials the gateway protocol defines.
type Auth struct {
	Token     string
	APISecret string
}

// Request is an outbound gateway request.
type Request struct {
	Janus       Kind             `json:"janus"`
	Transaction string           `json:"transaction"`
	SessionID   domain.SessionID `json:"session_id,omitempty"`
	HandleID    domain.HandleID  `json:"handle_id,omitempty"`
	Plugin      string           `json:"plugin,omitempty"`
	Body        any              `json:"body,omitempty"`
	JSEP        *JSEP            `json:"jsep,omitempty"`
	Candidate   any              `json:"candidate,omitempty"`
	Token       string           `json:"token,omitempty"`
	APISecret   string           `json:"apisecret,omitempty"`
}

func (r Request) WithAuth(a Auth) Request {
	r.Token = a.Token
	r.APISecret = a.APISecret
	return r
}

func Encode(r Request) ([]byte, error) {
	return json.Marshal(r)
}

// JSEP is the wire form of a session description.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func JSEPFrom(desc webrtc.SessionDescription) *JSEP {
	return &JSEP{Type: desc.Type.String(), SDP: desc.SDP}
}

// SessionDescription converts the JSEP into the media engine's form.
func (j *JSEP) SessionDescription() (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(j.Type)
	if t == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, &ParseError{Field: "jsep.type", Reason: "unknown type " + j.Type}
	}
	if j.SDP == "" {
		return webrtc.SessionDescription{}, &ParseError{Field: "jsep.sdp", Reason: "missing"}
	}
	return webrtc.SessionDescription{Type: t, SDP: j.SDP}, nil
}

type JoinPublisherBody struct {
	Request string        `json:"request"`
	Room    domain.RoomID `json:"room"`
	PType   string        `json:"ptype"`
	Display string        `json:"display,omitempty"`
}

type JoinSubscriberBody struct {
	Request string        `json:"request"`
	Room    domain.RoomID `json:"room"`
	PType   string        `json:"ptype"`
	Feed    domain.FeedID `json:"feed"`
}

type ConfigureBody struct {
	Request string `json:"request"`
	Audio   bool   `json:"audio"`
	Video   bool   `json:"video"`
}

type StartBody struct {
	Request string        `json:"request"`
	Room    domain.RoomID `json:"room"`
}

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CandidatesCompleted marks the end of ICE gathering.
type CandidatesCompleted struct {
	Completed bool `json:"completed"`
}

func Create(tx string) Request {
	return Request{Janus: KindCreate, Transaction: tx}
}

func Attach(tx string, session domain.SessionID) Request {
	return Request{Janus: KindAttach, Transaction: tx, SessionID: session, Plugin: PluginVideoRoom}
}

func JoinPublisher(tx string, session domain.SessionID, handle domain.HandleID, room domain.RoomID, display string) Request {
	return Request{
		Janus:       KindMessage,
		Transaction: tx,
		SessionID:   session,
		HandleID:    handle,
		Body:        JoinPublisherBody{Request: "join", Room: room, PType: "publisher", Display: display},
	}
}

func JoinSubscriber(tx string, session domain.SessionID, handle domain.HandleID, room domain.RoomID, feed domain.FeedID) Request {
	return Request{
		Janus:       KindMessage,
		Transaction: tx,
		SessionID:   session,
		HandleID:    handle,
		Body:        JoinSubscriberBody{Request: "join", Room: room, PType: "listener", Feed: feed},
	}
}

// Configure publishes the local offer.
func Configure(tx string, session domain.SessionID, handle domain.HandleID, offer webrtc.SessionDescription) Request {
	return Request{
		Janus:       KindMessage,
		Transaction: tx,
		SessionID:   session,
		HandleID:    handle,
		Body:        ConfigureBody{Request: "configure", Audio: true, Video: true},
		JSEP:        JSEPFrom(offer),
	}
}

// Start answers the offer the gateway sent to a subscriber handle.
func Start(tx string, session domain.SessionID, handle domain.HandleID, room domain.RoomID, answer webrtc.SessionDescription) Request {
	return Request{
		Janus:       KindMessage,
		Transaction: tx,
		SessionID:   session,
		HandleID:    handle,
		Body:        StartBody{Request: "start", Room: room},
		JSEP:        JSEPFrom(answer),
	}
}

func Trickle(tx string, session domain.SessionID, handle domain.HandleID, c webrtc.ICECandidateInit) Request {
	return Request{
		Janus:       KindTrickle,
		Transaction: tx,
		SessionID:   session,
		HandleID:    handle,
		Candidate:   Candidate{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex},
	}
}

func TrickleCompleted(tx string, session domain.SessionID, handle domain.HandleID) Request {
	return Request{
		Janus:       KindTrickle,
		Transaction: tx,
		SessionID:   session,
		HandleID:    handle,
		Candidate:   CandidatesCompleted{Completed: true},
	}
}

func Keepalive(tx string, session domain.SessionID) Request {
	return Request{Janus: KindKeepalive, Transaction: tx, SessionID: session}
}

func Detach(tx string, session domain.SessionID, handle domain.HandleID) Request {
	return Request{Janus: KindDetach, Transaction: tx, SessionID: session, HandleID: handle}
}

func Destroy(tx string, session domain.SessionID) Request {
	return Request{Janus: KindDestroy, Transaction: tx, SessionID: session}
}
