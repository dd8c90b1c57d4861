package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/dkeye/roomclient/internal/domain"
)

// Inbound is a validated message received from the gateway.
type Inbound struct {
	Janus       Kind             `json:"janus"`
	Transaction string           `json:"transaction,omitempty"`
	SessionID   domain.SessionID `json:"session_id,omitempty"`
	Sender      domain.HandleID  `json:"sender,omitempty"`
	Data        *SuccessData     `json:"data,omitempty"`
	Error       *GatewayError    `json:"error,omitempty"`
	PluginData  *PluginData      `json:"plugindata,omitempty"`
	JSEP        *JSEP            `json:"jsep,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

type SuccessData struct {
	ID domain.ID `json:"id"`
}

type GatewayError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type PluginData struct {
	Plugin string        `json:"plugin"`
	Data   VideoRoomData `json:"data"`
}

// VideoRoomData is the videoroom plugin payload of an event.
type VideoRoomData struct {
	VideoRoom   string        `json:"videoroom"`
	ID          domain.FeedID `json:"id,omitempty"`
	Publishers  []Publisher   `json:"publishers,omitempty"`
	Leaving     *FeedRef      `json:"leaving,omitempty"`
	Unpublished *FeedRef      `json:"unpublished,omitempty"`
	Configured  string        `json:"configured,omitempty"`
	ErrorCode   int           `json:"error_code,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type Publisher struct {
	ID      domain.FeedID `json:"id"`
	Display string        `json:"display,omitempty"`
}

// FeedRef is the value of "leaving"/"unpublished": a feed id, or "ok" when
// the gateway acknowledges our own leave/unpublish.
type FeedRef struct {
	Feed domain.FeedID
	OK   bool
}

func (f *FeedRef) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte(`"ok"`)) {
		*f = FeedRef{OK: true}
		return nil
	}
	return f.Feed.UnmarshalJSON(b)
}

// Parse decodes and validates one gateway frame.
func Parse(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ParseError{Reason: "decode", Err: err}
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *Inbound) validate() error {
	switch m.Janus {
	case "":
		return missing("janus")
	case KindSuccess, KindAck:
		if m.Transaction == "" {
			return missing("transaction")
		}
	case KindError:
		if m.Transaction == "" {
			return missing("transaction")
		}
		if m.Error == nil {
			return missing("error")
		}
	case KindEvent:
		if m.Sender == 0 {
			return missing("sender")
		}
		if m.PluginData == nil {
			return missing("plugindata")
		}
		for i, p := range m.PluginData.Data.Publishers {
			if p.ID == 0 {
				return missing("plugindata.data.publishers[" + strconv.Itoa(i) + "].id")
			}
		}
	case KindDetached, KindHangup, KindWebRTCUp, KindMedia, KindSlowLink:
		if m.Sender == 0 {
			return missing("sender")
		}
	case KindTimeout:
		if m.SessionID == 0 {
			return missing("session_id")
		}
	}
	if m.JSEP != nil {
		if m.JSEP.Type == "" {
			return missing("jsep.type")
		}
		if m.JSEP.SDP == "" {
			return missing("jsep.sdp")
		}
	}
	return nil
}

// DataID returns data.id of a success response.
func (m *Inbound) DataID() (domain.ID, error) {
	if m.Data == nil || m.Data.ID == 0 {
		return 0, missing("data.id")
	}
	return m.Data.ID, nil
}

// VideoRoom returns the plugin payload, or nil for non-plugin messages.
func (m *Inbound) VideoRoom() *VideoRoomData {
	if m.PluginData == nil {
		return nil
	}
	return &m.PluginData.Data
}
