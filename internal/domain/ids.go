// Package domain contains the gateway entities the client tracks, without transport or lifecycle logic.
package domain

import (
	"bytes"
	"errors"
	"strconv"
)

var ErrInvalidID = errors.New("invalid gateway id")

// SessionID, HandleID and FeedID are gateway-assigned identifiers. Janus
// sends them as JSON numbers, but string-encoded decimals are accepted too.
// Zero is never assigned by the gateway and means "unset".
type (
	SessionID uint64
	HandleID  uint64
	FeedID    uint64
)

// ID is an untyped gateway id, used where the meaning depends on the request
// (the data.id of a success response is a session id or a handle id).
type ID uint64

func parseID(b []byte) (uint64, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return 0, ErrInvalidID
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return 0, ErrInvalidID
		}
		b = []byte(s)
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil || n == 0 {
		return 0, ErrInvalidID
	}
	return n, nil
}

// ParseFeedID parses a feed id from its decimal form.
func ParseFeedID(s string) (FeedID, error) {
	n, err := parseID([]byte(s))
	return FeedID(n), err
}

func (id *ID) UnmarshalJSON(b []byte) error {
	n, err := parseID(b)
	*id = ID(n)
	return err
}

func (id *SessionID) UnmarshalJSON(b []byte) error {
	n, err := parseID(b)
	*id = SessionID(n)
	return err
}

func (id *HandleID) UnmarshalJSON(b []byte) error {
	n, err := parseID(b)
	*id = HandleID(n)
	return err
}

func (id *FeedID) UnmarshalJSON(b []byte) error {
	n, err := parseID(b)
	*id = FeedID(n)
	return err
}

func (id ID) String() string        { return strconv.FormatUint(uint64(id), 10) }
func (id SessionID) String() string { return strconv.FormatUint(uint64(id), 10) }
func (id HandleID) String() string  { return strconv.FormatUint(uint64(id), 10) }
func (id FeedID) String() string    { return strconv.FormatUint(uint64(id), 10) }
