package domain

import (
	"encoding/json"
	"strconv"
)

// RoomID identifies a VideoRoom. Rooms are numeric unless the gateway runs
// with string ids, so numeric values go on the wire as JSON numbers.
type RoomID string

func (r RoomID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseUint(string(r), 10, 64); err == nil {
		return []byte(strconv.FormatUint(n, 10)), nil
	}
	return json.Marshal(string(r))
}

func (r RoomID) String() string { return string(r) }
