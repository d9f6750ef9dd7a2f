package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC id: a string or a number, caller-assigned and
// unique only within the party that minted it. The bridge treats ids as
// opaque; it preserves the original JSON type when restoring one.
type RequestID struct {
	value any
}

// NewStringID builds an id from a string. Proxy ids minted by the
// bridge are always strings.
func NewStringID(s string) *RequestID {
	return &RequestID{value: s}
}

// NewNumberID builds an id from a number.
func NewNumberID(n int64) *RequestID {
	return &RequestID{value: n}
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// String renders the id for logging and map keys. Numeric and string
// ids that render identically cannot collide in practice because the
// only ids the bridge keys maps on are its own UUID proxy ids.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}
	// null and anything else; treated as absent rather than rejected so
	// that an odd frame is still routable as a notification.
	id.value = nil
	return nil
}
