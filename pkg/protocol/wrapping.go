package protocol

import (
	"encoding/json"
	"strings"
)

// The server frames every sync payload to stop browsers from executing a
// cross-site-included response as script. The prefix is an infinite loop,
// the suffix closes the JSON array opened by the prefix.
const (
	WrappingPrefix = "for(;;);["
	WrappingSuffix = "]"
)

// StripWrapping removes the wire framing. It reports false when either
// marker is missing; the caller treats that as "no message", never as an
// error to propagate.
func StripWrapping(wrapped string) (string, bool) {
	if !strings.HasPrefix(wrapped, WrappingPrefix) || !strings.HasSuffix(wrapped, WrappingSuffix) {
		return "", false
	}
	return wrapped[len(WrappingPrefix) : len(wrapped)-len(WrappingSuffix)], true
}

// Wrap frames a JSON payload for the wire. Used by tests and by the push
// channel's loopback publisher.
func Wrap(payload string) string {
	return WrappingPrefix + payload + WrappingSuffix
}

// Parse decodes an unwrapped JSON payload. Returns nil if the payload is
// not a valid message.
func Parse(payload string) *ServerMessage {
	var msg ServerMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil
	}
	return &msg
}

// ParseWrapped unwraps and decodes a framed payload, returning nil on any
// failure so malformed input never crosses the transport boundary.
func ParseWrapped(wrapped string) *ServerMessage {
	payload, ok := StripWrapping(wrapped)
	if !ok {
		return nil
	}
	return Parse(payload)
}
