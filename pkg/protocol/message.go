// Package protocol defines the server-to-client message envelope of the
// UI sync channel and the wire wrapping used to frame it.
package protocol

import "encoding/json"

// UndefinedSyncID marks a message without a server sync id. Asynchronous
// server pushes that are not tied to a request/response cycle carry no id
// and are exempt from ordering.
//
// Must stay -1: SyncID() and the sequencer's last-seen accessor share this
// sentinel.
const UndefinedSyncID = -1

// AppError is a fatal application-level error payload. Receiving one tears
// down the logical connection.
type AppError struct {
	Caption string `json:"caption"`
	Message string `json:"message"`
	Details string `json:"details"`
	URL     string `json:"url"`
}

// Redirect instructs the client to navigate away. A redirecting message
// short-circuits all remaining handling.
type Redirect struct {
	URL string `json:"url"`
}

// Meta carries delivery metadata that is not part of the message body.
type Meta struct {
	Async    bool      `json:"async,omitempty"`
	AppError *AppError `json:"appError,omitempty"`
}

// ServerMessage is one decoded message from the server. Immutable once
// received; the sequencer and the connection only read it.
type ServerMessage struct {
	SyncID             *int            `json:"syncId,omitempty"`
	ClientID           *int            `json:"clientId,omitempty"`
	Resync             bool            `json:"resynchronize,omitempty"`
	Token              string          `json:"token,omitempty"`
	Redirect           *Redirect       `json:"redirect,omitempty"`
	Changes            json.RawMessage `json:"changes,omitempty"`
	RPC                json.RawMessage `json:"rpc,omitempty"`
	Timings            json.RawMessage `json:"timings,omitempty"`
	ScriptDependencies []string        `json:"scriptDependencies,omitempty"`
	StyleDependencies  []string        `json:"styleDependencies,omitempty"`
	Meta               *Meta           `json:"meta,omitempty"`
}

// SequenceID returns the server sync id, or UndefinedSyncID when the
// message carries none.
func (m *ServerMessage) SequenceID() int {
	if m.SyncID == nil {
		return UndefinedSyncID
	}
	return *m.SyncID
}

// ClientAck returns the server's ack of the next client-to-server message
// id, if present.
func (m *ServerMessage) ClientAck() (int, bool) {
	if m.ClientID == nil {
		return 0, false
	}
	return *m.ClientID, true
}

// IsResponse reports whether this message answers a client request. Only
// messages explicitly marked async are not responses; everything else must
// end the in-flight request, including stale duplicates.
func (m *ServerMessage) IsResponse() bool {
	return m.Meta == nil || !m.Meta.Async
}

// AppErrorPayload returns the fatal error payload, if any.
func (m *ServerMessage) AppErrorPayload() *AppError {
	if m.Meta == nil {
		return nil
	}
	return m.Meta.AppError
}
