package push

import "sync"

// Envelope is one server push addressed to a session. Payload is the
// wrapped sync message exactly as the server framed it.
type Envelope struct {
	ID        string
	SessionID string
	Payload   []byte
}

// sessionBus is the in-process transport used by the mock backend.
// Envelopes published before the session subscribes wait in a mailbox so
// tests and local loopback setups never race subscription order.
type sessionBus struct {
	mu          sync.Mutex
	subscribers map[string]func(Envelope)
	mailbox     map[string][]Envelope
}

var globalBus = &sessionBus{
	subscribers: make(map[string]func(Envelope)),
	mailbox:     make(map[string][]Envelope),
}

func (b *sessionBus) publish(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handler, ok := b.subscribers[env.SessionID]; ok {
		go handler(env)
		return
	}
	b.mailbox[env.SessionID] = append(b.mailbox[env.SessionID], env)
}

func (b *sessionBus) subscribe(sessionID string, handler func(Envelope)) {
	b.mu.Lock()
	b.subscribers[sessionID] = handler
	pending := append([]Envelope(nil), b.mailbox[sessionID]...)
	delete(b.mailbox, sessionID)
	b.mu.Unlock()

	for _, env := range pending {
		handler(env)
	}
}

func (b *sessionBus) unsubscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sessionID)
}
