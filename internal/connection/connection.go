// Package connection owns the client side of one logical sync channel: it
// parses incoming wire payloads, drives the sequencer, and applies message
// payloads to the downstream collaborators.
package connection

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"aim-chat/ui-sync-client/internal/sequencer"
	"aim-chat/ui-sync-client/internal/session"
	"aim-chat/ui-sync-client/pkg/protocol"
)

const (
	StateInitializing = "initializing"
	StateRunning      = "running"
	StateStopped      = "stopped"
)

// ChangeProcessor applies the structural and RPC parts of a message body.
// Implementations live downstream; the connection only hands over opaque
// payloads.
type ChangeProcessor interface {
	ProcessChanges(changes json.RawMessage) error
	HandleRPC(rpc json.RawMessage) error
}

// ResourceLoader resolves the script/style dependencies a message names.
// RunWhenReady may defer its callback until loading finishes; the
// sequencer's bookkeeping for the message waits with it.
type ResourceLoader interface {
	LoadScripts(urls []string)
	LoadStyles(urls []string)
	RunWhenReady(f func())
}

// ResumeStore persists the connection's resume snapshot after each applied
// message.
type ResumeStore interface {
	Save(snap session.Snapshot) error
}

// Options configures a Connection. Processor and Outgoing are required;
// everything else has a working default.
type Options struct {
	SessionID string
	Processor ChangeProcessor
	Outgoing  sequencer.OutgoingChannel
	Loader    ResourceLoader
	Resume    ResumeStore

	// TimingHook receives the server-side timing payload of each message
	// that carries one (e.g. for test automation probes).
	TimingHook func(timings json.RawMessage)
	OnRedirect func(url string)
	OnAppError func(appErr *protocol.AppError)

	ForceReleaseBudget time.Duration
	Clock              sequencer.Clock
	Logger             *slog.Logger
}

// Connection binds one sequencer to its collaborators and tracks the
// application lifecycle of the channel.
type Connection struct {
	log  *slog.Logger
	exec *executor
	seq  *sequencer.Sequencer

	sessionID  string
	processor  ChangeProcessor
	loader     ResourceLoader
	resume     ResumeStore
	timingHook func(json.RawMessage)
	onRedirect func(string)
	onAppError func(*protocol.AppError)

	// mu guards the snapshot fields below. All writes happen on the
	// dispatch goroutine; the lock makes the read-only accessors safe
	// from any goroutine.
	mu               sync.Mutex
	state            string
	csrfToken        string
	serverTimings    json.RawMessage
	bootstrapHandled bool
}

// dispatchClock routes timer callbacks back onto the connection's
// executor so the sequencer never runs off its own goroutine.
type dispatchClock struct {
	inner sequencer.Clock
	exec  *executor
}

func (c dispatchClock) Now() time.Time {
	return c.inner.Now()
}

func (c dispatchClock) AfterFunc(d time.Duration, f func()) sequencer.Timer {
	return c.inner.AfterFunc(d, func() { c.exec.Do(f) })
}

func New(opts Options) *Connection {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Loader == nil {
		opts.Loader = immediateLoader{}
	}
	if opts.Processor == nil {
		opts.Processor = discardProcessor{}
	}
	if opts.Clock == nil {
		opts.Clock = sequencer.SystemClock()
	}
	if opts.Outgoing == nil {
		opts.Outgoing = noopOutgoing{}
	}

	c := &Connection{
		log:        opts.Logger,
		exec:       &executor{},
		sessionID:  opts.SessionID,
		processor:  opts.Processor,
		loader:     opts.Loader,
		resume:     opts.Resume,
		timingHook: opts.TimingHook,
		onRedirect: opts.OnRedirect,
		onAppError: opts.OnAppError,
		state:      StateInitializing,
	}
	c.seq = sequencer.New(c, opts.Outgoing, sequencer.Config{
		ForceReleaseBudget: opts.ForceReleaseBudget,
		Clock:              dispatchClock{inner: opts.Clock, exec: c.exec},
		Logger:             opts.Logger,
	})
	return c
}

// HandleWirePayload unwraps and parses one framed payload from the
// transport. Malformed payloads are dropped here; the sequencer never sees
// them.
func (c *Connection) HandleWirePayload(wrapped string) {
	msg := protocol.ParseWrapped(wrapped)
	if msg == nil {
		c.log.Debug("ignoring payload without a valid message envelope", "bytes", len(wrapped))
		return
	}
	c.HandleMessage(msg)
}

// HandleMessage feeds one parsed message into the connection. Safe to call
// from any goroutine; processing is serialized onto the connection's
// logical thread.
func (c *Connection) HandleMessage(msg *protocol.ServerMessage) {
	c.exec.Do(func() { c.handle(msg) })
}

// SuspendDelivery pauses ordered delivery until ResumeDelivery is called
// with the same token (e.g. around an animation that must not be
// interrupted by a tree mutation).
func (c *Connection) SuspendDelivery(token any) {
	c.exec.Do(func() { c.seq.AcquireLock(token) })
}

// ResumeDelivery releases a suspend token.
func (c *Connection) ResumeDelivery(token any) {
	c.exec.Do(func() { c.seq.ReleaseLock(token) })
}

// State returns the connection lifecycle state. Safe from any goroutine.
func (c *Connection) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CsrfToken returns the most recent token carried in-band by the server.
// Safe from any goroutine.
func (c *Connection) CsrfToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csrfToken
}

// LastSeenSyncID exposes the sequencer's last applied id for collaborators
// that deduplicate derived work per response. The sequencer is confined to
// the dispatch goroutine; call this from message-processing callbacks.
func (c *Connection) LastSeenSyncID() int {
	return c.seq.LastSeenSyncID()
}

// BootstrapHandled reports whether the first message has been fully
// processed. Safe from any goroutine.
func (c *Connection) BootstrapHandled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootstrapHandled
}

// ServerTimings returns the last server-side timing payload. Safe from any
// goroutine.
func (c *Connection) ServerTimings() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverTimings
}

// LastProcessingTime returns the time spent applying the last message.
// Call from message-processing callbacks.
func (c *Connection) LastProcessingTime() time.Duration {
	return c.seq.LastProcessingTime()
}

// TotalProcessingTime returns the accumulated apply time for the
// connection. Call from message-processing callbacks.
func (c *Connection) TotalProcessingTime() time.Duration {
	return c.seq.TotalProcessingTime()
}

func (c *Connection) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Connection) handle(msg *protocol.ServerMessage) {
	if msg.SequenceID() == protocol.UndefinedSyncID && msg.IsResponse() {
		c.log.Error("response without a sync id; the server may be outdated or the payload was modified in transit")
	}
	if c.state == StateInitializing {
		c.setState(StateRunning)
		c.log.Info("first server message received, application running", "session_id", c.sessionID)
	}
	if c.state != StateRunning {
		c.log.Warn("ignoring message received after the application stopped", "sync_id", msg.SequenceID())
		return
	}
	c.seq.Submit(msg)
}

// Apply implements sequencer.MessageApplier. It runs on the connection's
// logical thread; body application may be deferred by the resource loader.
func (c *Connection) Apply(msg *protocol.ServerMessage, done func(sequencer.ApplyResult)) {
	if msg.Redirect != nil {
		c.log.Info("server requested redirect", "url", msg.Redirect.URL)
		if c.onRedirect != nil {
			c.onRedirect(msg.Redirect.URL)
		}
		done(sequencer.ApplyResult{Redirected: true})
		return
	}

	if msg.Token != "" {
		c.mu.Lock()
		c.csrfToken = msg.Token
		c.mu.Unlock()
	}
	if len(msg.ScriptDependencies) > 0 {
		c.loader.LoadScripts(msg.ScriptDependencies)
	}
	if len(msg.StyleDependencies) > 0 {
		c.loader.LoadStyles(msg.StyleDependencies)
	}
	if msg.Timings != nil {
		c.mu.Lock()
		c.serverTimings = msg.Timings
		c.mu.Unlock()
		if c.timingHook != nil {
			c.timingHook(msg.Timings)
		}
	}

	c.loader.RunWhenReady(func() {
		c.exec.Do(func() { c.applyBody(msg, done) })
	})
}

func (c *Connection) applyBody(msg *protocol.ServerMessage, done func(sequencer.ApplyResult)) {
	if msg.Changes != nil {
		if err := c.processor.ProcessChanges(msg.Changes); err != nil {
			c.log.Error("applying structural changes failed", "sync_id", msg.SequenceID(), "reason", err.Error())
		}
	}
	if msg.RPC != nil {
		if err := c.processor.HandleRPC(msg.RPC); err != nil {
			c.log.Error("handling rpc payload failed", "sync_id", msg.SequenceID(), "reason", err.Error())
		}
	}

	res := sequencer.ApplyResult{}
	if appErr := msg.AppErrorPayload(); appErr != nil {
		c.log.Error("fatal application error from server",
			"caption", appErr.Caption, "details", appErr.Details)
		if c.onAppError != nil {
			c.onAppError(appErr)
		}
		c.setState(StateStopped)
		res.Fatal = true
	}

	if !c.bootstrapHandled {
		c.mu.Lock()
		c.bootstrapHandled = true
		c.mu.Unlock()
		c.log.Info("bootstrap message processed", "sync_id", msg.SequenceID())
	}
	c.persistResume()
	done(res)
}

func (c *Connection) persistResume() {
	if c.resume == nil {
		return
	}
	err := c.resume.Save(session.Snapshot{
		SessionID:      c.sessionID,
		LastSeenSyncID: c.seq.LastSeenSyncID(),
		CsrfToken:      c.csrfToken,
	})
	if err != nil {
		c.log.Warn("persisting resume snapshot failed", "reason", err.Error())
	}
}

// immediateLoader is the default ResourceLoader for clients that have no
// lazily loaded dependencies.
type immediateLoader struct{}

func (immediateLoader) LoadScripts([]string) {}

func (immediateLoader) LoadStyles([]string) {}
func (immediateLoader) RunWhenReady(f func()) {
	f()
}

// noopOutgoing is used when no request channel exists, e.g. a receive-only
// probe fed entirely by pushes.
type noopOutgoing struct{}

func (noopOutgoing) EndRequest()                      {}
func (noopOutgoing) Resynchronize()                   {}
func (noopOutgoing) SetNextClientMessageID(int, bool) {}

// discardProcessor drops message bodies; useful for probes that only track
// sequence state.
type discardProcessor struct{}

func (discardProcessor) ProcessChanges(json.RawMessage) error { return nil }
func (discardProcessor) HandleRPC(json.RawMessage) error      { return nil }
