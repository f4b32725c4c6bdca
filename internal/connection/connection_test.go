package connection

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"aim-chat/ui-sync-client/internal/session"
	"aim-chat/ui-sync-client/pkg/protocol"
)

type recordingProcessor struct {
	changes []string
	rpc     []string
}

func (p *recordingProcessor) ProcessChanges(changes json.RawMessage) error {
	p.changes = append(p.changes, string(changes))
	return nil
}

func (p *recordingProcessor) HandleRPC(rpc json.RawMessage) error {
	p.rpc = append(p.rpc, string(rpc))
	return nil
}

type recordingOutgoing struct {
	endRequests int
	resyncs     int
	acks        []int
}

func (o *recordingOutgoing) EndRequest()    { o.endRequests++ }
func (o *recordingOutgoing) Resynchronize() { o.resyncs++ }
func (o *recordingOutgoing) SetNextClientMessageID(id int, resync bool) {
	o.acks = append(o.acks, id)
}

// deferLoader holds RunWhenReady callbacks until Ready is called, like a
// loader waiting on script downloads.
type deferLoader struct {
	scripts []string
	styles  []string
	pending []func()
}

func (l *deferLoader) LoadScripts(urls []string) { l.scripts = append(l.scripts, urls...) }
func (l *deferLoader) LoadStyles(urls []string)  { l.styles = append(l.styles, urls...) }
func (l *deferLoader) RunWhenReady(f func())     { l.pending = append(l.pending, f) }

func (l *deferLoader) Ready() {
	// Draining can queue more callbacks when a buffered message becomes
	// eligible and defers in turn.
	for len(l.pending) > 0 {
		pending := l.pending
		l.pending = nil
		for _, f := range pending {
			f()
		}
	}
}

type recordingResume struct {
	saved []session.Snapshot
}

func (r *recordingResume) Save(snap session.Snapshot) error {
	r.saved = append(r.saved, snap)
	return nil
}

func msg(id int) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		SyncID:  &id,
		Changes: json.RawMessage(fmt.Sprintf(`{"change":%d}`, id)),
	}
}

func newTestConnection(t *testing.T, opts Options) (*Connection, *recordingProcessor, *recordingOutgoing) {
	t.Helper()
	proc := &recordingProcessor{}
	out := &recordingOutgoing{}
	if opts.Processor == nil {
		opts.Processor = proc
	}
	if opts.Outgoing == nil {
		opts.Outgoing = out
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return New(opts), proc, out
}

func TestFirstMessageTransitionsToRunning(t *testing.T) {
	c, proc, _ := newTestConnection(t, Options{SessionID: "sess-1"})
	if c.State() != StateInitializing {
		t.Fatalf("expected initializing, got %s", c.State())
	}

	c.HandleMessage(msg(0))
	if c.State() != StateRunning {
		t.Fatalf("expected running, got %s", c.State())
	}
	if len(proc.changes) != 1 {
		t.Fatalf("expected 1 applied change, got %d", len(proc.changes))
	}
	if !c.BootstrapHandled() {
		t.Fatal("expected bootstrap to be handled")
	}
}

func TestWirePayloadRoundtrip(t *testing.T) {
	c, proc, _ := newTestConnection(t, Options{})

	c.HandleWirePayload(`for(;;);[{"syncId":0,"changes":{"change":0}}]`)
	if len(proc.changes) != 1 || c.LastSeenSyncID() != 0 {
		t.Fatalf("expected applied change, got %d applied, last seen %d",
			len(proc.changes), c.LastSeenSyncID())
	}
}

func TestMalformedWirePayloadIgnored(t *testing.T) {
	c, proc, _ := newTestConnection(t, Options{})

	c.HandleWirePayload(`{"syncId":0}`)
	c.HandleWirePayload(`for(;;);[{"syncId":0}`)
	c.HandleWirePayload(`for(;;);[not json]`)

	if c.State() != StateInitializing {
		t.Fatalf("malformed payloads must not advance state, got %s", c.State())
	}
	if len(proc.changes) != 0 {
		t.Fatalf("expected no applied changes, got %d", len(proc.changes))
	}
}

func TestCsrfTokenCaptured(t *testing.T) {
	c, _, _ := newTestConnection(t, Options{})

	first := msg(0)
	first.Token = "tok-1"
	c.HandleMessage(first)
	if c.CsrfToken() != "tok-1" {
		t.Fatalf("expected tok-1, got %q", c.CsrfToken())
	}

	// Messages without a token keep the previous one.
	c.HandleMessage(msg(1))
	if c.CsrfToken() != "tok-1" {
		t.Fatalf("token must survive token-less messages, got %q", c.CsrfToken())
	}

	rotated := msg(2)
	rotated.Token = "tok-2"
	c.HandleMessage(rotated)
	if c.CsrfToken() != "tok-2" {
		t.Fatalf("expected tok-2, got %q", c.CsrfToken())
	}
}

func TestRedirectShortCircuitsHandling(t *testing.T) {
	var redirects []string
	c, proc, out := newTestConnection(t, Options{
		OnRedirect: func(url string) { redirects = append(redirects, url) },
	})

	c.HandleMessage(msg(0))

	redirect := msg(1)
	redirect.Changes = json.RawMessage(`{"change":1}`)
	redirect.Redirect = &protocol.Redirect{URL: "https://example.test/login"}
	c.HandleMessage(redirect)

	if len(redirects) != 1 || redirects[0] != "https://example.test/login" {
		t.Fatalf("unexpected redirects: %v", redirects)
	}
	if len(proc.changes) != 1 {
		t.Fatalf("redirect body must not be applied, got %d changes", len(proc.changes))
	}
	if out.endRequests != 1 {
		t.Fatalf("redirect must not end the request, got %d", out.endRequests)
	}

	// The redirected message leaves delivery suspended while navigation
	// happens; later messages stay buffered.
	c.HandleMessage(msg(2))
	if len(proc.changes) != 1 {
		t.Fatalf("delivery must stay suspended after redirect, got %d changes", len(proc.changes))
	}
}

func TestAppErrorStopsConnection(t *testing.T) {
	var caught []*protocol.AppError
	c, proc, _ := newTestConnection(t, Options{
		OnAppError: func(appErr *protocol.AppError) { caught = append(caught, appErr) },
	})

	c.HandleMessage(msg(0))

	fatal := msg(1)
	fatal.Meta = &protocol.Meta{AppError: &protocol.AppError{Caption: "Internal error"}}
	c.HandleMessage(fatal)

	if c.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", c.State())
	}
	if len(caught) != 1 || caught[0].Caption != "Internal error" {
		t.Fatalf("unexpected app errors: %+v", caught)
	}

	c.HandleMessage(msg(2))
	if len(proc.changes) != 2 {
		t.Fatalf("stopped connection must drop messages, got %d changes", len(proc.changes))
	}
}

func TestDependencyLoadingDefersBody(t *testing.T) {
	loader := &deferLoader{}
	c, proc, out := newTestConnection(t, Options{Loader: loader})

	first := msg(0)
	first.ScriptDependencies = []string{"https://cdn.test/a.js"}
	first.StyleDependencies = []string{"https://cdn.test/a.css"}
	c.HandleMessage(first)

	if len(loader.scripts) != 1 || len(loader.styles) != 1 {
		t.Fatalf("expected dependency loads, got %d scripts %d styles",
			len(loader.scripts), len(loader.styles))
	}
	if len(proc.changes) != 0 {
		t.Fatal("body must wait for dependency loading")
	}
	if out.endRequests != 0 {
		t.Fatal("request must stay open while loading")
	}

	// A follow-up message queues behind the in-flight one.
	c.HandleMessage(msg(1))
	if len(proc.changes) != 0 {
		t.Fatal("follow-up must wait behind the deferred message")
	}

	loader.Ready()
	if len(proc.changes) != 2 {
		t.Fatalf("expected both bodies applied after loading, got %d", len(proc.changes))
	}
	if out.endRequests != 2 {
		t.Fatalf("expected both requests ended, got %d", out.endRequests)
	}
}

func TestTimingPayloadForwarded(t *testing.T) {
	var timings []string
	c, _, _ := newTestConnection(t, Options{
		TimingHook: func(raw json.RawMessage) { timings = append(timings, string(raw)) },
	})

	timed := msg(0)
	timed.Timings = json.RawMessage(`[120,340]`)
	c.HandleMessage(timed)

	if len(timings) != 1 || timings[0] != `[120,340]` {
		t.Fatalf("unexpected timings: %v", timings)
	}
	if string(c.ServerTimings()) != `[120,340]` {
		t.Fatalf("unexpected stored timings: %s", c.ServerTimings())
	}
}

func TestResumeSnapshotPersistedPerMessage(t *testing.T) {
	resume := &recordingResume{}
	c, _, _ := newTestConnection(t, Options{SessionID: "sess-1", Resume: resume})

	first := msg(0)
	first.Token = "tok-1"
	c.HandleMessage(first)
	c.HandleMessage(msg(1))

	if len(resume.saved) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(resume.saved))
	}
	last := resume.saved[1]
	if last.SessionID != "sess-1" || last.LastSeenSyncID != 1 || last.CsrfToken != "tok-1" {
		t.Fatalf("unexpected snapshot: %+v", last)
	}
}

func TestSuspendAndResumeDelivery(t *testing.T) {
	c, proc, _ := newTestConnection(t, Options{})
	c.HandleMessage(msg(0))

	token := struct{ name string }{"scroll-animation"}
	c.SuspendDelivery(token)
	c.HandleMessage(msg(1))
	if len(proc.changes) != 1 {
		t.Fatalf("delivery must be suspended, got %d changes", len(proc.changes))
	}

	c.ResumeDelivery(token)
	if len(proc.changes) != 2 {
		t.Fatalf("expected buffered message applied on resume, got %d", len(proc.changes))
	}
}

func TestAccessorsSafeOffDispatchGoroutine(t *testing.T) {
	c, _, _ := newTestConnection(t, Options{SessionID: "sess-1"})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = c.State()
			_ = c.CsrfToken()
			_ = c.BootstrapHandled()
			_ = c.ServerTimings()
		}
	}()

	for i := 0; i < 100; i++ {
		m := msg(i)
		m.Token = fmt.Sprintf("tok-%d", i)
		m.Timings = json.RawMessage(fmt.Sprintf(`[%d,%d]`, i, i*2))
		c.HandleMessage(m)
	}
	close(stop)
	wg.Wait()

	if c.State() != StateRunning {
		t.Fatalf("expected running, got %s", c.State())
	}
	if c.CsrfToken() != "tok-99" {
		t.Fatalf("unexpected token: %q", c.CsrfToken())
	}
}

func TestClientAckForwardedToOutgoing(t *testing.T) {
	c, _, out := newTestConnection(t, Options{})

	first := msg(0)
	ack := 3
	first.ClientID = &ack
	c.HandleMessage(first)

	if len(out.acks) != 1 || out.acks[0] != 3 {
		t.Fatalf("unexpected acks: %v", out.acks)
	}
}
