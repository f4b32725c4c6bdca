// Package sender owns the client-to-server half of the sync channel: it
// numbers outgoing messages, tracks the in-flight request slot, and issues
// resynchronization requests when the sequence state is beyond repair.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 30 * time.Second

	// Resynchronization is a heavyweight full-state request; one every few
	// seconds is plenty even when the channel is badly confused.
	defaultResyncRate  = rate.Limit(0.5)
	defaultResyncBurst = 2
)

// Config configures a Sender. Endpoint is required.
type Config struct {
	Endpoint string

	// CsrfToken is consulted per request so token rotation picks up
	// without rewiring.
	CsrfToken func() string

	// OnResponse receives each wrapped response payload for parsing and
	// sequencing.
	OnResponse func(wrapped string)

	HTTPClient  *http.Client
	ResyncRate  rate.Limit
	ResyncBurst int
	Logger      *slog.Logger
}

// Sender numbers and posts client messages. It implements the sequencer's
// outgoing channel.
type Sender struct {
	endpoint  string
	client    *http.Client
	csrfToken func() string
	onResp    func(string)
	limiter   *rate.Limiter
	log       *slog.Logger

	mu           sync.Mutex
	nextClientID int
	inFlight     bool
	queued       json.RawMessage

	// background tracks posts fired off the caller's goroutine so tests
	// and shutdown can wait for them.
	background sync.WaitGroup
}

type clientMessage struct {
	ClientID      int             `json:"clientId"`
	CsrfToken     string          `json:"csrfToken,omitempty"`
	Resynchronize bool            `json:"resynchronize,omitempty"`
	RPC           json.RawMessage `json:"rpc,omitempty"`
}

func New(cfg Config) *Sender {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if cfg.ResyncRate <= 0 {
		cfg.ResyncRate = defaultResyncRate
	}
	if cfg.ResyncBurst <= 0 {
		cfg.ResyncBurst = defaultResyncBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sender{
		endpoint:  cfg.Endpoint,
		client:    cfg.HTTPClient,
		csrfToken: cfg.CsrfToken,
		onResp:    cfg.OnResponse,
		limiter:   rate.NewLimiter(cfg.ResyncRate, cfg.ResyncBurst),
		log:       cfg.Logger,
	}
}

// Send queues an rpc payload for delivery. Only one request is in flight at
// a time; a payload submitted while one is pending is merged into the next
// request. A failed request releases the slot again, and anything that
// queued up behind it is retried in the background.
func (s *Sender) Send(ctx context.Context, rpc json.RawMessage) error {
	s.mu.Lock()
	if s.inFlight {
		s.queued = mergePayloads(s.queued, rpc)
		s.mu.Unlock()
		return nil
	}
	s.inFlight = true
	id := s.nextClientID
	s.mu.Unlock()

	err := s.post(ctx, clientMessage{ClientID: id, RPC: rpc})
	if err == nil {
		return nil
	}

	// The request never reached the server, so no response will come to
	// end it. Free the slot or every later payload queues forever.
	s.mu.Lock()
	s.inFlight = false
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()

	if queued != nil {
		s.flushQueued(queued)
	}
	return err
}

// EndRequest closes the in-flight request slot. Called once per server
// response, from the message-processing path, so the flush of any queued
// payload runs on its own goroutine instead of blocking the caller on the
// network.
func (s *Sender) EndRequest() {
	s.mu.Lock()
	s.inFlight = false
	s.nextClientID++
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()

	if queued != nil {
		s.flushQueued(queued)
	}
}

func (s *Sender) flushQueued(queued json.RawMessage) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.Send(context.Background(), queued); err != nil {
			s.log.Warn("sending queued payload failed", "reason", err.Error())
		}
	}()
}

// SetNextClientMessageID reconciles the server's ack of our message
// numbering with the local counter.
func (s *Sender) SetNextClientMessageID(id int, resync bool) {
	s.mu.Lock()
	current := s.nextClientID
	switch {
	case id == current:
		// Expected ack.
	case id > current:
		if !resync {
			s.log.Warn("server ack ahead of client id, adopting", "acked", id, "expected", current)
		}
		s.nextClientID = id
	default:
		s.mu.Unlock()
		if !resync {
			s.log.Warn("server ack behind client id, resynchronizing", "acked", id, "expected", current)
			s.Resynchronize()
		}
		return
	}
	s.mu.Unlock()
}

// Resynchronize asks the server for a full state resend. Rate limited;
// excess requests are dropped since one successful resync repairs
// everything. The sequencer calls this from the message-processing path,
// so the post itself runs on its own goroutine.
func (s *Sender) Resynchronize() {
	if !s.limiter.Allow() {
		s.log.Warn("resynchronization request suppressed by rate limit")
		return
	}
	s.mu.Lock()
	id := s.nextClientID
	s.mu.Unlock()

	s.log.Info("requesting resynchronization from server")
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.post(context.Background(), clientMessage{ClientID: id, Resynchronize: true}); err != nil {
			s.log.Error("resynchronization request failed", "reason", err.Error())
		}
	}()
}

// Wait blocks until all background posts have finished. For shutdown.
func (s *Sender) Wait() {
	s.background.Wait()
}

// NextClientID returns the id the next outgoing message will carry.
func (s *Sender) NextClientID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextClientID
}

func (s *Sender) post(ctx context.Context, msg clientMessage) (retErr error) {
	if s.csrfToken != nil {
		msg.CsrfToken = s.csrfToken()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync endpoint status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return err
	}
	if s.onResp != nil && buf.Len() > 0 {
		s.onResp(buf.String())
	}
	return nil
}

// mergePayloads concatenates queued rpc arrays so a slot conflict never
// drops invocations.
func mergePayloads(a, b json.RawMessage) json.RawMessage {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	var left, right []json.RawMessage
	if err := json.Unmarshal(a, &left); err != nil {
		return b
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return a
	}
	merged, err := json.Marshal(append(left, right...))
	if err != nil {
		return b
	}
	return merged
}

var _ interface {
	EndRequest()
	Resynchronize()
	SetNextClientMessageID(id int, resync bool)
} = (*Sender)(nil)
