// Package sequencer guarantees that server messages are applied to local
// state in strictly increasing sync-id order, exactly once, even when the
// transport reorders, duplicates or drops them.
package sequencer

import (
	"log/slog"
	"time"

	"aim-chat/ui-sync-client/pkg/protocol"
)

// DefaultForceReleaseBudget bounds how long delivery may stay suspended by
// locks or by a missing message before the sequencer forces progress.
const DefaultForceReleaseBudget = 5 * time.Second

// ApplyResult is reported by the applier when it has finished with one
// message, possibly after deferred work.
type ApplyResult struct {
	// Fatal marks an application-level error payload. The connection is
	// considered torn down; no further ordered progress is made.
	Fatal bool
	// Redirected marks a message that navigated the page away. Post-apply
	// bookkeeping is skipped entirely: the request is not ended and the
	// internal lock stays held so nothing else is delivered.
	Redirected bool
}

// MessageApplier consumes validated, in-order messages. Apply may defer its
// work (e.g. until dependencies have loaded); done must be invoked exactly
// once, on the sequencer's goroutine, after that work completes. The
// sequencer's own bookkeeping runs strictly after done.
type MessageApplier interface {
	Apply(msg *protocol.ServerMessage, done func(ApplyResult))
}

// OutgoingChannel is the client-to-server half of the channel. The
// sequencer only ends requests, asks for resynchronization and forwards
// the server's ack of the next client message id.
type OutgoingChannel interface {
	EndRequest()
	Resynchronize()
	SetNextClientMessageID(id int, resync bool)
}

// Config carries the sequencer knobs. Zero values select defaults.
type Config struct {
	ForceReleaseBudget time.Duration
	Clock              Clock
	Logger             *slog.Logger
}

// Sequencer owns the expected-id counter, the out-of-order buffer, the
// suspend-lock set and the force-release timer for one logical connection.
//
// It is not safe for concurrent use: all methods, the applier's done
// callback and the clock's timer callbacks must run on the single
// goroutine that drives the connection.
type Sequencer struct {
	applier MessageApplier
	out     OutgoingChannel
	clock   Clock
	log     *slog.Logger
	budget  time.Duration

	lastSeenID int
	locks      map[any]struct{}
	pending    []*protocol.ServerMessage
	force      Timer
	stopped    bool

	lastProcessing  time.Duration
	totalProcessing time.Duration
}

// applyToken is the internal suspend-lock identity for one in-flight apply.
type applyToken struct{}

func New(applier MessageApplier, out OutgoingChannel, cfg Config) *Sequencer {
	if cfg.ForceReleaseBudget <= 0 {
		cfg.ForceReleaseBudget = DefaultForceReleaseBudget
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sequencer{
		applier:    applier,
		out:        out,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		budget:     cfg.ForceReleaseBudget,
		lastSeenID: protocol.UndefinedSyncID,
		locks:      make(map[any]struct{}),
	}
}

// Submit routes one received message: apply now, buffer, or discard. The
// caller guarantees the message parsed successfully.
func (s *Sequencer) Submit(msg *protocol.ServerMessage) {
	if msg == nil {
		return
	}
	if s.stopped {
		s.log.Warn("dropping message received after connection teardown", "sync_id", msg.SequenceID())
		return
	}

	id := msg.SequenceID()
	if msg.Resync && !s.isNextExpected(id) {
		// The server rebases the sequence. Without the rebase we would keep
		// waiting for an older message forever.
		s.log.Info("resync message rebases expected id",
			"sync_id", id, "expected_id", s.expectedID())
		s.lastSeenID = id - 1
		s.purgeStale()
	}

	locked := len(s.locks) > 0
	if locked || !s.isNextExpected(id) {
		if locked {
			s.log.Debug("delivery suspended, buffering message",
				"sync_id", id, "lock_count", len(s.locks))
		} else {
			if id <= s.lastSeenID {
				// Re-sent package. The applier must not see it, but a hung
				// request must still complete.
				s.log.Warn("discarding stale duplicate",
					"sync_id", id, "last_seen_id", s.lastSeenID)
				duplicateTotal.Inc()
				if msg.IsResponse() {
					s.out.EndRequest()
				}
				return
			}
			s.log.Info("out-of-order message, buffering until the gap fills",
				"sync_id", id, "expected_id", s.expectedID())
		}
		s.pending = append(s.pending, msg)
		bufferedTotal.Inc()
		s.armForceRelease()
		return
	}

	s.apply(msg)
}

// AcquireLock suspends all delivery until the token is released. Tokens
// are caller-supplied identity; acquiring the same token twice is a no-op.
func (s *Sequencer) AcquireLock(token any) {
	s.locks[token] = struct{}{}
}

// ReleaseLock removes a suspend lock. Releasing the last one cancels the
// force-release timer and drains any buffered messages that have become
// eligible.
func (s *Sequencer) ReleaseLock(token any) {
	delete(s.locks, token)
	if len(s.locks) != 0 {
		return
	}
	s.stopForceRelease()
	if len(s.pending) == 0 {
		return
	}
	s.log.Debug("all locks released, draining buffered messages", "buffered", len(s.pending))
	s.drain()
}

// LastSeenSyncID returns the highest sync id successfully applied, or
// protocol.UndefinedSyncID before the first one. Collaborators use it to
// deduplicate derived work across messages with the same id.
func (s *Sequencer) LastSeenSyncID() int {
	return s.lastSeenID
}

// Stopped reports whether a fatal application payload tore the logical
// connection down.
func (s *Sequencer) Stopped() bool {
	return s.stopped
}

// BufferedCount returns the number of messages waiting in the out-of-order
// buffer.
func (s *Sequencer) BufferedCount() int {
	return len(s.pending)
}

// LastProcessingTime returns the time spent applying the last message.
func (s *Sequencer) LastProcessingTime() time.Duration {
	return s.lastProcessing
}

// TotalProcessingTime returns the time spent applying messages over the
// connection's lifetime.
func (s *Sequencer) TotalProcessingTime() time.Duration {
	return s.totalProcessing
}

func (s *Sequencer) apply(msg *protocol.ServerMessage) {
	start := s.clock.Now()

	// Holds delivery suspended until this message fully completes, so a
	// push arriving while the applier waits on deferred work is buffered
	// instead of interleaved.
	token := new(applyToken)
	s.AcquireLock(token)

	// Client id must be applied before the sync-id bookkeeping: adopting it
	// can itself trigger a resynchronization, which must use the updated id.
	if ack, ok := msg.ClientAck(); ok {
		s.out.SetNextClientMessageID(ack, msg.Resync)
	}
	if id := msg.SequenceID(); id != protocol.UndefinedSyncID {
		s.lastSeenID = id
	}

	s.applier.Apply(msg, func(res ApplyResult) {
		s.finishApply(msg, token, start, res)
	})
}

func (s *Sequencer) finishApply(msg *protocol.ServerMessage, token *applyToken, start time.Time, res ApplyResult) {
	if res.Redirected {
		return
	}
	elapsed := s.clock.Now().Sub(start)
	s.lastProcessing = elapsed
	s.totalProcessing += elapsed
	appliedTotal.Inc()

	if res.Fatal {
		s.log.Error("fatal application payload, stopping ordered delivery",
			"sync_id", msg.SequenceID())
		s.stopped = true
	}
	if msg.IsResponse() {
		s.out.EndRequest()
	}
	s.ReleaseLock(token)
}

// drain applies buffered messages that have become eligible. Each apply
// re-enters here through its completion, so one call walks the whole
// eligible prefix. Re-arms the force-release timer when ineligible
// messages remain.
func (s *Sequencer) drain() {
	handled := s.drainOne()
	if !handled && len(s.pending) > 0 && len(s.locks) == 0 && !s.stopped {
		s.armForceRelease()
	}
}

func (s *Sequencer) drainOne() bool {
	if s.stopped || len(s.pending) == 0 {
		return false
	}
	s.purgeStale()
	for i, m := range s.pending {
		if s.isNextExpected(m.SequenceID()) {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.apply(m)
			return true
		}
	}
	return false
}

func (s *Sequencer) forceRelease() {
	s.force = nil
	if s.stopped {
		return
	}
	if len(s.locks) > 0 {
		// A lock that was never released is a defect in the collaborator
		// holding it, not a condition to wait out silently.
		s.log.Warn("delivery suspended past the budget, forcibly clearing locks",
			"lock_count", len(s.locks), "expected_id", s.expectedID(), "buffered", len(s.pending))
		forceReleaseTotal.WithLabelValues("stuck_lock").Inc()
		clear(s.locks)
	} else {
		s.log.Warn("gave up waiting for missing message",
			"expected_id", s.expectedID(), "buffered", len(s.pending))
		forceReleaseTotal.WithLabelValues("missing_message").Inc()
	}
	if !s.drainOne() && len(s.pending) > 0 {
		// The expected id was most likely lost in transit; restart from the
		// server's authoritative sequence.
		s.log.Warn("buffered messages cannot fill the gap, requesting resynchronization",
			"expected_id", s.expectedID(), "buffered", len(s.pending))
		s.pending = s.pending[:0]
		resyncTotal.Inc()
		s.out.Resynchronize()
	}
}

func (s *Sequencer) armForceRelease() {
	if s.force != nil {
		return
	}
	s.force = s.clock.AfterFunc(s.budget, s.forceRelease)
}

func (s *Sequencer) stopForceRelease() {
	if s.force == nil {
		return
	}
	s.force.Stop()
	s.force = nil
}

func (s *Sequencer) isNextExpected(id int) bool {
	if id == protocol.UndefinedSyncID {
		return true
	}
	if id == s.expectedID() {
		return true
	}
	// Bootstrap: before anything has been applied, any id is accepted.
	// Deliberately not generalized; accepting arbitrary ids later would
	// silently swallow stale replays.
	return s.lastSeenID == protocol.UndefinedSyncID
}

func (s *Sequencer) expectedID() int {
	return s.lastSeenID + 1
}

func (s *Sequencer) purgeStale() {
	kept := s.pending[:0]
	for _, m := range s.pending {
		if id := m.SequenceID(); id != protocol.UndefinedSyncID && id < s.expectedID() {
			s.log.Info("purging stale buffered message",
				"sync_id", id, "expected_id", s.expectedID())
			continue
		}
		kept = append(kept, m)
	}
	s.pending = kept
}
