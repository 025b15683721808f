package bus

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"deepresearch/internal/logging"
)

// DeliveryOutcome is the typed result of one Send.
type DeliveryOutcome string

const (
	OutcomeDelivered    DeliveryOutcome = "/delivered"
	OutcomeDuplicate    DeliveryOutcome = "/duplicate"     // dropped silently by dedup
	OutcomeDropped      DeliveryOutcome = "/dropped"       // session cancelled
	OutcomeRejected     DeliveryOutcome = "/rejected"      // malformed or receiver gone
	OutcomeDeadLettered DeliveryOutcome = "/dead_lettered" // retries exhausted
)

// DeliveryEvent is emitted for every attempt, retry, and dead-letter
// transition so delivery is auditable without the bus keeping business state.
type DeliveryEvent struct {
	Kind     string // attempt, delivered, retry, duplicate, dropped, rejected, dead_letter, anomaly
	Envelope Envelope
	Attempt  int
	Reason   string
	At       time.Time
}

// Config tunes delivery behavior.
type Config struct {
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MailboxSize       int
	DeadLetterTTL     time.Duration
}

// DefaultConfig returns sensible defaults for tests and standalone use.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BackoffBase:       100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MailboxSize:       64,
		DeadLetterTTL:     time.Hour,
	}
}

// Stats are cumulative delivery counters.
type Stats struct {
	Sent         uint64
	Delivered    uint64
	Retried      uint64
	Duplicates   uint64
	Dropped      uint64
	DeadLettered uint64
}

// Bus routes envelopes between named receivers over in-process mailboxes.
// It is shared by all sessions; per-session state (the cancellation set,
// dedup keys, and dead-letter entries, all tagged with the session id) is
// reclaimed by PurgeSession.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	gone      map[string]bool
	dedup     map[string]string // dedup key -> owning session id
	cancelled map[string]bool

	deadLetters *deadLetterStore
	cfg         Config
	observer    func(DeliveryEvent)

	sent         atomic.Uint64
	delivered    atomic.Uint64
	retried      atomic.Uint64
	duplicates   atomic.Uint64
	dropped      atomic.Uint64
	deadLettered atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithObserver installs an audit hook invoked synchronously for every
// delivery event. Keep it fast.
func WithObserver(fn func(DeliveryEvent)) Option {
	return func(b *Bus) { b.observer = fn }
}

// New creates a message bus.
func New(cfg Config, opts ...Option) *Bus {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultConfig().MailboxSize
	}
	if cfg.BackoffMultiplier < 1.0 {
		cfg.BackoffMultiplier = 1.0
	}
	if cfg.DeadLetterTTL <= 0 {
		cfg.DeadLetterTTL = DefaultConfig().DeadLetterTTL
	}
	b := &Bus{
		mailboxes:   make(map[string]*mailbox),
		gone:        make(map[string]bool),
		dedup:       make(map[string]string),
		cancelled:   make(map[string]bool),
		deadLetters: newDeadLetterStore(cfg.DeadLetterTTL),
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates (or revives) the mailbox for a receiver. Idempotent.
func (b *Bus) Register(receiverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.gone, receiverID)
	if _, ok := b.mailboxes[receiverID]; !ok {
		b.mailboxes[receiverID] = newMailbox(b.cfg.MailboxSize)
		logging.BusDebug("mailbox registered: %s", receiverID)
	}
}

// Unregister marks a receiver permanently gone. Pending envelopes are
// discarded; subsequent sends fail with ReceiverGoneError and are not
// retried.
func (b *Bus) Unregister(receiverID string) {
	b.mu.Lock()
	mb := b.mailboxes[receiverID]
	delete(b.mailboxes, receiverID)
	b.gone[receiverID] = true
	b.mu.Unlock()

	if mb != nil {
		if n := mb.drain(); n > 0 {
			logging.Bus("mailbox %s unregistered with %d undelivered envelopes", receiverID, n)
		}
	}
}

// CancelSession makes the bus drop (not retry) any further sends for the
// session. Cooperative cancellation: in-flight receives are unaffected.
func (b *Bus) CancelSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled[sessionID] = true
	logging.Bus("session %s cancelled: further sends dropped", sessionID)
}

// PurgeSession removes all per-session bus state: the cancellation flag,
// dedup keys, and dead-letter entries scoped to the session. Without this a
// long-lived bus would retain one dedup key per delivered envelope forever.
func (b *Bus) PurgeSession(sessionID string) int {
	b.mu.Lock()
	delete(b.cancelled, sessionID)
	for key, owner := range b.dedup {
		if owner == sessionID {
			delete(b.dedup, key)
		}
	}
	b.mu.Unlock()
	return b.deadLetters.purgeSession(sessionID)
}

// Send delivers an envelope with at-least-once semantics.
//
// Failure classification:
//   - malformed envelope: rejected immediately, never retried. The caller
//     regenerates it from the original subtask once; a second failure goes
//     to DeadLetter.
//   - receiver permanently gone: rejected immediately, no retry; the caller
//     reassigns the owning subtask.
//   - transient (mailbox full, receiver not yet registered): retried up to
//     MaxRetries with exponential backoff, then dead-lettered.
//
// Duplicate sends, keyed by (sender, correlation id, type), are dropped
// silently and logged as anomalies.
func (b *Bus) Send(ctx context.Context, env Envelope) (DeliveryOutcome, error) {
	b.sent.Add(1)

	if err := env.Validate(); err != nil {
		b.observe("rejected", env, 0, err.Error())
		logging.Bus("rejecting malformed envelope from %s: %v", env.SenderID, err)
		return OutcomeRejected, err
	}

	b.mu.RLock()
	cancelled := b.cancelled[env.SessionID]
	b.mu.RUnlock()
	if cancelled {
		b.dropped.Add(1)
		b.observe("dropped", env, 0, "session cancelled")
		return OutcomeDropped, nil
	}

	key := env.dedupKey()
	b.mu.Lock()
	if _, dup := b.dedup[key]; dup {
		b.mu.Unlock()
		b.duplicates.Add(1)
		b.observe("anomaly", env, 0, "duplicate delivery dropped")
		logging.BusDebug("duplicate envelope dropped: %s", key)
		return OutcomeDuplicate, nil
	}
	b.mu.Unlock()

	for attempt := 0; ; attempt++ {
		b.observe("attempt", env, attempt, "")

		b.mu.RLock()
		permanentlyGone := b.gone[env.ReceiverID]
		mb := b.mailboxes[env.ReceiverID]
		b.mu.RUnlock()

		if permanentlyGone {
			b.observe("rejected", env, attempt, "receiver gone")
			logging.Bus("send to departed receiver %s: subtask %s needs reassignment",
				env.ReceiverID, env.CorrelationID)
			return OutcomeRejected, &ReceiverGoneError{ReceiverID: env.ReceiverID}
		}

		if mb != nil && mb.push(env) {
			b.mu.Lock()
			b.dedup[key] = env.SessionID
			b.mu.Unlock()
			b.delivered.Add(1)
			b.observe("delivered", env, attempt, "")
			logging.BusDebug("delivered %s to %s (corr=%s, attempt=%d)",
				env.Type, env.ReceiverID, env.CorrelationID, attempt)
			return OutcomeDelivered, nil
		}

		// Transient: mailbox missing or full.
		if attempt >= b.cfg.MaxRetries {
			b.deadLettered.Add(1)
			b.deadLetters.add(env, "retries exhausted")
			b.observe("dead_letter", env, attempt, "retries exhausted")
			logging.Bus("dead-lettered %s for %s after %d attempts (corr=%s)",
				env.Type, env.ReceiverID, attempt+1, env.CorrelationID)
			return OutcomeDeadLettered, &RetriesExhaustedError{ReceiverID: env.ReceiverID, Attempts: attempt + 1}
		}

		b.retried.Add(1)
		b.observe("retry", env, attempt, "transient failure")
		delay := b.backoff(attempt)
		logging.BusDebug("transient failure to %s, retry %d in %v", env.ReceiverID, attempt+1, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return OutcomeRejected, ctx.Err()
		}
	}
}

// DeadLetter stores an envelope that the caller has given up on, e.g. a
// regenerated envelope that failed a second time.
func (b *Bus) DeadLetter(env Envelope, reason string) {
	b.deadLettered.Add(1)
	b.deadLetters.add(env, reason)
	b.observe("dead_letter", env, 0, reason)
	logging.Bus("dead-lettered envelope corr=%s: %s", env.CorrelationID, reason)
}

// DeadLetterEntry returns the stored entry for a correlation id, honoring
// TTL expiry.
func (b *Bus) DeadLetterEntry(correlationID string) (DeadLetterEntry, bool) {
	return b.deadLetters.get(correlationID)
}

// DeadLetters returns all unexpired entries.
func (b *Bus) DeadLetters() []DeadLetterEntry {
	return b.deadLetters.snapshot()
}

// PurgeExpiredDeadLetters removes entries past their TTL.
func (b *Bus) PurgeExpiredDeadLetters() int {
	return b.deadLetters.purgeExpired()
}

// Receive blocks until an envelope arrives for the receiver, the timeout
// elapses (ErrReceiveTimeout), or ctx is cancelled. The receiver must be
// registered.
func (b *Bus) Receive(ctx context.Context, receiverID string, timeout time.Duration) (Envelope, error) {
	b.mu.RLock()
	mb := b.mailboxes[receiverID]
	b.mu.RUnlock()
	if mb == nil {
		return Envelope{}, &ReceiverGoneError{ReceiverID: receiverID}
	}
	return mb.receive(ctx, timeout)
}

// Stats returns a snapshot of the delivery counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Sent:         b.sent.Load(),
		Delivered:    b.delivered.Load(),
		Retried:      b.retried.Load(),
		Duplicates:   b.duplicates.Load(),
		Dropped:      b.dropped.Load(),
		DeadLettered: b.deadLettered.Load(),
	}
}

func (b *Bus) backoff(attempt int) time.Duration {
	base := b.cfg.BackoffBase
	if base <= 0 {
		base = DefaultConfig().BackoffBase
	}
	d := time.Duration(float64(base) * math.Pow(b.cfg.BackoffMultiplier, float64(attempt)))
	const maxBackoff = 30 * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (b *Bus) observe(kind string, env Envelope, attempt int, reason string) {
	if b.observer == nil {
		return
	}
	b.observer(DeliveryEvent{
		Kind:     kind,
		Envelope: env,
		Attempt:  attempt,
		Reason:   reason,
		At:       time.Now(),
	})
}
