package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"deepresearch/internal/types"
)

func fastConfig() Config {
	return Config{
		MaxRetries:        2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MailboxSize:       8,
		DeadLetterTTL:     time.Hour,
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	b := New(fastConfig())
	b.Register("worker-1")

	env := validEnvelope()
	outcome, err := b.Send(context.Background(), env)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeDelivered)
	}

	got, err := b.Receive(context.Background(), "worker-1", time.Second)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if got.CorrelationID != env.CorrelationID {
		t.Errorf("received corr=%s, want %s", got.CorrelationID, env.CorrelationID)
	}
}

func TestSend_RejectsMalformed(t *testing.T) {
	b := New(fastConfig())
	b.Register("worker-1")

	env := validEnvelope()
	env.Priority = "asap"

	outcome, err := b.Send(context.Background(), env)
	if outcome != OutcomeRejected {
		t.Errorf("outcome = %s, want %s", outcome, OutcomeRejected)
	}
	var malformed *MalformedEnvelopeError
	if !errors.As(err, &malformed) {
		t.Errorf("error = %T, want *MalformedEnvelopeError", err)
	}
	if s := b.Stats(); s.Retried != 0 {
		t.Errorf("malformed envelope was retried %d times", s.Retried)
	}
}

func TestSend_ReceiverGoneNotRetried(t *testing.T) {
	b := New(fastConfig())
	b.Register("worker-1")
	b.Unregister("worker-1")

	outcome, err := b.Send(context.Background(), validEnvelope())
	if outcome != OutcomeRejected {
		t.Errorf("outcome = %s, want %s", outcome, OutcomeRejected)
	}
	var gone *ReceiverGoneError
	if !errors.As(err, &gone) {
		t.Fatalf("error = %T, want *ReceiverGoneError", err)
	}
	if gone.ReceiverID != "worker-1" {
		t.Errorf("ReceiverID = %s, want worker-1", gone.ReceiverID)
	}
	if s := b.Stats(); s.Retried != 0 {
		t.Errorf("departed receiver triggered %d retries", s.Retried)
	}
}

func TestSend_TransientRetriesThenDeadLetters(t *testing.T) {
	b := New(fastConfig())
	// Never registered: every attempt is a transient failure.

	env := validEnvelope()
	outcome, err := b.Send(context.Background(), env)
	if outcome != OutcomeDeadLettered {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeDeadLettered)
	}
	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %T, want *RetriesExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3 (initial + 2 retries)", exhausted.Attempts)
	}

	entry, ok := b.DeadLetterEntry(env.CorrelationID)
	if !ok {
		t.Fatal("dead-letter store missing the exhausted envelope")
	}
	if entry.Envelope.CorrelationID != env.CorrelationID {
		t.Errorf("stored corr=%s, want %s", entry.Envelope.CorrelationID, env.CorrelationID)
	}

	s := b.Stats()
	if s.Retried != 2 {
		t.Errorf("Retried = %d, want 2", s.Retried)
	}
	if s.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", s.DeadLettered)
	}
}

func TestSend_DeduplicatesByIdentity(t *testing.T) {
	b := New(fastConfig())
	b.Register("worker-1")

	env := validEnvelope()
	if outcome, _ := b.Send(context.Background(), env); outcome != OutcomeDelivered {
		t.Fatalf("first send outcome = %s", outcome)
	}
	outcome, err := b.Send(context.Background(), env)
	if err != nil {
		t.Fatalf("duplicate send errored: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("outcome = %s, want %s", outcome, OutcomeDuplicate)
	}

	// A different type with the same correlation id is a distinct identity.
	reply := env
	reply.Type = TypeTaskResult
	if outcome, _ := b.Send(context.Background(), reply); outcome != OutcomeDelivered {
		t.Errorf("distinct identity outcome = %s, want %s", outcome, OutcomeDelivered)
	}

	if s := b.Stats(); s.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", s.Duplicates)
	}
}

func TestReceive_PriorityOrdering(t *testing.T) {
	b := New(fastConfig())
	b.Register("worker-1")
	ctx := context.Background()

	order := []types.Priority{
		types.PriorityLow, types.PriorityUrgent, types.PriorityNormal, types.PriorityHigh,
	}
	for i, p := range order {
		env := NewEnvelope("executor", "worker-1", TypeTaskAssignment,
			map[string]interface{}{}, "sess-1", fmt.Sprintf("corr-%d", i), p)
		if _, err := b.Send(ctx, env); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	var got []types.Priority
	for range order {
		env, err := b.Receive(ctx, "worker-1", time.Second)
		if err != nil {
			t.Fatalf("receive failed: %v", err)
		}
		got = append(got, env.Priority)
	}

	want := []types.Priority{
		types.PriorityUrgent, types.PriorityHigh, types.PriorityNormal, types.PriorityLow,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", got, want)
		}
	}
}

func TestReceive_TimeoutIsTyped(t *testing.T) {
	b := New(fastConfig())
	b.Register("worker-1")

	start := time.Now()
	_, err := b.Receive(context.Background(), "worker-1", 20*time.Millisecond)
	if !errors.Is(err, ErrReceiveTimeout) {
		t.Fatalf("error = %v, want ErrReceiveTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v, should be near 20ms", elapsed)
	}
}

func TestReceive_ContextCancellation(t *testing.T) {
	b := New(fastConfig())
	b.Register("worker-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.Receive(ctx, "worker-1", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestCancelSession_DropsSends(t *testing.T) {
	b := New(fastConfig())
	b.Register("worker-1")
	b.CancelSession("sess-1")

	outcome, err := b.Send(context.Background(), validEnvelope())
	if err != nil {
		t.Fatalf("cancelled send errored: %v", err)
	}
	if outcome != OutcomeDropped {
		t.Errorf("outcome = %s, want %s", outcome, OutcomeDropped)
	}

	// Other sessions are unaffected.
	other := validEnvelope()
	other.SessionID = "sess-2"
	if outcome, _ := b.Send(context.Background(), other); outcome != OutcomeDelivered {
		t.Errorf("unrelated session outcome = %s, want %s", outcome, OutcomeDelivered)
	}
}

func TestPurgeSession_ClearsDeadLettersAndCancellation(t *testing.T) {
	b := New(fastConfig())
	env := validEnvelope()
	b.DeadLetter(env, "worker exhausted")
	b.CancelSession("sess-1")

	if n := b.PurgeSession("sess-1"); n != 1 {
		t.Errorf("purged %d dead letters, want 1", n)
	}
	if _, ok := b.DeadLetterEntry(env.CorrelationID); ok {
		t.Error("dead letter survived session purge")
	}

	// Cancellation flag cleared: sends flow again.
	b.Register("worker-1")
	env2 := NewEnvelope("executor", "worker-1", TypeTaskAssignment,
		map[string]interface{}{}, "sess-1", "corr-fresh", types.PriorityNormal)
	if outcome, _ := b.Send(context.Background(), env2); outcome != OutcomeDelivered {
		t.Errorf("post-purge outcome = %s, want %s", outcome, OutcomeDelivered)
	}
}

func TestPurgeSession_ClearsDedupKeys(t *testing.T) {
	b := New(fastConfig())
	b.Register("worker-1")

	env := validEnvelope()
	if outcome, _ := b.Send(context.Background(), env); outcome != OutcomeDelivered {
		t.Fatalf("first send outcome = %s", outcome)
	}
	if outcome, _ := b.Send(context.Background(), env); outcome != OutcomeDuplicate {
		t.Fatalf("resend outcome = %s, want %s", outcome, OutcomeDuplicate)
	}

	// Purging the session retires its dedup keys with it, so a long-lived
	// bus holds no per-envelope state for finished sessions.
	b.PurgeSession(env.SessionID)
	if outcome, _ := b.Send(context.Background(), env); outcome != OutcomeDelivered {
		t.Errorf("post-purge resend outcome = %s, want %s", outcome, OutcomeDelivered)
	}

	// Other sessions keep theirs.
	other := validEnvelope()
	other.SessionID = "sess-2"
	other.CorrelationID = "corr-other"
	if outcome, _ := b.Send(context.Background(), other); outcome != OutcomeDelivered {
		t.Fatalf("other session send outcome = %s", outcome)
	}
	b.PurgeSession(env.SessionID)
	if outcome, _ := b.Send(context.Background(), other); outcome != OutcomeDuplicate {
		t.Errorf("unrelated session lost its dedup state: outcome = %s, want %s",
			outcome, OutcomeDuplicate)
	}
}

func TestDeadLetterTTLExpiry(t *testing.T) {
	b := New(fastConfig())

	current := time.Now()
	b.deadLetters.now = func() time.Time { return current }

	env := validEnvelope()
	b.DeadLetter(env, "test entry")

	if _, ok := b.DeadLetterEntry(env.CorrelationID); !ok {
		t.Fatal("fresh entry should be retrievable")
	}

	current = current.Add(time.Hour + time.Minute)
	if _, ok := b.DeadLetterEntry(env.CorrelationID); ok {
		t.Error("entry readable past its TTL")
	}

	b.DeadLetter(env, "second entry")
	current = current.Add(2 * time.Hour)
	if n := b.PurgeExpiredDeadLetters(); n != 1 {
		t.Errorf("purged %d entries, want 1", n)
	}
	if got := b.DeadLetters(); len(got) != 0 {
		t.Errorf("snapshot has %d entries after purge, want 0", len(got))
	}
}

func TestRegister_Idempotent(t *testing.T) {
	b := New(fastConfig())
	b.Register("worker-1")

	if _, err := b.Send(context.Background(), validEnvelope()); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// Re-registering must not wipe the pending mailbox.
	b.Register("worker-1")
	if _, err := b.Receive(context.Background(), "worker-1", time.Second); err != nil {
		t.Fatalf("envelope lost across re-register: %v", err)
	}

	// Register after Unregister revives the receiver.
	b.Unregister("worker-1")
	b.Register("worker-1")
	env := NewEnvelope("executor", "worker-1", TypeTaskAssignment,
		map[string]interface{}{}, "sess-1", "corr-revived", types.PriorityNormal)
	if outcome, _ := b.Send(context.Background(), env); outcome != OutcomeDelivered {
		t.Errorf("revived receiver outcome = %s, want %s", outcome, OutcomeDelivered)
	}
}

func TestObserverSeesDeliveryEvents(t *testing.T) {
	var kinds []string
	b := New(fastConfig(), WithObserver(func(ev DeliveryEvent) {
		kinds = append(kinds, ev.Kind)
	}))
	b.Register("worker-1")

	if _, err := b.Send(context.Background(), validEnvelope()); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	want := []string{"attempt", "delivered"}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}

func TestMailboxFull_IsTransient(t *testing.T) {
	cfg := fastConfig()
	cfg.MailboxSize = 1
	b := New(cfg)
	b.Register("worker-1")
	ctx := context.Background()

	first := validEnvelope()
	if outcome, _ := b.Send(ctx, first); outcome != OutcomeDelivered {
		t.Fatalf("first send not delivered")
	}

	second := NewEnvelope("executor", "worker-1", TypeTaskAssignment,
		map[string]interface{}{}, "sess-1", "corr-2", types.PriorityNormal)

	// Drain the mailbox while the second send is backing off.
	go func() {
		time.Sleep(time.Millisecond)
		b.Receive(ctx, "worker-1", time.Second)
	}()

	outcome, err := b.Send(ctx, second)
	if err != nil {
		t.Fatalf("send failed after mailbox drained: %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Errorf("outcome = %s, want %s", outcome, OutcomeDelivered)
	}
	if s := b.Stats(); s.Retried == 0 {
		t.Error("expected at least one retry while the mailbox was full")
	}
}
