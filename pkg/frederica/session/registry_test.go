package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingArchiver captures snapshots for assertions.
type recordingArchiver struct {
	mu    sync.Mutex
	snaps []Snapshot
	err   error
}

func (a *recordingArchiver) ArchiveConversation(snap Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snaps = append(a.snaps, snap)
	return a.err
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.snaps)
}

func testConfig() Config {
	return Config{
		MaxSessions:         10,
		BatchTimeout:        100 * time.Millisecond,
		ConversationTimeout: time.Hour,
	}
}

func TestRegistryBatchLifecycle(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig(), nil, nil)

	// Two messages in quick succession, both older than the quiet period.
	if err := reg.SubmitInbound("u1", msgAt("m1", "hi", time.Now().Add(-3*time.Second))); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}
	if err := reg.SubmitInbound("u1", msgAt("m2", "there", time.Now().Add(-2*time.Second))); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}

	ready := reg.ReadyForBatch()
	if len(ready) != 1 || ready[0] != "u1" {
		t.Fatalf("ReadyForBatch() = %v, want [u1]", ready)
	}

	batch := reg.Extract("u1")
	if len(batch) != 2 {
		t.Fatalf("Extract() returned %d messages, want 2", len(batch))
	}
	if batch[0].Content != "hi" || batch[1].Content != "there" {
		t.Errorf("batch = [%q, %q], want arrival order [hi, there]",
			batch[0].Content, batch[1].Content)
	}

	// While the batch is in flight the session is neither ready nor
	// extractable a second time.
	if ready := reg.ReadyForBatch(); len(ready) != 0 {
		t.Errorf("ReadyForBatch() during processing = %v, want empty", ready)
	}
	if second := reg.Extract("u1"); second != nil {
		t.Errorf("second Extract() = %d messages, want nil", len(second))
	}

	// Failure retains the queue for the next pass.
	reg.Complete("u1", false)
	retry := reg.Extract("u1")
	if len(retry) != 2 {
		t.Fatalf("Extract() after failed complete returned %d messages, want 2", len(retry))
	}

	// Success clears it; a repeated success is a safe no-op.
	reg.Complete("u1", true)
	reg.Complete("u1", true)
	if batch := reg.Extract("u1"); batch != nil {
		t.Errorf("Extract() after success = %d messages, want nil", len(batch))
	}
	if ready := reg.ReadyForBatch(); len(ready) != 0 {
		t.Errorf("ReadyForBatch() after success = %v, want empty", ready)
	}
}

func TestRegistryBatchWaitsForQuietPeriod(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig(), nil, nil)
	if err := reg.SubmitInbound("u1", msgAt("m1", "hi", time.Now())); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}

	if ready := reg.ReadyForBatch(); len(ready) != 0 {
		t.Errorf("ReadyForBatch() before quiet period = %v, want empty", ready)
	}
}

func TestRegistryCapacityBound(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSessions = 1
	reg := NewRegistry(cfg, nil, nil)

	if err := reg.SubmitInbound("a", msgAt("m1", "hi", time.Now())); err != nil {
		t.Fatalf("SubmitInbound(a) error = %v", err)
	}
	err := reg.SubmitInbound("b", msgAt("m2", "hi", time.Now()))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("SubmitInbound(b) error = %v, want ErrCapacityExceeded", err)
	}

	// Existing sessions are unaffected by the bound.
	if err := reg.SubmitInbound("a", msgAt("m3", "again", time.Now())); err != nil {
		t.Errorf("SubmitInbound(a) second message error = %v", err)
	}
}

func TestRegistryReapFreesCapacity(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSessions = 1
	cfg.ConversationTimeout = time.Minute
	arch := &recordingArchiver{}
	reg := NewRegistry(cfg, arch, nil)

	if err := reg.SubmitInbound("a", msgAt("m1", "hi", time.Now().Add(-2*time.Minute))); err != nil {
		t.Fatalf("SubmitInbound(a) error = %v", err)
	}

	reaped := reg.ReapExpired()
	if len(reaped) != 1 || reaped[0] != "a" {
		t.Fatalf("ReapExpired() = %v, want [a]", reaped)
	}
	if arch.count() != 1 {
		t.Errorf("archiver received %d snapshots, want 1", arch.count())
	}

	// Exactly one more session fits now.
	if err := reg.SubmitInbound("b", msgAt("m2", "hi", time.Now())); err != nil {
		t.Errorf("SubmitInbound(b) after reap error = %v", err)
	}
	if err := reg.SubmitInbound("c", msgAt("m3", "hi", time.Now())); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("SubmitInbound(c) error = %v, want ErrCapacityExceeded", err)
	}
}

func TestRegistryExpiryStartsFreshSession(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ConversationTimeout = time.Minute
	arch := &recordingArchiver{}
	reg := NewRegistry(cfg, arch, nil)

	// Old conversation, silent past the conversation timeout.
	if err := reg.SubmitInbound("u1", msgAt("m1", "old", time.Now().Add(-2*time.Minute))); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}

	// A new message before the reap scan runs: the old conversation is
	// archived and a clean session takes over. Nothing is lost.
	if err := reg.SubmitInbound("u1", msgAt("m2", "new", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}

	if arch.count() != 1 {
		t.Fatalf("archiver received %d snapshots, want 1", arch.count())
	}
	snap := arch.snaps[0]
	if snap.UserID != "u1" || len(snap.Messages) != 1 || snap.Messages[0].Content != "old" {
		t.Errorf("archived snapshot = %+v, want the old conversation with [old]", snap)
	}
	if snap.ConversationEndedAt.IsZero() {
		t.Error("archived snapshot has zero ConversationEndedAt")
	}

	batch := reg.Extract("u1")
	if len(batch) != 1 || batch[0].Content != "new" {
		t.Errorf("fresh session batch = %v, want only the new message", batch)
	}
}

func TestRegistryCompleteAfterReapIsNoop(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ConversationTimeout = time.Minute
	reg := NewRegistry(cfg, nil, nil)

	if err := reg.SubmitInbound("u1", msgAt("m1", "hi", time.Now().Add(-2*time.Minute))); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}
	reg.ReapExpired()

	// Must not panic or recreate the session.
	reg.Complete("u1", true)
	if st := reg.Stats(); st.TotalSessions != 0 {
		t.Errorf("TotalSessions after reap+complete = %d, want 0", st.TotalSessions)
	}
}

func TestRegistryReapProceedsOnArchiveFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ConversationTimeout = time.Minute
	arch := &recordingArchiver{err: errors.New("disk full")}
	reg := NewRegistry(cfg, arch, nil)

	if err := reg.SubmitInbound("u1", msgAt("m1", "hi", time.Now().Add(-2*time.Minute))); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}

	reaped := reg.ReapExpired()
	if len(reaped) != 1 {
		t.Fatalf("ReapExpired() = %v, want one user despite archive failure", reaped)
	}
}

func TestRegistryStats(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ConversationTimeout = time.Minute
	reg := NewRegistry(cfg, nil, nil)

	// Active user with two pending messages.
	reg.SubmitInbound("a", msgAt("m1", "one", time.Now()))
	reg.SubmitInbound("a", msgAt("m2", "two", time.Now()))
	// Expired user with one pending message.
	reg.SubmitInbound("b", msgAt("m3", "stale", time.Now().Add(-2*time.Minute)))

	st := reg.Stats()
	if st.TotalSessions != 2 {
		t.Errorf("TotalSessions = %d, want 2", st.TotalSessions)
	}
	if st.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", st.ActiveSessions)
	}
	if st.QueuedMessages != 3 {
		t.Errorf("QueuedMessages = %d, want 3", st.QueuedMessages)
	}
	if st.SessionsWithPending != 2 {
		t.Errorf("SessionsWithPending = %d, want 2", st.SessionsWithPending)
	}
}

func TestRegistrySynthesizesMessageIDs(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testConfig(), nil, nil)
	if err := reg.SubmitInbound("u1", Message{Content: "hi", Type: MessageText, ReceivedAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}

	batch := reg.Extract("u1")
	if len(batch) != 1 {
		t.Fatalf("Extract() returned %d messages, want 1", len(batch))
	}
	if batch[0].ID == "" {
		t.Error("message ID was not synthesized")
	}
	if batch[0].UserID != "u1" {
		t.Errorf("message UserID = %q, want u1", batch[0].UserID)
	}
}

func TestRegistryConcurrentSubmit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSessions = 100
	reg := NewRegistry(cfg, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", n%5)
			for j := 0; j < 50; j++ {
				reg.SubmitInbound(userID, msgAt("", "msg", time.Now().Add(-time.Second)))
				reg.ReadyForBatch()
				if batch := reg.Extract(userID); batch != nil {
					reg.Complete(userID, true)
				}
			}
		}(i)
	}
	wg.Wait()

	st := reg.Stats()
	if st.TotalSessions != 5 {
		t.Errorf("TotalSessions = %d, want 5", st.TotalSessions)
	}
}
