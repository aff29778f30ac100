package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fredericabot/frederica/pkg/frederica/session"
)

// fakeProcessor records Process calls and returns a scripted outcome.
type fakeProcessor struct {
	mu      sync.Mutex
	calls   []processCall
	err     error
	panicOn bool
}

type processCall struct {
	userID string
	batch  []session.Message
}

func (p *fakeProcessor) Process(_ context.Context, userID string, batch []session.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, processCall{userID: userID, batch: batch})
	if p.panicOn {
		panic("boom")
	}
	return p.err
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	return session.NewRegistry(session.Config{
		MaxSessions:         10,
		BatchTimeout:        50 * time.Millisecond,
		ConversationTimeout: time.Hour,
	}, nil, nil)
}

func quietMessage(content string) session.Message {
	return session.Message{
		Content:    content,
		Type:       session.MessageText,
		ReceivedAt: time.Now().Add(-time.Second),
	}
}

func TestTickProcessesReadySession(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	proc := &fakeProcessor{}
	d := New(reg, proc, time.Millisecond, nil)

	if err := reg.SubmitInbound("u1", quietMessage("hi")); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}
	if err := reg.SubmitInbound("u1", quietMessage("there")); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}

	d.tick(context.Background())
	d.wg.Wait()

	if got := proc.callCount(); got != 1 {
		t.Fatalf("processor called %d times, want 1", got)
	}
	if len(proc.calls[0].batch) != 2 {
		t.Errorf("batch size = %d, want 2", len(proc.calls[0].batch))
	}

	// Success cleared the queue: a second tick finds nothing.
	d.tick(context.Background())
	d.wg.Wait()
	if got := proc.callCount(); got != 1 {
		t.Errorf("processor called %d times after second tick, want still 1", got)
	}
}

func TestTickRetainsBatchOnFailure(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	proc := &fakeProcessor{err: errors.New("model unavailable")}
	d := New(reg, proc, time.Millisecond, nil)

	if err := reg.SubmitInbound("u1", quietMessage("hi")); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}

	d.tick(context.Background())
	d.wg.Wait()

	// The quiet period is still elapsed and the queue was retained, so the
	// next pass retries the same batch.
	d.tick(context.Background())
	d.wg.Wait()

	if got := proc.callCount(); got != 2 {
		t.Fatalf("processor called %d times, want 2 (at-least-once retry)", got)
	}
	if len(proc.calls[1].batch) != 1 || proc.calls[1].batch[0].Content != "hi" {
		t.Errorf("retried batch = %v, want the original message", proc.calls[1].batch)
	}
}

func TestTickRecoversProcessorPanic(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	proc := &fakeProcessor{panicOn: true}
	d := New(reg, proc, time.Millisecond, nil)

	if err := reg.SubmitInbound("u1", quietMessage("hi")); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}

	d.tick(context.Background())
	d.wg.Wait()

	// The panic was treated as a failure: queue retained, session released.
	if batch := reg.Extract("u1"); len(batch) != 1 {
		t.Errorf("Extract() after panic = %d messages, want 1 (queue retained)", len(batch))
	}
}

func TestTickIsolatesUsers(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	proc := &perUserProcessor{failUser: "bad"}
	d := New(reg, proc, time.Millisecond, nil)

	if err := reg.SubmitInbound("bad", quietMessage("x")); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}
	if err := reg.SubmitInbound("good", quietMessage("y")); err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}

	d.tick(context.Background())
	d.wg.Wait()

	// good's queue cleared, bad's retained.
	if batch := reg.Extract("good"); batch != nil {
		t.Errorf("good user's queue not cleared: %v", batch)
	}
	if batch := reg.Extract("bad"); len(batch) != 1 {
		t.Errorf("bad user's queue = %d messages, want 1 retained", len(batch))
	}
}

type perUserProcessor struct {
	failUser string
}

func (p *perUserProcessor) Process(_ context.Context, userID string, _ []session.Message) error {
	if userID == p.failUser {
		return errors.New("scripted failure")
	}
	return nil
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	d := New(reg, &fakeProcessor{}, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestSuperviseRestartsCrashedWorker(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := Supervise(ctx, "test", time.Millisecond, nil, func(context.Context) error {
		if runs.Add(1) >= 3 {
			cancel()
			return ctx.Err()
		}
		panic("crash")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervised worker did not stop")
	}

	if got := runs.Load(); got != 3 {
		t.Errorf("worker ran %d times, want 3 (two restarts)", got)
	}
}

func TestShouldRestart(t *testing.T) {
	t.Parallel()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"panic error, live context", context.Background(), errors.New("worker panic: x"), true},
		{"clean exit, live context", context.Background(), nil, true},
		{"cancelled context", cancelled, context.Canceled, false},
		{"context error, live context", context.Background(), context.Canceled, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shouldRestart(tt.ctx, tt.err); got != tt.want {
				t.Errorf("shouldRestart() = %v, want %v", got, tt.want)
			}
		})
	}
}
