package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fredericabot/frederica/pkg/frederica/session"
)

type fakeModel struct {
	reply   string
	err     error
	gotTurn string
	gotHist []Exchange
}

func (m *fakeModel) Generate(_ context.Context, _ string, turnText string, history []Exchange) (string, error) {
	m.gotTurn = turnText
	m.gotHist = history
	return m.reply, m.err
}

type fakeDeliverer struct {
	mu       sync.Mutex
	sent     []string
	failIdxs map[int]bool
	calls    int
}

func (d *fakeDeliverer) DeliverSegment(_ context.Context, _ string, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	d.calls++
	if d.failIdxs[idx] {
		return errors.New("send failed")
	}
	d.sent = append(d.sent, text)
	return nil
}

type fakeMemory struct {
	history   []Exchange
	relevant  []Exchange
	recorded  []Exchange
	gotQuery  string
	loadErr   error
	searchErr error
	saveErr   error
}

func (m *fakeMemory) RecentExchanges(context.Context, string, int) ([]Exchange, error) {
	return m.history, m.loadErr
}

func (m *fakeMemory) SearchExchanges(_ context.Context, _ string, query string, _ int) ([]Exchange, error) {
	m.gotQuery = query
	return m.relevant, m.searchErr
}

func (m *fakeMemory) RecordExchange(_ context.Context, ex Exchange) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.recorded = append(m.recorded, ex)
	return nil
}

func testPipeline(model Model, deliverer Deliverer, memory Memory) *Pipeline {
	return New(model, deliverer, memory, Config{SegmentDelay: time.Millisecond}, nil)
}

func batchOf(contents ...string) []session.Message {
	at := time.Date(2025, 3, 1, 14, 30, 0, 0, time.Local)
	batch := make([]session.Message, len(contents))
	for i, c := range contents {
		batch[i] = session.Message{
			ID:         c,
			UserID:     "u1",
			Content:    c,
			Type:       session.MessageText,
			ReceivedAt: at.Add(time.Duration(i) * time.Second),
		}
	}
	return batch
}

func TestMergeBatch(t *testing.T) {
	t.Parallel()

	t.Run("single message has no marker", func(t *testing.T) {
		t.Parallel()
		merged := MergeBatch(batchOf("hello"))
		if strings.Contains(merged, SegmentMarker) {
			t.Errorf("MergeBatch() = %q, want no segmentation marker", merged)
		}
		if !strings.HasPrefix(merged, "[14:30:00] ") {
			t.Errorf("MergeBatch() = %q, want time-of-day prefix", merged)
		}
	})

	t.Run("marker between messages only", func(t *testing.T) {
		t.Parallel()
		merged := MergeBatch(batchOf("one", "two", "three"))
		want := "[14:30:00] one\n" + SegmentMarker + "\n[14:30:01] two\n" + SegmentMarker + "\n[14:30:02] three"
		if merged != want {
			t.Errorf("MergeBatch() = %q, want %q", merged, want)
		}
	})
}

func TestSplitSegments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{"plain reply", "hello there", []string{"hello there"}},
		{"two segments", "first" + SegmentMarker + "second", []string{"first", "second"}},
		{"trims whitespace", "  first \n" + SegmentMarker + "\n second ", []string{"first", "second"}},
		{"drops empty segments", SegmentMarker + "only" + SegmentMarker + "  ", []string{"only"}},
		{"empty reply", "", nil},
		{"whitespace reply", "  \n ", nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SplitSegments(tt.reply)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitSegments() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("segment %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestProcessDeliversSegmentsInOrder(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: "first" + SegmentMarker + "second"}
	del := &fakeDeliverer{}
	mem := &fakeMemory{history: []Exchange{{UserTurn: "earlier", Reply: "hi"}}}
	p := testPipeline(model, del, mem)

	if err := p.Process(context.Background(), "u1", batchOf("hi", "there")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(del.sent) != 2 || del.sent[0] != "first" || del.sent[1] != "second" {
		t.Errorf("delivered = %v, want [first second]", del.sent)
	}
	if len(model.gotHist) != 1 {
		t.Errorf("model received %d history entries, want 1", len(model.gotHist))
	}
	if !strings.Contains(model.gotTurn, "hi") || !strings.Contains(model.gotTurn, "there") {
		t.Errorf("model turn = %q, want both messages merged", model.gotTurn)
	}
	if len(mem.recorded) != 1 {
		t.Fatalf("recorded %d exchanges, want 1", len(mem.recorded))
	}
	if mem.recorded[0].Reply != model.reply {
		t.Errorf("recorded reply = %q, want %q", mem.recorded[0].Reply, model.reply)
	}
}

func TestProcessSilentReplyIsSuccess(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: "  " + SilentReply + "\n"}
	del := &fakeDeliverer{}
	p := testPipeline(model, del, nil)

	if err := p.Process(context.Background(), "u1", batchOf("hi")); err != nil {
		t.Fatalf("Process() error = %v, want nil for silent reply", err)
	}
	if del.calls != 0 {
		t.Errorf("deliverer called %d times for silent reply, want 0", del.calls)
	}
}

func TestProcessEmptyReplyIsSuccess(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: "   "}
	del := &fakeDeliverer{}
	p := testPipeline(model, del, nil)

	if err := p.Process(context.Background(), "u1", batchOf("hi")); err != nil {
		t.Fatalf("Process() error = %v, want nil for empty reply", err)
	}
	if del.calls != 0 {
		t.Errorf("deliverer called %d times for empty reply, want 0", del.calls)
	}
}

func TestProcessModelErrorFails(t *testing.T) {
	t.Parallel()

	model := &fakeModel{err: errors.New("backend down")}
	p := testPipeline(model, &fakeDeliverer{}, nil)

	if err := p.Process(context.Background(), "u1", batchOf("hi")); err == nil {
		t.Fatal("Process() error = nil, want model error propagated")
	}
}

func TestProcessPartialDeliveryIsSuccess(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: "a" + SegmentMarker + "b" + SegmentMarker + "c"}
	del := &fakeDeliverer{failIdxs: map[int]bool{1: true}}
	mem := &fakeMemory{}
	p := testPipeline(model, del, mem)

	if err := p.Process(context.Background(), "u1", batchOf("hi")); err != nil {
		t.Fatalf("Process() error = %v, want nil for partial delivery", err)
	}
	if len(del.sent) != 2 {
		t.Errorf("delivered %d segments, want 2", len(del.sent))
	}
	if len(mem.recorded) != 1 {
		t.Errorf("recorded %d exchanges, want 1 (partial success still records)", len(mem.recorded))
	}
}

func TestProcessTotalDeliveryFailureFails(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: "a" + SegmentMarker + "b"}
	del := &fakeDeliverer{failIdxs: map[int]bool{0: true, 1: true}}
	mem := &fakeMemory{}
	p := testPipeline(model, del, mem)

	if err := p.Process(context.Background(), "u1", batchOf("hi")); err == nil {
		t.Fatal("Process() error = nil, want failure when zero segments delivered")
	}
	if len(mem.recorded) != 0 {
		t.Errorf("recorded %d exchanges after total failure, want 0", len(mem.recorded))
	}
}

func TestProcessMemoryFailuresAreNonFatal(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: "ok"}
	mem := &fakeMemory{
		loadErr:   errors.New("db locked"),
		searchErr: errors.New("db locked"),
		saveErr:   errors.New("db locked"),
	}
	p := testPipeline(model, &fakeDeliverer{}, mem)

	if err := p.Process(context.Background(), "u1", batchOf("hi")); err != nil {
		t.Fatalf("Process() error = %v, want nil despite memory failures", err)
	}
}

func TestProcessBlendsRelevantExchanges(t *testing.T) {
	t.Parallel()

	recent := Exchange{UserTurn: "recent turn", Reply: "recent reply", CreatedAt: time.Now()}
	older := Exchange{UserTurn: "trip to Osaka", Reply: "booked", CreatedAt: time.Now().Add(-48 * time.Hour)}
	oldest := Exchange{UserTurn: "Osaka hotel ideas", Reply: "three options", CreatedAt: time.Now().Add(-72 * time.Hour)}

	model := &fakeModel{reply: "ok"}
	mem := &fakeMemory{
		history: []Exchange{recent},
		// Search returns best match first plus a duplicate of the recent
		// history entry, which must not appear twice.
		relevant: []Exchange{older, oldest, recent},
	}
	p := testPipeline(model, &fakeDeliverer{}, mem)

	if err := p.Process(context.Background(), "u1", batchOf("about Osaka")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if !strings.Contains(mem.gotQuery, "about Osaka") {
		t.Errorf("search query = %q, want it to carry the merged turn", mem.gotQuery)
	}

	got := model.gotHist
	if len(got) != 3 {
		t.Fatalf("model received %d history entries, want 3", len(got))
	}
	// Recalled exchanges come first in chronological order, then the
	// recent history.
	want := []string{oldest.UserTurn, older.UserTurn, recent.UserTurn}
	for i, turn := range want {
		if got[i].UserTurn != turn {
			t.Errorf("history[%d].UserTurn = %q, want %q", i, got[i].UserTurn, turn)
		}
	}
}
