// Package pipeline turns an extracted message batch into one model-facing
// turn and routes the segmented reply back to the user.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fredericabot/frederica/pkg/frederica/session"
)

// SegmentMarker both joins queued messages into one turn and splits the
// model's reply into independently deliverable pieces. The model is prompted
// to emit the same marker.
const SegmentMarker = "<SEGMENTATION>"

// SilentReply is the reserved sentinel a model returns to mean "send nothing
// back this turn". It is a valid, successful outcome.
const SilentReply = "[SILENT]"

// DefaultSegmentDelay is the pause between delivered segments, preserving
// perceived ordering at the receiving client.
const DefaultSegmentDelay = 500 * time.Millisecond

// Exchange is one past user-turn/reply pair, kept in the durable memory
// store and fed back to the model as context.
type Exchange struct {
	UserID    string
	UserTurn  string
	Reply     string
	CreatedAt time.Time
}

// Model generates a reply for one merged turn. Implementations own their own
// call-level timeout so a stuck backend cannot hold the dispatcher forever.
type Model interface {
	Generate(ctx context.Context, userID, turnText string, history []Exchange) (string, error)
}

// Deliverer sends one reply segment to the user.
type Deliverer interface {
	DeliverSegment(ctx context.Context, userID, text string) error
}

// Memory is the durable store of past exchanges, queried for context and
// appended to after each successful turn. Both directions are best-effort.
type Memory interface {
	RecentExchanges(ctx context.Context, userID string, limit int) ([]Exchange, error)
	SearchExchanges(ctx context.Context, userID, query string, limit int) ([]Exchange, error)
	RecordExchange(ctx context.Context, ex Exchange) error
}

// Config holds pipeline tuning.
type Config struct {
	// SegmentDelay is the pause between delivered segments.
	SegmentDelay time.Duration

	// HistoryLimit is how many past exchanges to feed the model.
	HistoryLimit int

	// RecallLimit is how many older exchanges relevant to the current turn
	// to pull in on top of the recent history.
	RecallLimit int
}

// Pipeline merges a batch, calls the model, and delivers the segmented
// reply. It implements dispatch.Processor.
type Pipeline struct {
	model     Model
	deliverer Deliverer
	memory    Memory
	cfg       Config
	logger    *slog.Logger
}

// New creates a pipeline. memory may be nil to disable context recall.
func New(model Model, deliverer Deliverer, memory Memory, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.SegmentDelay <= 0 {
		cfg.SegmentDelay = DefaultSegmentDelay
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.RecallLimit <= 0 {
		cfg.RecallLimit = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		model:     model,
		deliverer: deliverer,
		memory:    memory,
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
	}
}

// Process handles one user's batch end to end. A nil return clears the
// user's queue; any error retains it for an at-least-once retry.
func (p *Pipeline) Process(ctx context.Context, userID string, batch []session.Message) error {
	turnText := MergeBatch(batch)

	var history []Exchange
	if p.memory != nil {
		var err error
		history, err = p.memory.RecentExchanges(ctx, userID, p.cfg.HistoryLimit)
		if err != nil {
			// Context recall is an enrichment, not a prerequisite.
			p.logger.Warn("failed to load exchange history", "user", userID, "error", err)
		}
		history = p.blendRelevant(ctx, userID, turnText, history)
	}

	reply, err := p.model.Generate(ctx, userID, turnText, history)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}

	if strings.TrimSpace(reply) == SilentReply {
		p.logger.Info("model chose to stay silent", "user", userID)
		return nil
	}

	segments := SplitSegments(reply)
	if len(segments) == 0 {
		p.logger.Warn("model reply was empty, nothing to deliver", "user", userID)
		return nil
	}

	delivered, err := p.deliver(ctx, userID, segments)
	if delivered == 0 {
		return fmt.Errorf("deliver reply: all %d segments failed: %w", len(segments), err)
	}
	if err != nil {
		// Partial delivery counts as success for session-clearing purposes;
		// redelivering the whole turn would duplicate what already arrived.
		p.logger.Error("partial delivery",
			"user", userID,
			"delivered", delivered,
			"total", len(segments),
			"error", err,
		)
	}

	p.record(ctx, userID, turnText, reply)
	return nil
}

// blendRelevant searches memory for older exchanges related to the current
// turn and prepends them to the recent history, oldest first, skipping any
// already present. Search failures leave the history unchanged.
func (p *Pipeline) blendRelevant(ctx context.Context, userID, turnText string, history []Exchange) []Exchange {
	relevant, err := p.memory.SearchExchanges(ctx, userID, turnText, p.cfg.RecallLimit)
	if err != nil {
		p.logger.Warn("failed to search exchange memory", "user", userID, "error", err)
		return history
	}
	if len(relevant) == 0 {
		return history
	}

	seen := make(map[string]bool, len(history))
	for _, ex := range history {
		seen[ex.UserTurn+"\x00"+ex.Reply] = true
	}

	var recalled []Exchange
	for _, ex := range relevant {
		if key := ex.UserTurn + "\x00" + ex.Reply; !seen[key] {
			seen[key] = true
			recalled = append(recalled, ex)
		}
	}
	if len(recalled) == 0 {
		return history
	}
	sort.Slice(recalled, func(i, j int) bool { return recalled[i].CreatedAt.Before(recalled[j].CreatedAt) })
	return append(recalled, history...)
}

// deliver sends the segments in order with a short pause between them and
// returns how many were delivered. The last delivery error is returned for
// logging.
func (p *Pipeline) deliver(ctx context.Context, userID string, segments []string) (int, error) {
	var (
		delivered int
		lastErr   error
	)
	for i, seg := range segments {
		if i > 0 {
			select {
			case <-ctx.Done():
				return delivered, ctx.Err()
			case <-time.After(p.cfg.SegmentDelay):
			}
		}
		if err := p.deliverer.DeliverSegment(ctx, userID, seg); err != nil {
			p.logger.Error("segment delivery failed",
				"user", userID,
				"segment", i+1,
				"of", len(segments),
				"error", err,
			)
			lastErr = err
			continue
		}
		delivered++
	}
	return delivered, lastErr
}

// record appends the finished exchange to the memory store, best-effort.
func (p *Pipeline) record(ctx context.Context, userID, turnText, reply string) {
	if p.memory == nil {
		return
	}
	ex := Exchange{
		UserID:    userID,
		UserTurn:  turnText,
		Reply:     reply,
		CreatedAt: time.Now(),
	}
	if err := p.memory.RecordExchange(ctx, ex); err != nil {
		p.logger.Warn("failed to record exchange", "user", userID, "error", err)
	}
}

// MergeBatch concatenates the batch into one turn: each message prefixed by
// its local time of day, with the segmentation marker between consecutive
// messages (not after the last).
func MergeBatch(batch []session.Message) string {
	lines := make([]string, 0, len(batch)*2)
	for i, msg := range batch {
		lines = append(lines, fmt.Sprintf("[%s] %s", msg.ReceivedAt.Local().Format("15:04:05"), msg.Content))
		if i < len(batch)-1 {
			lines = append(lines, SegmentMarker)
		}
	}
	return strings.Join(lines, "\n")
}

// SplitSegments splits a model reply on the segmentation marker, trimming
// whitespace and dropping empty segments.
func SplitSegments(reply string) []string {
	parts := strings.Split(reply, SegmentMarker)
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	return segments
}
