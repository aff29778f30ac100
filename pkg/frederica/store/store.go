// Package store implements the durable SQLite-backed storage for finished
// conversations and past exchanges. It serves two consumers: the session
// registry archives expired conversations here, and the pipeline queries and
// appends exchange memory for model context.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/fredericabot/frederica/pkg/frederica/pipeline"
	"github.com/fredericabot/frederica/pkg/frederica/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at   TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	message_id      TEXT NOT NULL,
	content         TEXT NOT NULL,
	type            TEXT NOT NULL,
	received_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id);

CREATE TABLE IF NOT EXISTS exchanges (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	user_turn  TEXT NOT NULL,
	reply      TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_user ON exchanges(user_id, id);
`

// Store is the SQLite database handle. Safe for concurrent use; database/sql
// serializes access to the single connection.
type Store struct {
	db     *sql.DB
	cron   *cron.Cron
	logger *slog.Logger
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close stops the retention sweeper and closes the database.
func (s *Store) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	return s.db.Close()
}

// ---------- session.Archiver ----------

// ArchiveConversation persists one finished conversation snapshot.
func (s *Store) ArchiveConversation(snap session.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	conversationID := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO conversations (id, user_id, started_at, ended_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID,
		snap.UserID,
		snap.ConversationStartedAt.UTC().Format(time.RFC3339),
		snap.ConversationEndedAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, msg := range snap.Messages {
		_, err = tx.Exec(`
			INSERT INTO conversation_messages (conversation_id, message_id, content, type, received_at)
			VALUES (?, ?, ?, ?, ?)`,
			conversationID,
			msg.ID,
			msg.Content,
			string(msg.Type),
			msg.ReceivedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("insert conversation message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}

	s.logger.Debug("conversation archived",
		"user", snap.UserID,
		"messages", len(snap.Messages),
	)
	return nil
}

// ---------- pipeline.Memory ----------

// RecordExchange appends one user-turn/reply pair.
func (s *Store) RecordExchange(ctx context.Context, ex pipeline.Exchange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (user_id, user_turn, reply, created_at)
		VALUES (?, ?, ?, ?)`,
		ex.UserID,
		ex.UserTurn,
		ex.Reply,
		ex.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

// RecentExchanges returns up to limit most recent exchanges for the user,
// oldest first, ready to be replayed as conversation context.
func (s *Store) RecentExchanges(ctx context.Context, userID string, limit int) ([]pipeline.Exchange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_turn, reply, created_at
		FROM exchanges
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load exchanges: %w", err)
	}
	defer rows.Close()

	var newestFirst []pipeline.Exchange
	for rows.Next() {
		var (
			ex        pipeline.Exchange
			createdAt string
		)
		if err := rows.Scan(&ex.UserTurn, &ex.Reply, &createdAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.UserID = userID
		ex.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		newestFirst = append(newestFirst, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, nil
}

// searchWindow is how many recent exchanges SearchExchanges scores.
const searchWindow = 50

// minRelevance is the word-overlap score below which an exchange is not
// considered related to the query.
const minRelevance = 0.1

// SearchExchanges returns up to limit past exchanges most relevant to the
// query, scored by word overlap between the query and each stored
// user-turn/reply pair, best match first. Only the searchWindow most recent
// exchanges are considered.
func (s *Store) SearchExchanges(ctx context.Context, userID, query string, limit int) ([]pipeline.Exchange, error) {
	queryWords := searchWords(query)
	if len(queryWords) == 0 || limit <= 0 {
		return nil, nil
	}

	recent, err := s.RecentExchanges(ctx, userID, searchWindow)
	if err != nil {
		return nil, err
	}

	type scored struct {
		ex    pipeline.Exchange
		score float64
	}
	var hits []scored
	for _, ex := range recent {
		exWords := searchWords(ex.UserTurn + " " + ex.Reply)
		if len(exWords) == 0 {
			continue
		}
		overlap := 0
		for w := range queryWords {
			if exWords[w] {
				overlap++
			}
		}
		union := len(queryWords) + len(exWords) - overlap
		if score := float64(overlap) / float64(union); score > minRelevance {
			hits = append(hits, scored{ex, score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]pipeline.Exchange, len(hits))
	for i, h := range hits {
		out[i] = h.ex
	}
	return out, nil
}

func searchWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		words[w] = true
	}
	return words
}

// ---------- retention ----------

// StartRetention schedules a recurring sweep (cron expression or shorthand
// like "@daily") that deletes archived data older than maxAge. maxAge <= 0
// disables the sweep.
func (s *Store) StartRetention(schedule string, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		removed, err := s.pruneOlderThan(time.Now().Add(-maxAge))
		if err != nil {
			s.logger.Error("retention sweep failed", "error", err)
			return
		}
		if removed > 0 {
			s.logger.Info("retention sweep done", "rows_removed", removed)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("retention sweep scheduled", "schedule", schedule, "max_age", maxAge)
	return nil
}

// pruneOlderThan deletes conversations and exchanges created before cutoff.
func (s *Store) pruneOlderThan(cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339)
	var total int64

	res, err := s.db.Exec(`
		DELETE FROM conversation_messages
		WHERE conversation_id IN (SELECT id FROM conversations WHERE created_at < ?)`, ts)
	if err != nil {
		return total, fmt.Errorf("prune conversation messages: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.Exec(`DELETE FROM conversations WHERE created_at < ?`, ts)
	if err != nil {
		return total, fmt.Errorf("prune conversations: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.Exec(`DELETE FROM exchanges WHERE created_at < ?`, ts)
	if err != nil {
		return total, fmt.Errorf("prune exchanges: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}
