package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrCapacityExceeded is returned when a new session cannot be created
// because the registry is full. The transport should answer the vendor with
// a transient-failure signal; the registry never retries internally.
var ErrCapacityExceeded = errors.New("session registry at capacity")

// Config holds the timing and capacity knobs for the registry.
type Config struct {
	// MaxSessions bounds the number of concurrent user sessions.
	MaxSessions int

	// BatchTimeout is the quiet period after a user's last message before
	// the queued messages are batched.
	BatchTimeout time.Duration

	// ConversationTimeout is the inactivity period after which a
	// conversation is declared over and the session is reaped.
	ConversationTimeout time.Duration
}

// Registry owns all user sessions. A single mutex covers the session map and
// every per-session mutation so the state machine stays linearizable across
// concurrent transport handlers and the dispatcher loop.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg      Config
	archiver Archiver
	logger   *slog.Logger
}

// Stats is a read-only snapshot of registry state for health reporting.
type Stats struct {
	TotalSessions       int `json:"total_sessions"`
	ActiveSessions      int `json:"active_sessions"`
	QueuedMessages      int `json:"queued_messages"`
	SessionsWithPending int `json:"sessions_with_pending"`
}

// NewRegistry creates a session registry. The archiver may be nil, in which
// case expired conversations are dropped instead of persisted.
func NewRegistry(cfg Config, archiver Archiver, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		archiver: archiver,
		logger:   logger.With("component", "registry"),
	}
}

// SubmitInbound resolves the user's session and enqueues the message, all
// under the registry lock. It never blocks on I/O, so the transport's
// request/response cycle is never at the mercy of model latency. Returns
// ErrCapacityExceeded when a new session would exceed MaxSessions.
func (r *Registry) SubmitInbound(userID string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	msg.UserID = userID

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.getOrCreateLocked(userID)
	if err != nil {
		return err
	}
	sess.enqueue(msg)

	r.logger.Debug("message enqueued",
		"user", userID,
		"type", string(msg.Type),
		"queue_len", len(sess.queue),
	)
	return nil
}

// getOrCreateLocked returns the live session for userID, creating one when
// absent. An existing session whose conversation has expired is archived and
// replaced with a fresh session: expiry always flushes, the old queue is
// never merged forward. Caller must hold r.mu.
func (r *Registry) getOrCreateLocked(userID string) (*Session, error) {
	if sess, ok := r.sessions[userID]; ok {
		if !sess.expired(r.cfg.ConversationTimeout) {
			return sess, nil
		}
		sess.end()
		r.archiveLocked(sess)
		fresh := newSession(userID)
		r.sessions[userID] = fresh
		r.logger.Info("conversation expired, starting fresh session", "user", userID)
		return fresh, nil
	}

	if len(r.sessions) >= r.cfg.MaxSessions {
		r.logger.Warn("session capacity reached, rejecting new user",
			"user", userID,
			"max_sessions", r.cfg.MaxSessions,
		)
		return nil, ErrCapacityExceeded
	}

	sess := newSession(userID)
	r.sessions[userID] = sess
	r.logger.Info("session created", "user", userID)
	return sess, nil
}

// ReadyForBatch returns the users whose quiet period has elapsed and whose
// sessions are not already processing. Order is unspecified.
func (r *Registry) ReadyForBatch() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []string
	for userID, sess := range r.sessions {
		if sess.shouldBatch(r.cfg.BatchTimeout) {
			ready = append(ready, userID)
		}
	}
	return ready
}

// Extract returns a copy of the user's queued messages and marks the session
// as processing. Returns nil when the user has no session, the queue is
// empty, or a previous batch is still in flight.
func (r *Registry) Extract(userID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	return sess.extractBatch()
}

// Complete reports the outcome of an extracted batch. On success the queue is
// cleared; on failure it is retained for the next pass. A missing session is
// tolerated: it may have expired and been reaped while the batch was in
// flight.
func (r *Registry) Complete(userID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[userID]
	if !ok {
		return
	}
	sess.complete(success)
	if !success {
		r.logger.Warn("batch processing failed, queue retained", "user", userID)
	}
}

// ReapExpired removes every session whose conversation has expired, archiving
// each one first. Removal proceeds even when archiving fails (logged only).
// Returns the removed user IDs.
func (r *Registry) ReapExpired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []string
	for userID, sess := range r.sessions {
		if !sess.expired(r.cfg.ConversationTimeout) {
			continue
		}
		sess.end()
		r.archiveLocked(sess)
		delete(r.sessions, userID)
		reaped = append(reaped, userID)
		r.logger.Info("expired session reaped", "user", userID)
	}
	return reaped
}

// ArchiveAll archives every session that has seen activity. Called on
// shutdown so in-flight conversations survive a restart as durable snapshots.
func (r *Registry) ArchiveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	archived := 0
	for _, sess := range r.sessions {
		if len(sess.queue) == 0 && sess.conversationStartedAt.IsZero() {
			continue
		}
		r.archiveLocked(sess)
		archived++
	}
	r.logger.Info("sessions archived on shutdown", "count", archived)
}

// archiveLocked sends the session snapshot to the archiver. Best-effort: a
// persistence failure must never block live traffic. Caller must hold r.mu;
// the archiver is expected to be local-disk fast, not network-bound.
func (r *Registry) archiveLocked(sess *Session) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.ArchiveConversation(sess.snapshot()); err != nil {
		r.logger.Error("failed to archive conversation", "user", sess.userID, "error", err)
	}
}

// Stats returns a snapshot of registry state.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{TotalSessions: len(r.sessions)}
	for _, sess := range r.sessions {
		st.QueuedMessages += len(sess.queue)
		if len(sess.queue) > 0 {
			st.SessionsWithPending++
		}
		if !sess.expired(r.cfg.ConversationTimeout) {
			st.ActiveSessions++
		}
	}
	return st
}
