package session

import "time"

// Session holds the pending-message queue and conversation timers for one
// user. It carries no lock of its own: every method is called with the
// Registry's lock held, which keeps enqueue, ready-check, extract and clear
// linearizable across the transport handlers and the dispatcher.
type Session struct {
	userID string

	// queue holds pending messages in arrival order.
	queue []Message

	// lastMessageAt is the timestamp of the most recent enqueue.
	lastMessageAt time.Time

	// processing is true while a batch extracted from this session is in
	// flight. No second batch may be extracted until complete() is called.
	processing bool

	conversationStartedAt time.Time
	conversationEndedAt   time.Time
}

func newSession(userID string) *Session {
	return &Session{userID: userID}
}

// enqueue appends a message and updates the conversation timers. A new
// message un-expires a session that had been marked ended but not yet reaped.
func (s *Session) enqueue(msg Message) {
	s.queue = append(s.queue, msg)
	s.lastMessageAt = msg.ReceivedAt

	if s.conversationStartedAt.IsZero() {
		s.conversationStartedAt = msg.ReceivedAt
	}
	s.conversationEndedAt = time.Time{}
}

// shouldBatch reports whether the queued messages are ready to be handed off:
// the queue is non-empty, no previous batch is still in flight, and the user
// has been quiet for at least batchTimeout.
func (s *Session) shouldBatch(batchTimeout time.Duration) bool {
	if len(s.queue) == 0 || s.processing {
		return false
	}
	if s.lastMessageAt.IsZero() {
		return false
	}
	return time.Since(s.lastMessageAt) >= batchTimeout
}

// expired reports whether the conversation is over: never started, already
// ended, or silent for at least conversationTimeout measured from the most
// recent activity.
func (s *Session) expired(conversationTimeout time.Duration) bool {
	if s.conversationStartedAt.IsZero() {
		return true
	}
	if !s.conversationEndedAt.IsZero() {
		return true
	}
	ref := s.lastMessageAt
	if ref.IsZero() {
		ref = s.conversationStartedAt
	}
	return time.Since(ref) >= conversationTimeout
}

// extractBatch returns a snapshot copy of the queue and marks the session as
// processing. The queue is NOT cleared here: clearing happens only when
// complete(true) confirms the downstream call succeeded, so a failed handoff
// can be retried without message loss. Returns nil while a previous batch is
// still in flight.
func (s *Session) extractBatch() []Message {
	if s.processing || len(s.queue) == 0 {
		return nil
	}
	s.processing = true
	batch := make([]Message, len(s.queue))
	copy(batch, s.queue)
	return batch
}

// complete ends the in-flight batch. On success the queue is cleared; on
// failure it is retained so the next scheduling pass retries the same batch.
// Safe to call when no batch is in flight.
func (s *Session) complete(success bool) {
	s.processing = false
	if success {
		s.queue = nil
	}
}

// end marks the conversation as finished.
func (s *Session) end() {
	if s.conversationEndedAt.IsZero() {
		s.conversationEndedAt = time.Now()
	}
}

func (s *Session) snapshot() Snapshot {
	msgs := make([]Message, len(s.queue))
	copy(msgs, s.queue)
	return Snapshot{
		UserID:                s.userID,
		Messages:              msgs,
		ConversationStartedAt: s.conversationStartedAt,
		ConversationEndedAt:   s.conversationEndedAt,
	}
}
