// Package session implements the per-user message batching core: each user
// gets a Session that accumulates rapid-fire messages into a queue, and the
// Registry decides when a quiet period has elapsed and the queue is ready to
// be handed off as a single batch.
package session

import "time"

// MessageType identifies the kind of inbound message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVoice MessageType = "voice"
	MessageVideo MessageType = "video"
	MessageFile  MessageType = "file"
)

// Message is one inbound unit of user content. Immutable once created;
// owned by the session queue until extracted into a batch.
type Message struct {
	// ID is the vendor-assigned message ID, or a synthesized UUID when the
	// vendor did not provide one.
	ID string

	// UserID is the sender identifier on the platform.
	UserID string

	// Content is the text content (or a bracketed placeholder for media).
	Content string

	// Type is the message content type. Only text carries real content.
	Type MessageType

	// ReceivedAt is when the message arrived at the gateway.
	ReceivedAt time.Time
}

// Snapshot is the durable form of a finished conversation, handed to the
// Archiver when a session expires or the process shuts down.
type Snapshot struct {
	UserID                string
	Messages              []Message
	ConversationStartedAt time.Time
	ConversationEndedAt   time.Time
}

// Archiver persists expired-conversation snapshots. Archiving is best-effort:
// the registry removes a session even if the archiver fails.
type Archiver interface {
	ArchiveConversation(snap Snapshot) error
}
