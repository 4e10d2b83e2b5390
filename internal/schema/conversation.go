package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// AttachmentType is the coarse kind of an attached file.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentDocument AttachmentType = "document"
)

// Valid reports whether t is a known attachment type.
func (t AttachmentType) Valid() bool {
	return t == AttachmentImage || t == AttachmentDocument
}

// Conversation is a titled, ordered thread of messages.
//
// Messages are kept in canonical order (see SortMessages); the order is
// derived and never stored.
type Conversation struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	Messages  []*Message `json:"messages,omitempty" yaml:"messages,omitempty"`
}

// Message is a single turn in a conversation.
type Message struct {
	ID             string        `json:"id" yaml:"id"`
	ConversationID string        `json:"conversation_id" yaml:"conversation_id"`
	Role           Role          `json:"role" yaml:"role"`
	Content        string        `json:"content" yaml:"content"`
	Timestamp      time.Time     `json:"timestamp" yaml:"timestamp"`
	Attachments    []*Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`

	// Remote marks messages synthesized from a remote row. It exists to
	// suppress client-only presentation effects and is never pushed.
	Remote bool `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// Attachment references a file on the local file system. Only metadata
// travels to the remote store.
type Attachment struct {
	ID       string         `json:"id" yaml:"id"`
	FileName string         `json:"file_name" yaml:"file_name"`
	FileType AttachmentType `json:"file_type" yaml:"file_type"`
	FilePath string         `json:"file_path" yaml:"file_path"`
}

// NewID returns a fresh lowercase UUID for a locally created entity.
func NewID() string {
	return uuid.NewString()
}

// NormalizeID parses id as a UUID and returns its canonical lowercase form.
func NormalizeID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("invalid id %q: %w", id, err)
	}
	return u.String(), nil
}

// NewConversation creates an empty conversation with a fresh id.
func NewConversation(title string) *Conversation {
	return &Conversation{
		ID:        NewID(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
}

// AddMessage appends a new message with a fresh id and keeps the
// conversation in canonical order.
func (c *Conversation) AddMessage(role Role, content string) *Message {
	m := &Message{
		ID:             NewID(),
		ConversationID: c.ID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now().UTC(),
	}
	c.Messages = append(c.Messages, m)
	SortMessages(c.Messages)
	return m
}

// Message returns the message with the given id, or nil.
func (c *Conversation) Message(id string) *Message {
	for _, m := range c.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Validate checks if the Conversation and its messages have valid field values.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	for _, m := range c.Messages {
		if m.ConversationID != c.ID {
			return fmt.Errorf("message %s belongs to conversation %s, not %s", m.ID, m.ConversationID, c.ID)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %s: %w", m.ID, err)
		}
	}
	return nil
}

// Validate checks if the Message has valid field values.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	for _, a := range m.Attachments {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("attachment %s: %w", a.ID, err)
		}
	}
	return nil
}

// Validate checks if the Attachment has valid field values.
func (a *Attachment) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.FileName == "" {
		return fmt.Errorf("file_name is required")
	}
	if !a.FileType.Valid() {
		return fmt.Errorf("invalid file_type %q", a.FileType)
	}
	return nil
}

// SortMessages orders messages by timestamp ascending, breaking ties by id.
// The order is total for distinct ids.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return MessageLess(msgs[i], msgs[j])
	})
}

// MessageLess reports whether a sorts before b in canonical order.
func MessageLess(a, b *Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
