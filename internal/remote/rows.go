package remote

import (
	"bytes"
	"encoding/json"
)

// Table names on the backend.
const (
	TableConversations = "conversations"
	TableMessages      = "messages"
)

// ConversationRow is the remote projection of a conversation.
type ConversationRow struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// MessageRow is the remote projection of a message.
type MessageRow struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Role           string        `json:"role"`
	Content        string        `json:"content"`
	Attachments    AttachmentSet `json:"attachments"`
	CreatedAt      string        `json:"created_at"`
}

// AttachmentDescriptor is the metadata of one attachment inside a
// message row. No file content is ever transferred.
type AttachmentDescriptor struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FilePath string `json:"filePath"`
	FileSize *int64 `json:"fileSize,omitempty"`
}

// AttachmentSet is the attachments column of a message row. The column is
// untyped JSON on the backend, so decoding is lenient: null, a non-array
// value and malformed entries all decode to nothing rather than failing
// the whole message list.
type AttachmentSet []AttachmentDescriptor

// UnmarshalJSON implements json.Unmarshaler.
func (s *AttachmentSet) UnmarshalJSON(data []byte) error {
	*s = nil
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	for _, r := range raw {
		var d AttachmentDescriptor
		if err := json.Unmarshal(r, &d); err != nil {
			continue
		}
		if d.ID == "" || d.FileName == "" || d.FileType == "" || d.FilePath == "" {
			continue
		}
		*s = append(*s, d)
	}
	return nil
}

// MarshalJSON always emits an array so the column is never null.
func (s AttachmentSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]AttachmentDescriptor(s))
}

// Snapshot is one remote conversation together with its messages, as
// consumed by the merge planner.
type Snapshot struct {
	Conversation ConversationRow
	Messages     []MessageRow
}
