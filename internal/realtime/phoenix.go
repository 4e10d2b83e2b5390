// Package realtime listens for row changes on the remote backend.
//
// The backend speaks the Phoenix channel protocol over a websocket. Each
// watched table gets its own channel; every postgres_changes frame on any
// channel is handed to the listener's callback. The callback is expected
// to treat a change as a hint and pull, since frames may be lost across
// reconnects.
package realtime

import (
	"encoding/json"
	"strings"
)

// Phoenix events used by the realtime protocol.
const (
	EventJoin            = "phx_join"
	EventLeave           = "phx_leave"
	EventReply           = "phx_reply"
	EventError           = "phx_error"
	EventClose           = "phx_close"
	EventHeartbeat       = "heartbeat"
	EventAccessToken     = "access_token"
	EventPostgresChanges = "postgres_changes"
	EventSystem          = "system"

	// TopicPhoenix carries connection-level heartbeats.
	TopicPhoenix = "phoenix"

	// ChangeAll subscribes to inserts, updates and deletes.
	ChangeAll = "*"

	topicPrefix   = "realtime:"
	channelPrefix = "rt-"
)

// Frame is one Phoenix message.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// ChangeFilter selects the row changes a channel receives.
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// JoinConfig is the config section of a join payload.
type JoinConfig struct {
	PostgresChanges []ChangeFilter `json:"postgres_changes"`
}

// JoinPayload is sent with phx_join.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// ReplyPayload is the payload of phx_reply.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ReplyOK and ReplyError are the reply statuses.
const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// Change is one row change pushed by the backend.
type Change struct {
	Topic           string          `json:"-"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Type            string          `json:"type"`
	CommitTimestamp string          `json:"commit_timestamp,omitempty"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
}

// ChangePayload is the payload of a postgres_changes frame.
type ChangePayload struct {
	Data Change   `json:"data"`
	IDs  []uint64 `json:"ids,omitempty"`
}

// Topic returns the channel topic that watches table.
func Topic(table string) string {
	return topicPrefix + channelPrefix + table
}

// TableFromTopic reverses Topic. ok is false for foreign topics.
func TableFromTopic(topic string) (table string, ok bool) {
	return strings.CutPrefix(topic, topicPrefix+channelPrefix)
}

// DecodeChange extracts the change from a postgres_changes frame. Older
// servers put the change fields directly in the payload; both shapes are
// accepted.
func DecodeChange(f Frame) (Change, error) {
	var p ChangePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return Change{}, err
	}
	c := p.Data
	if c.Table == "" && c.Type == "" {
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			return Change{}, err
		}
	}
	if c.Table == "" {
		c.Table, _ = TableFromTopic(f.Topic)
	}
	c.Topic = f.Topic
	return c, nil
}

// NewFrame builds a frame with a JSON-encoded payload.
func NewFrame(topic, event, ref string, payload any) (Frame, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Topic: topic, Event: event, Payload: data, Ref: ref}, nil
}
