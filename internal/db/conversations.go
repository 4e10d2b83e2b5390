package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sparkchat/sparksync/internal/schema"
)

// ListConversations returns every conversation, newest first, fully
// hydrated with messages in canonical order and their attachments.
func (db *DB) ListConversations(ctx context.Context) ([]*schema.Conversation, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, title, created_at FROM conversations ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	convs, err := scanConversations(rows)
	if err != nil {
		return nil, err
	}

	msgs, err := db.queryMessages(ctx, `
		SELECT id, conversation_id, role, content, timestamp, remote
		FROM messages
		ORDER BY conversation_id, timestamp ASC, id ASC`)
	if err != nil {
		return nil, err
	}

	atts, err := db.queryAttachments(ctx, `
		SELECT id, message_id, file_name, file_type, file_path
		FROM attachments
		ORDER BY message_id, id`)
	if err != nil {
		return nil, err
	}

	hydrate(convs, msgs, atts)
	return convs, nil
}

// GetConversation returns a single hydrated conversation.
// Returns ErrNotFound if no conversation has the given id.
func (db *DB) GetConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM conversations WHERE id = ?`, id)

	var conv schema.Conversation
	var createdAt string
	if err := row.Scan(&conv.ID, &conv.Title, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	conv.CreatedAt = parseTime(createdAt)

	msgs, err := db.queryMessages(ctx, `
		SELECT id, conversation_id, role, content, timestamp, remote
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}

	atts, err := db.queryAttachments(ctx, `
		SELECT a.id, a.message_id, a.file_name, a.file_type, a.file_path
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.conversation_id = ?
		ORDER BY a.message_id, a.id`, id)
	if err != nil {
		return nil, err
	}

	hydrate([]*schema.Conversation{&conv}, msgs, atts)
	return &conv, nil
}

// SaveConversation writes a locally edited conversation: the conversation
// row, every message (content and all) and each message's attachment set.
// Everything is written in one transaction.
func (db *DB) SaveConversation(ctx context.Context, conv *schema.Conversation) error {
	if err := conv.Validate(); err != nil {
		return fmt.Errorf("invalid conversation: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET title = excluded.title`,
		conv.ID, conv.Title, formatTime(conv.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", conv.ID, err)
	}

	for _, m := range conv.Messages {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, timestamp, remote)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			role = excluded.role,
			timestamp = excluded.timestamp`,
			m.ID, m.ConversationID, string(m.Role), m.Content, formatTime(m.Timestamp), boolToInt(m.Remote))
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE message_id = ?`, m.ID); err != nil {
			return fmt.Errorf("failed to replace attachments of %s: %w", m.ID, err)
		}
		if err := insertAttachments(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Commit applies a merge ChangeSet in a single transaction.
//
// Inserts are insert-if-absent: a conversation or message that already
// exists is left untouched, so replaying the same ChangeSet is harmless.
// Field updates only touch rows that exist.
func (db *DB) Commit(ctx context.Context, cs *schema.ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, conv := range cs.Conversations {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
			conv.ID, conv.Title, formatTime(conv.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert conversation %s: %w", conv.ID, err)
		}
		for _, m := range conv.Messages {
			if err := insertMessage(ctx, tx, m); err != nil {
				return err
			}
		}
	}

	for id, title := range cs.Titles {
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id); err != nil {
			return fmt.Errorf("failed to update title of %s: %w", id, err)
		}
	}

	for id, content := range cs.Contents {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id); err != nil {
			return fmt.Errorf("failed to update content of %s: %w", id, err)
		}
	}

	for _, m := range cs.Messages {
		if err := insertMessage(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and, by cascade, its messages
// and attachments. Returns nil if the conversation doesn't exist (idempotent).
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// DeleteMessage removes a message and its attachments.
// Returns nil if the message doesn't exist (idempotent).
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// Stats holds row counts for the store.
type Stats struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Attachments   int `json:"attachments"`
}

// GetStats returns row counts for every table.
func (db *DB) GetStats() (Stats, error) {
	return db.GetStatsContext(context.Background())
}

// GetStatsContext returns row counts with context support.
func (db *DB) GetStatsContext(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM conversations),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM attachments)`).Scan(&s.Conversations, &s.Messages, &s.Attachments)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}
	return s, nil
}

func insertMessage(ctx context.Context, tx execer, m *schema.Message) error {
	res, err := tx.ExecContext(ctx, `
	INSERT INTO messages (id, conversation_id, role, content, timestamp, remote)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ConversationID, string(m.Role), m.Content, formatTime(m.Timestamp), boolToInt(m.Remote))
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Existing message: its attachments are local state too.
		return nil
	}
	return insertAttachments(ctx, tx, m)
}

func insertAttachments(ctx context.Context, tx execer, m *schema.Message) error {
	for _, a := range m.Attachments {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, file_name, file_type, file_path)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
			a.ID, m.ID, a.FileName, string(a.FileType), a.FilePath)
		if err != nil {
			return fmt.Errorf("failed to insert attachment %s: %w", a.ID, err)
		}
	}
	return nil
}

func scanConversations(rows *sql.Rows) ([]*schema.Conversation, error) {
	defer rows.Close()

	var convs []*schema.Conversation
	for rows.Next() {
		var c schema.Conversation
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		convs = append(convs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return convs, nil
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]*schema.Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*schema.Message
	for rows.Next() {
		var m schema.Message
		var role, ts string
		var remote int
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &ts, &remote); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = schema.Role(role)
		m.Timestamp = parseTime(ts)
		m.Remote = remote != 0
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}

// attachmentRow pairs an attachment with its owning message id.
type attachmentRow struct {
	messageID string
	att       *schema.Attachment
}

func (db *DB) queryAttachments(ctx context.Context, query string, args ...any) ([]attachmentRow, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var out []attachmentRow
	for rows.Next() {
		var a schema.Attachment
		var messageID, fileType string
		if err := rows.Scan(&a.ID, &messageID, &a.FileName, &fileType, &a.FilePath); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.FileType = schema.AttachmentType(fileType)
		out = append(out, attachmentRow{messageID: messageID, att: &a})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}
	return out, nil
}

// hydrate attaches messages and attachments to their owners, preserving
// the query order of each.
func hydrate(convs []*schema.Conversation, msgs []*schema.Message, atts []attachmentRow) {
	byMsg := make(map[string]*schema.Message, len(msgs))
	for _, m := range msgs {
		byMsg[m.ID] = m
	}
	for _, a := range atts {
		if m, ok := byMsg[a.messageID]; ok {
			m.Attachments = append(m.Attachments, a.att)
		}
	}

	byConv := make(map[string]*schema.Conversation, len(convs))
	for _, c := range convs {
		byConv[c.ID] = c
	}
	for _, m := range msgs {
		if c, ok := byConv[m.ConversationID]; ok {
			c.Messages = append(c.Messages, m)
		}
	}
}
