package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sparkchat/sparksync/internal/schema"
)

var (
	// ErrConflict is returned when an insert hits an existing row without
	// merge-duplicates, or a message references a missing conversation.
	ErrConflict = errors.New("conflict")

	// ErrForbidden is returned when a row belongs to another user.
	ErrForbidden = errors.New("row-level security violation")

	// ErrBadRequest is returned for malformed rows or queries.
	ErrBadRequest = errors.New("bad request")
)

type conversationRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	UserID    string    `gorm:"type:varchar(64);index;not null"`
	Title     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (conversationRecord) TableName() string { return "conversations" }

type messageRecord struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)"`
	ConversationID string    `gorm:"type:varchar(36);index;not null"`
	UserID         string    `gorm:"type:varchar(64);index;not null"`
	Role           string    `gorm:"type:varchar(16);not null"`
	Content        string    `gorm:"type:text;not null"`
	Attachments    string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index"`
}

func (messageRecord) TableName() string { return "messages" }

// OpenDB opens the backing database. driver is sqlite, mysql or postgres.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	return db, nil
}

// Store keeps the backend's rows.
type Store struct {
	db *gorm.DB
}

// NewStore migrates the schema and returns a Store.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&conversationRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// rowChange describes one written row, for realtime broadcast.
type rowChange struct {
	table  string
	userID string
	typ    string
	record any
}

// Select returns the user's rows from table matching q.
func (s *Store) Select(ctx context.Context, table, userID string, q Query) ([]any, error) {
	tx := s.db.WithContext(ctx).Where("user_id = ?", userID)
	tx, err := q.apply(tx, table)
	if err != nil {
		return nil, err
	}

	switch table {
	case tableConversations:
		var recs []conversationRecord
		if err := tx.Find(&recs).Error; err != nil {
			return nil, err
		}
		out := make([]any, len(recs))
		for i, r := range recs {
			out[i] = conversationOut(r)
		}
		return out, nil
	case tableMessages:
		var recs []messageRecord
		if err := tx.Find(&recs).Error; err != nil {
			return nil, err
		}
		out := make([]any, len(recs))
		for i, r := range recs {
			out[i] = messageOut(r)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown table %q", ErrBadRequest, table)
}

// UpsertConversations inserts rows for userID. Existing rows are updated
// only when merge is set; otherwise they conflict.
func (s *Store) UpsertConversations(ctx context.Context, userID string, rows []conversationIn, merge bool) ([]rowChange, error) {
	recs := make([]conversationRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record(userID)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	var changes []rowChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range recs {
			rec := &recs[i]
			var existing conversationRecord
			found, err := lookup(tx, &existing, rec.ID)
			if err != nil {
				return err
			}

			typ := "INSERT"
			if found {
				if existing.UserID != userID {
					return fmt.Errorf("%w: conversation %s", ErrForbidden, rec.ID)
				}
				if !merge {
					return fmt.Errorf("%w: duplicate key conversations.id=%s", ErrConflict, rec.ID)
				}
				typ = "UPDATE"
				err = tx.Save(rec).Error
			} else {
				err = tx.Create(rec).Error
			}
			if err != nil {
				return err
			}
			changes = append(changes, rowChange{table: tableConversations, userID: userID, typ: typ, record: conversationOut(*rec)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// UpsertMessages is UpsertConversations for messages. Every message must
// belong to one of the user's conversations.
func (s *Store) UpsertMessages(ctx context.Context, userID string, rows []messageIn, merge bool) ([]rowChange, error) {
	recs := make([]messageRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record(userID)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	var changes []rowChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range recs {
			rec := &recs[i]

			var parent conversationRecord
			found, err := lookup(tx, &parent, rec.ConversationID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: conversation %s does not exist", ErrConflict, rec.ConversationID)
			}
			if parent.UserID != userID {
				return fmt.Errorf("%w: conversation %s", ErrForbidden, rec.ConversationID)
			}

			var existing messageRecord
			found, err = lookup(tx, &existing, rec.ID)
			if err != nil {
				return err
			}

			typ := "INSERT"
			if found {
				if existing.UserID != userID {
					return fmt.Errorf("%w: message %s", ErrForbidden, rec.ID)
				}
				if !merge {
					return fmt.Errorf("%w: duplicate key messages.id=%s", ErrConflict, rec.ID)
				}
				typ = "UPDATE"
				err = tx.Save(rec).Error
			} else {
				err = tx.Create(rec).Error
			}
			if err != nil {
				return err
			}
			changes = append(changes, rowChange{table: tableMessages, userID: userID, typ: typ, record: messageOut(*rec)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// Delete removes the user's rows matching q. Deleting a conversation
// cascades to its messages.
func (s *Store) Delete(ctx context.Context, table, userID string, q Query) ([]rowChange, error) {
	if len(q.Filters) == 0 {
		return nil, fmt.Errorf("%w: DELETE requires a filter", ErrBadRequest)
	}

	var changes []rowChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped, err := q.apply(tx.Where("user_id = ?", userID), table)
		if err != nil {
			return err
		}

		switch table {
		case tableConversations:
			var recs []conversationRecord
			if err := scoped.Find(&recs).Error; err != nil {
				return err
			}
			for _, r := range recs {
				var msgs []messageRecord
				if err := tx.Where("conversation_id = ?", r.ID).Find(&msgs).Error; err != nil {
					return err
				}
				if err := tx.Where("conversation_id = ?", r.ID).Delete(&messageRecord{}).Error; err != nil {
					return err
				}
				if err := tx.Delete(&conversationRecord{}, "id = ?", r.ID).Error; err != nil {
					return err
				}
				for _, m := range msgs {
					changes = append(changes, rowChange{table: tableMessages, userID: userID, typ: "DELETE", record: messageOut(m)})
				}
				changes = append(changes, rowChange{table: tableConversations, userID: userID, typ: "DELETE", record: conversationOut(r)})
			}
		case tableMessages:
			var recs []messageRecord
			if err := scoped.Find(&recs).Error; err != nil {
				return err
			}
			for _, m := range recs {
				if err := tx.Delete(&messageRecord{}, "id = ?", m.ID).Error; err != nil {
					return err
				}
				changes = append(changes, rowChange{table: tableMessages, userID: userID, typ: "DELETE", record: messageOut(m)})
			}
		default:
			return fmt.Errorf("%w: unknown table %q", ErrBadRequest, table)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// Counts returns row counts for /health.
func (s *Store) Counts(ctx context.Context) (conversations, messages int64, err error) {
	if err = s.db.WithContext(ctx).Model(&conversationRecord{}).Count(&conversations).Error; err != nil {
		return 0, 0, err
	}
	if err = s.db.WithContext(ctx).Model(&messageRecord{}).Count(&messages).Error; err != nil {
		return 0, 0, err
	}
	return conversations, messages, nil
}

func lookup(tx *gorm.DB, dest any, id string) (bool, error) {
	err := tx.Where("id = ?", id).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// conversationIn is an incoming conversation row.
type conversationIn struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

func (in conversationIn) record(userID string) (conversationRecord, error) {
	id, err := schema.NormalizeID(in.ID)
	if err != nil {
		return conversationRecord{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if in.UserID != "" && in.UserID != userID {
		return conversationRecord{}, fmt.Errorf("%w: user_id %s", ErrForbidden, in.UserID)
	}
	created, err := parseCreatedAt(in.CreatedAt)
	if err != nil {
		return conversationRecord{}, err
	}
	return conversationRecord{ID: id, UserID: userID, Title: in.Title, CreatedAt: created}, nil
}

// messageIn is an incoming message row. Attachments are stored as the
// raw JSON the client sent.
type messageIn struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Attachments    json.RawMessage `json:"attachments"`
	CreatedAt      string          `json:"created_at"`
}

func (in messageIn) record(userID string) (messageRecord, error) {
	id, err := schema.NormalizeID(in.ID)
	if err != nil {
		return messageRecord{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	convID, err := schema.NormalizeID(in.ConversationID)
	if err != nil {
		return messageRecord{}, fmt.Errorf("%w: conversation_id: %v", ErrBadRequest, err)
	}
	if in.UserID != "" && in.UserID != userID {
		return messageRecord{}, fmt.Errorf("%w: user_id %s", ErrForbidden, in.UserID)
	}
	if !schema.Role(in.Role).Valid() {
		return messageRecord{}, fmt.Errorf("%w: invalid role %q", ErrBadRequest, in.Role)
	}
	created, err := parseCreatedAt(in.CreatedAt)
	if err != nil {
		return messageRecord{}, err
	}
	attachments := strings.TrimSpace(string(in.Attachments))
	if attachments == "" {
		attachments = "[]"
	}
	return messageRecord{
		ID:             id,
		ConversationID: convID,
		UserID:         userID,
		Role:           in.Role,
		Content:        in.Content,
		Attachments:    attachments,
		CreatedAt:      created,
	}, nil
}

func parseCreatedAt(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := schema.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: created_at: %v", ErrBadRequest, err)
	}
	return t.UTC(), nil
}

// conversationRow and messageRow are the JSON shapes returned to clients.
type conversationRow struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

type messageRow struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Attachments    json.RawMessage `json:"attachments"`
	CreatedAt      string          `json:"created_at"`
}

func conversationOut(r conversationRecord) conversationRow {
	return conversationRow{ID: r.ID, UserID: r.UserID, Title: r.Title, CreatedAt: schema.FormatTimestamp(r.CreatedAt)}
}

func messageOut(r messageRecord) messageRow {
	atts := json.RawMessage(r.Attachments)
	if !json.Valid(atts) {
		atts = json.RawMessage("null")
	}
	return messageRow{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Role:           r.Role,
		Content:        r.Content,
		Attachments:    atts,
		CreatedAt:      schema.FormatTimestamp(r.CreatedAt),
	}
}
