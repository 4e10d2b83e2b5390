package sync

import (
	"context"
	"fmt"

	"github.com/sparkchat/sparksync/internal/remote"
	"github.com/sparkchat/sparksync/internal/schema"
)

// PushConversation implements Syncer.PushConversation.
func (s *syncer) PushConversation(ctx context.Context, conv *schema.Conversation) error {
	if s.config.UserID == "" {
		return ErrNoUser
	}
	if conv == nil {
		return fmt.Errorf("conversation is required")
	}

	convRow, msgRows := s.rows(conv)

	if err := s.remote.UpsertConversations(ctx, []remote.ConversationRow{convRow}); err != nil {
		return fmt.Errorf("failed to push conversation %s: %w", conv.ID, err)
	}
	if len(msgRows) == 0 {
		return nil
	}
	if err := s.remote.UpsertMessages(ctx, msgRows); err != nil {
		return fmt.Errorf("failed to push messages for %s: %w", conv.ID, err)
	}

	s.logger.Printf("Pushed conversation: %s (%d messages)", conv.ID, len(msgRows))
	return nil
}

// PushAll implements Syncer.PushAll.
func (s *syncer) PushAll(ctx context.Context) (int, error) {
	if s.config.UserID == "" {
		return 0, ErrNoUser
	}
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return 0, persistErr("list conversations", err)
	}
	for i, conv := range convs {
		if err := s.PushConversation(ctx, conv); err != nil {
			return i, err
		}
	}
	return len(convs), nil
}

// rows converts a conversation into its remote projection. Messages are
// emitted in canonical order.
func (s *syncer) rows(conv *schema.Conversation) (remote.ConversationRow, []remote.MessageRow) {
	convRow := remote.ConversationRow{
		ID:        conv.ID,
		UserID:    s.config.UserID,
		Title:     conv.Title,
		CreatedAt: schema.FormatTimestamp(conv.CreatedAt),
	}

	msgs := make([]*schema.Message, len(conv.Messages))
	copy(msgs, conv.Messages)
	schema.SortMessages(msgs)

	msgRows := make([]remote.MessageRow, 0, len(msgs))
	for _, m := range msgs {
		msgRows = append(msgRows, remote.MessageRow{
			ID:             m.ID,
			ConversationID: conv.ID,
			UserID:         s.config.UserID,
			Role:           string(m.Role),
			Content:        m.Content,
			Attachments:    s.descriptors(m.Attachments),
			CreatedAt:      schema.FormatTimestamp(m.Timestamp),
		})
	}
	return convRow, msgRows
}

func (s *syncer) descriptors(atts []*schema.Attachment) remote.AttachmentSet {
	set := make(remote.AttachmentSet, 0, len(atts))
	for _, a := range atts {
		size, ok := s.config.FileSize(a.FilePath)
		if !ok {
			s.logger.Printf("WARNING: attachment file not found: %s", a.FilePath)
			continue
		}
		set = append(set, remote.AttachmentDescriptor{
			ID:       a.ID,
			FileName: a.FileName,
			FileType: string(a.FileType),
			FilePath: a.FilePath,
			FileSize: &size,
		})
	}
	return set
}
