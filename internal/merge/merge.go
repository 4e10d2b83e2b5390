// Package merge reconciles a remote snapshot with local state.
//
// Merging is pure: Plan reads both sides and returns a ChangeSet of local
// mutations without touching any store. Applying that ChangeSet is the
// caller's job (db.Commit does it in one transaction).
//
// Rules:
//   - Conversations and messages are matched by id only.
//   - A remote conversation missing locally is created with its remote
//     title and creation time.
//   - A remote message missing locally is created and marked Remote.
//   - An existing message is never replaced. Its content changes only if
//     Policy.Content is RemoteWins.
//   - An existing conversation's title follows Policy.Title.
//   - An attachment descriptor is kept only if its file exists locally.
//
// Planning against an unchanged snapshot after its ChangeSet has been
// applied yields an empty ChangeSet.
package merge

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/sparkchat/sparksync/internal/remote"
	"github.com/sparkchat/sparksync/internal/schema"
)

// FileExists reports whether a local attachment file is present.
type FileExists func(path string) bool

// OSFileExists checks the local file system.
func OSFileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Stats summarizes one plan.
type Stats struct {
	RemoteConversations int
	NewConversations    int
	TitleUpdates        int
	NewMessages         int
	ContentUpdates      int
	DroppedAttachments  int
	SkippedRows         int
}

// Merger plans merges under a fixed policy.
type Merger struct {
	policy Policy
	exists FileExists
	logger *log.Logger
	now    func() time.Time
}

// New creates a Merger. exists defaults to OSFileExists and logger to a
// stderr logger.
func New(policy Policy, exists FileExists, logger *log.Logger) *Merger {
	if exists == nil {
		exists = OSFileExists
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[merge] ", log.LstdFlags)
	}
	return &Merger{
		policy: policy,
		exists: exists,
		logger: logger,
		now:    time.Now,
	}
}

// Policy returns the merger's conflict policy.
func (m *Merger) Policy() Policy {
	return m.policy
}

// Merge plans a single pass with a throwaway Merger that logs nowhere.
func Merge(snapshots []remote.Snapshot, local []*schema.Conversation, policy Policy, exists FileExists) *schema.ChangeSet {
	cs, _ := New(policy, exists, log.New(io.Discard, "", 0)).Plan(snapshots, local)
	return cs
}

// Plan computes the local mutations that bring local in line with the
// remote snapshots.
func (m *Merger) Plan(snapshots []remote.Snapshot, local []*schema.Conversation) (*schema.ChangeSet, Stats) {
	cs := schema.NewChangeSet()
	stats := Stats{RemoteConversations: len(snapshots)}

	localConvs := make(map[string]*schema.Conversation, len(local))
	localMsgs := make(map[string]*schema.Message)
	for _, c := range local {
		localConvs[c.ID] = c
		for _, msg := range c.Messages {
			localMsgs[msg.ID] = msg
		}
	}

	seenConvs := make(map[string]bool, len(snapshots))
	seenMsgs := make(map[string]bool)

	for _, snap := range snapshots {
		convID, err := schema.NormalizeID(snap.Conversation.ID)
		if err != nil {
			m.logger.Printf("WARNING: skipping remote conversation: %v", err)
			stats.SkippedRows++
			continue
		}
		if seenConvs[convID] {
			continue
		}
		seenConvs[convID] = true

		var created *schema.Conversation
		if existing, ok := localConvs[convID]; ok {
			if m.policy.Title == RemoteWins && existing.Title != snap.Conversation.Title {
				cs.Titles[convID] = snap.Conversation.Title
				stats.TitleUpdates++
			}
		} else {
			created = &schema.Conversation{
				ID:        convID,
				Title:     snap.Conversation.Title,
				CreatedAt: m.parseTime(snap.Conversation.CreatedAt, "conversation "+convID),
			}
			cs.Conversations = append(cs.Conversations, created)
			stats.NewConversations++
		}

		for _, row := range snap.Messages {
			msgID, err := schema.NormalizeID(row.ID)
			if err != nil {
				m.logger.Printf("WARNING: skipping remote message in %s: %v", convID, err)
				stats.SkippedRows++
				continue
			}

			if existing, ok := localMsgs[msgID]; ok {
				if m.policy.Content == RemoteWins && existing.Content != row.Content && !seenMsgs[msgID] {
					cs.Contents[msgID] = row.Content
					stats.ContentUpdates++
				}
				seenMsgs[msgID] = true
				continue
			}
			if seenMsgs[msgID] {
				continue
			}
			seenMsgs[msgID] = true

			role := schema.Role(row.Role)
			if !role.Valid() {
				m.logger.Printf("WARNING: skipping remote message %s: unknown role %q", msgID, row.Role)
				stats.SkippedRows++
				continue
			}

			msg := &schema.Message{
				ID:             msgID,
				ConversationID: convID,
				Role:           role,
				Content:        row.Content,
				Timestamp:      m.parseTime(row.CreatedAt, "message "+msgID),
				Remote:         true,
			}
			msg.Attachments, stats.DroppedAttachments = m.hydrateAttachments(row.Attachments, stats.DroppedAttachments)

			if created != nil {
				created.Messages = append(created.Messages, msg)
			} else {
				cs.Messages = append(cs.Messages, msg)
			}
			stats.NewMessages++
		}

		if created != nil {
			schema.SortMessages(created.Messages)
		}
	}

	return cs, stats
}

// hydrateAttachments converts descriptors to local attachments, dropping
// those whose file is missing or whose metadata is unusable.
func (m *Merger) hydrateAttachments(descs remote.AttachmentSet, dropped int) ([]*schema.Attachment, int) {
	var out []*schema.Attachment
	for _, d := range descs {
		id, err := schema.NormalizeID(d.ID)
		if err != nil {
			dropped++
			continue
		}
		typ := schema.AttachmentType(d.FileType)
		if !typ.Valid() {
			dropped++
			continue
		}
		if !m.exists(d.FilePath) {
			m.logger.Printf("WARNING: attachment file not found during sync: %s", d.FilePath)
			dropped++
			continue
		}
		out = append(out, &schema.Attachment{
			ID:       id,
			FileName: d.FileName,
			FileType: typ,
			FilePath: d.FilePath,
		})
	}
	return out, dropped
}

func (m *Merger) parseTime(s, what string) time.Time {
	t, err := schema.ParseTimestamp(s)
	if err != nil {
		m.logger.Printf("WARNING: %s: %v, using current time", what, err)
		return m.now().UTC()
	}
	return t
}
