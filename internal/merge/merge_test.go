package merge

import (
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/sparkchat/sparksync/internal/remote"
	"github.com/sparkchat/sparksync/internal/schema"
)

const (
	convA = "11111111-1111-4111-8111-111111111111"
	msgM1 = "22222222-2222-4222-8222-222222222221"
	msgM2 = "22222222-2222-4222-8222-222222222222"
	attA1 = "33333333-3333-4333-8333-333333333331"
	attA2 = "33333333-3333-4333-8333-333333333332"
)

func quietMerger(policy Policy, exists FileExists) *Merger {
	return New(policy, exists, log.New(io.Discard, "", 0))
}

func noFiles(string) bool { return false }

func localConversation(title string) *schema.Conversation {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &schema.Conversation{
		ID: convA, Title: title, CreatedAt: ts,
		Messages: []*schema.Message{
			{ID: msgM1, ConversationID: convA, Role: schema.RoleUser, Content: "hello", Timestamp: ts},
		},
	}
}

func remoteSnapshot(title string, msgs ...remote.MessageRow) remote.Snapshot {
	return remote.Snapshot{
		Conversation: remote.ConversationRow{ID: convA, UserID: "u1", Title: title, CreatedAt: "2025-01-01T00:00:00.000Z"},
		Messages:     msgs,
	}
}

// apply folds a ChangeSet into an in-memory copy of local state.
func apply(local []*schema.Conversation, cs *schema.ChangeSet) []*schema.Conversation {
	byID := make(map[string]*schema.Conversation)
	for _, c := range local {
		byID[c.ID] = c
	}
	for _, c := range cs.Conversations {
		if _, ok := byID[c.ID]; !ok {
			byID[c.ID] = c
			local = append(local, c)
		}
	}
	for id, title := range cs.Titles {
		byID[id].Title = title
	}
	for _, m := range cs.Messages {
		c := byID[m.ConversationID]
		c.Messages = append(c.Messages, m)
	}
	for id, content := range cs.Contents {
		for _, c := range local {
			if m := c.Message(id); m != nil {
				m.Content = content
			}
		}
	}
	return local
}

func TestPlan_NewConversation(t *testing.T) {
	m := quietMerger(DefaultPolicy(), noFiles)
	snap := remoteSnapshot("From phone",
		remote.MessageRow{ID: msgM2, ConversationID: convA, Role: "assistant", Content: "second", CreatedAt: "2025-01-01T00:00:02Z"},
		remote.MessageRow{ID: msgM1, ConversationID: convA, Role: "user", Content: "first", CreatedAt: "2025-01-01T00:00:01Z"},
	)

	cs, stats := m.Plan([]remote.Snapshot{snap}, nil)

	if len(cs.Conversations) != 1 {
		t.Fatalf("len(Conversations) = %d, want 1", len(cs.Conversations))
	}
	conv := cs.Conversations[0]
	if conv.Title != "From phone" {
		t.Errorf("Title = %q", conv.Title)
	}
	if !conv.CreatedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", conv.CreatedAt)
	}
	if len(conv.Messages) != 2 || conv.Messages[0].Content != "first" {
		t.Fatalf("messages not in canonical order: %+v", conv.Messages)
	}
	for _, msg := range conv.Messages {
		if !msg.Remote {
			t.Errorf("message %s not marked remote", msg.ID)
		}
	}
	if stats.NewConversations != 1 || stats.NewMessages != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if err := conv.Validate(); err != nil {
		t.Errorf("planned conversation invalid: %v", err)
	}
}

func TestPlan_TitleRemoteAuthority(t *testing.T) {
	m := quietMerger(DefaultPolicy(), noFiles)
	local := []*schema.Conversation{localConversation("Draft")}

	cs, _ := m.Plan([]remote.Snapshot{remoteSnapshot("Final")}, local)
	local = apply(local, cs)

	if local[0].Title != "Final" {
		t.Errorf("Title = %q, want Final", local[0].Title)
	}
}

func TestPlan_TitleLocalWins(t *testing.T) {
	m := quietMerger(Policy{Title: LocalWins, Content: LocalWins}, noFiles)
	local := []*schema.Conversation{localConversation("Draft")}

	cs, _ := m.Plan([]remote.Snapshot{remoteSnapshot("Final")}, local)

	if len(cs.Titles) != 0 {
		t.Errorf("Titles = %v, want none under LocalWins", cs.Titles)
	}
}

func TestPlan_LocalContentAuthority(t *testing.T) {
	m := quietMerger(DefaultPolicy(), noFiles)
	local := []*schema.Conversation{localConversation("Chat")}
	snap := remoteSnapshot("Chat",
		remote.MessageRow{ID: msgM1, ConversationID: convA, Role: "user", Content: "goodbye", CreatedAt: "2025-01-01T00:00:00Z"},
	)

	cs, _ := m.Plan([]remote.Snapshot{snap}, local)
	local = apply(local, cs)

	if got := local[0].Messages[0].Content; got != "hello" {
		t.Errorf("Content = %q, want hello", got)
	}
	if len(local[0].Messages) != 1 {
		t.Errorf("duplicate message created: %d messages", len(local[0].Messages))
	}
}

func TestPlan_ContentRemoteWins(t *testing.T) {
	m := quietMerger(Policy{Title: RemoteWins, Content: RemoteWins}, noFiles)
	local := []*schema.Conversation{localConversation("Chat")}
	snap := remoteSnapshot("Chat",
		remote.MessageRow{ID: msgM1, ConversationID: convA, Role: "user", Content: "goodbye", CreatedAt: "2025-01-01T00:00:00Z"},
	)

	cs, stats := m.Plan([]remote.Snapshot{snap}, local)

	if cs.Contents[msgM1] != "goodbye" || stats.ContentUpdates != 1 {
		t.Errorf("Contents = %v, stats = %+v", cs.Contents, stats)
	}
	if len(cs.Messages) != 0 {
		t.Errorf("existing message must not be re-inserted")
	}
}

func TestPlan_Idempotent(t *testing.T) {
	exists := func(p string) bool { return p == "/photos/cat.png" }
	m := quietMerger(DefaultPolicy(), exists)
	local := []*schema.Conversation{localConversation("Draft")}
	snaps := []remote.Snapshot{
		remoteSnapshot("Final",
			remote.MessageRow{ID: msgM2, ConversationID: convA, Role: "assistant", Content: "reply", CreatedAt: "not a time",
				Attachments: remote.AttachmentSet{{ID: attA1, FileName: "cat.png", FileType: "image", FilePath: "/photos/cat.png"}}},
		),
		{
			Conversation: remote.ConversationRow{ID: "44444444-4444-4444-8444-444444444444", Title: "Other", CreatedAt: "2025-02-01T00:00:00Z"},
		},
	}

	first, _ := m.Plan(snaps, local)
	if first.Empty() {
		t.Fatal("first plan should not be empty")
	}
	local = apply(local, first)

	second, stats := m.Plan(snaps, local)
	if !second.Empty() {
		t.Errorf("second plan not empty: %+v (stats %+v)", second, stats)
	}
}

func TestPlan_AttachmentMissingFileDropped(t *testing.T) {
	m := quietMerger(DefaultPolicy(), func(p string) bool { return p == "/docs/present.pdf" })
	snap := remoteSnapshot("Files",
		remote.MessageRow{ID: msgM1, ConversationID: convA, Role: "user", Content: "see attached", CreatedAt: "2025-01-01T00:00:00Z",
			Attachments: remote.AttachmentSet{
				{ID: attA1, FileName: "gone.png", FileType: "image", FilePath: "/photos/gone.png"},
			}},
		remote.MessageRow{ID: msgM2, ConversationID: convA, Role: "user", Content: "and this", CreatedAt: "2025-01-01T00:00:01Z",
			Attachments: remote.AttachmentSet{
				{ID: attA2, FileName: "present.pdf", FileType: "document", FilePath: "/docs/present.pdf"},
			}},
	)

	cs, stats := m.Plan([]remote.Snapshot{snap}, nil)

	msgs := cs.Conversations[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(msgs))
	}
	if len(msgs[0].Attachments) != 0 {
		t.Errorf("message with missing file has %d attachments, want 0", len(msgs[0].Attachments))
	}
	if len(msgs[1].Attachments) != 1 || msgs[1].Attachments[0].FileType != schema.AttachmentDocument {
		t.Errorf("present attachment not hydrated: %+v", msgs[1].Attachments)
	}
	if stats.DroppedAttachments != 1 {
		t.Errorf("DroppedAttachments = %d, want 1", stats.DroppedAttachments)
	}
}

func TestPlan_SkipsInvalidRows(t *testing.T) {
	m := quietMerger(DefaultPolicy(), noFiles)
	snaps := []remote.Snapshot{
		{Conversation: remote.ConversationRow{ID: "not-a-uuid", Title: "bad"}},
		remoteSnapshot("ok",
			remote.MessageRow{ID: "bogus", Role: "user"},
			remote.MessageRow{ID: msgM1, Role: "system", CreatedAt: "2025-01-01T00:00:00Z"},
			remote.MessageRow{ID: msgM2, Role: "user", CreatedAt: "2025-01-01T00:00:00Z"},
		),
	}

	cs, stats := m.Plan(snaps, nil)

	if len(cs.Conversations) != 1 || len(cs.Conversations[0].Messages) != 1 {
		t.Fatalf("unexpected plan: %+v", cs.Conversations)
	}
	if stats.SkippedRows != 3 {
		t.Errorf("SkippedRows = %d, want 3", stats.SkippedRows)
	}
}

func TestPlan_DeduplicatesWithinPass(t *testing.T) {
	m := quietMerger(DefaultPolicy(), noFiles)
	row := remote.MessageRow{ID: msgM1, Role: "user", CreatedAt: "2025-01-01T00:00:00Z"}
	snap := remoteSnapshot("dup", row, row)

	cs, _ := m.Plan([]remote.Snapshot{snap, snap}, nil)

	if len(cs.Conversations) != 1 {
		t.Errorf("len(Conversations) = %d, want 1", len(cs.Conversations))
	}
	if cs.NewMessageCount() != 1 {
		t.Errorf("NewMessageCount() = %d, want 1", cs.NewMessageCount())
	}
}

func TestPlan_NormalizesUppercaseIDs(t *testing.T) {
	m := quietMerger(DefaultPolicy(), noFiles)
	local := []*schema.Conversation{localConversation("Same")}
	snap := remote.Snapshot{
		Conversation: remote.ConversationRow{ID: strings.ToUpper(convA), Title: "Same"},
		Messages: []remote.MessageRow{
			{ID: strings.ToUpper(msgM1), Role: "user", Content: "hello"},
		},
	}

	cs, _ := m.Plan([]remote.Snapshot{snap}, local)
	if !cs.Empty() {
		t.Errorf("plan should be empty for an identical snapshot, got %+v", cs)
	}
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		in      string
		want    Rule
		wantErr bool
	}{
		{"remote", RemoteWins, false},
		{" Local ", LocalWins, false},
		{"newest", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseRule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRule(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseRule(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Title != RemoteWins || p.Content != LocalWins {
		t.Errorf("DefaultPolicy() = %s", p)
	}
	if p.String() != "title=remote content=local" {
		t.Errorf("String() = %q", p.String())
	}
}

func TestMerge(t *testing.T) {
	snap := remoteSnapshot("Final",
		remote.MessageRow{ID: msgM1, ConversationID: convA, Role: "user", Content: "goodbye", CreatedAt: "2025-01-01T00:00:00.000Z"})

	cs := Merge([]remote.Snapshot{snap}, []*schema.Conversation{localConversation("Draft")}, DefaultPolicy(), noFiles)
	if cs.Titles[convA] != "Final" {
		t.Errorf("Titles[%s] = %q, want Final", convA, cs.Titles[convA])
	}
	if len(cs.Contents) != 0 || len(cs.Messages) != 0 {
		t.Errorf("expected no message changes, got %+v", cs)
	}
}
