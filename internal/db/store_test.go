package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sparkchat/sparksync/internal/schema"
)

// openTestDB returns an initialized store in a temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func sampleConversation(title string, base time.Time) *schema.Conversation {
	conv := &schema.Conversation{ID: schema.NewID(), Title: title, CreatedAt: base}
	conv.Messages = []*schema.Message{
		{ID: schema.NewID(), ConversationID: conv.ID, Role: schema.RoleUser, Content: "question", Timestamp: base},
		{
			ID: schema.NewID(), ConversationID: conv.ID, Role: schema.RoleAssistant, Content: "answer",
			Timestamp: base.Add(time.Second),
			Attachments: []*schema.Attachment{
				{ID: schema.NewID(), FileName: "chart.png", FileType: schema.AttachmentImage, FilePath: "/tmp/chart.png"},
			},
		},
	}
	return conv
}

func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}

	for _, table := range []string{"conversations", "messages", "attachments"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestClose_Twice(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestSaveConversation_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 9, 30, 0, 123456789, time.UTC)
	conv := sampleConversation("Planning", base)

	if err := db.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation() failed: %v", err)
	}

	got, err := db.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation() failed: %v", err)
	}
	if got.Title != "Planning" {
		t.Errorf("Title = %q, want Planning", got.Title)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(got.Messages))
	}
	if got.Messages[0].Content != "question" || got.Messages[1].Content != "answer" {
		t.Errorf("messages out of order: %q, %q", got.Messages[0].Content, got.Messages[1].Content)
	}
	if len(got.Messages[1].Attachments) != 1 || got.Messages[1].Attachments[0].FileName != "chart.png" {
		t.Errorf("attachments not hydrated: %+v", got.Messages[1].Attachments)
	}
}

func TestSaveConversation_UpdatesContent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv := sampleConversation("Streaming", time.Now())

	if err := db.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation() failed: %v", err)
	}

	conv.Messages[1].Content = "answer, continued"
	conv.Messages[1].Attachments = nil
	conv.Title = "Renamed"
	if err := db.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("second SaveConversation() failed: %v", err)
	}

	got, err := db.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation() failed: %v", err)
	}
	if got.Title != "Renamed" {
		t.Errorf("Title = %q, want Renamed", got.Title)
	}
	if got.Messages[1].Content != "answer, continued" {
		t.Errorf("Content = %q", got.Messages[1].Content)
	}
	if len(got.Messages[1].Attachments) != 0 {
		t.Errorf("attachments should have been replaced, got %d", len(got.Messages[1].Attachments))
	}
}

func TestSaveConversation_Invalid(t *testing.T) {
	db := openTestDB(t)
	err := db.SaveConversation(context.Background(), &schema.Conversation{Title: "no id"})
	if err == nil {
		t.Fatal("SaveConversation() should reject a conversation without id")
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetConversation(context.Background(), schema.NewID())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation() error = %v, want ErrNotFound", err)
	}
}

func TestListConversations_Order(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	older := sampleConversation("older", base)
	newer := sampleConversation("newer", base.Add(time.Hour))
	for _, c := range []*schema.Conversation{older, newer} {
		if err := db.SaveConversation(ctx, c); err != nil {
			t.Fatalf("SaveConversation() failed: %v", err)
		}
	}

	convs, err := db.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations() failed: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("len = %d, want 2", len(convs))
	}
	if convs[0].Title != "newer" || convs[1].Title != "older" {
		t.Errorf("order = %q, %q; want newer, older", convs[0].Title, convs[1].Title)
	}
	for _, c := range convs {
		if len(c.Messages) != 2 {
			t.Errorf("%s: len(Messages) = %d, want 2", c.Title, len(c.Messages))
		}
	}
}

func TestListConversations_TieBreakByID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ts := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	conv := &schema.Conversation{ID: schema.NewID(), Title: "ties", CreatedAt: ts}
	for _, id := range []string{"ccc", "aaa", "bbb"} {
		conv.Messages = append(conv.Messages, &schema.Message{
			ID: id, ConversationID: conv.ID, Role: schema.RoleUser, Content: id, Timestamp: ts,
		})
	}
	if err := db.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation() failed: %v", err)
	}

	got, err := db.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation() failed: %v", err)
	}
	want := []string{"aaa", "bbb", "ccc"}
	for i, m := range got.Messages {
		if m.ID != want[i] {
			t.Errorf("Messages[%d] = %s, want %s", i, m.ID, want[i])
		}
	}
}

func TestCommit_InsertsAndUpdates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	existing := sampleConversation("Draft", base)
	if err := db.SaveConversation(ctx, existing); err != nil {
		t.Fatalf("SaveConversation() failed: %v", err)
	}

	fresh := sampleConversation("From elsewhere", base.Add(time.Minute))
	for _, m := range fresh.Messages {
		m.Remote = true
	}

	cs := schema.NewChangeSet()
	cs.Conversations = append(cs.Conversations, fresh)
	cs.Titles[existing.ID] = "Final"
	cs.Messages = append(cs.Messages, &schema.Message{
		ID: schema.NewID(), ConversationID: existing.ID, Role: schema.RoleAssistant,
		Content: "late reply", Timestamp: base.Add(2 * time.Second), Remote: true,
	})

	if err := db.Commit(ctx, cs); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	got, err := db.GetConversation(ctx, existing.ID)
	if err != nil {
		t.Fatalf("GetConversation() failed: %v", err)
	}
	if got.Title != "Final" {
		t.Errorf("Title = %q, want Final", got.Title)
	}
	if len(got.Messages) != 3 || !got.Messages[2].Remote {
		t.Errorf("expected appended remote message, got %d messages", len(got.Messages))
	}

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if stats.Conversations != 2 || stats.Messages != 5 || stats.Attachments != 2 {
		t.Errorf("stats = %+v, want 2/5/2", stats)
	}
}

func TestCommit_DoesNotOverwriteExisting(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv := sampleConversation("Mine", time.Now())
	if err := db.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation() failed: %v", err)
	}

	clone := &schema.Conversation{ID: conv.ID, Title: "Theirs", CreatedAt: conv.CreatedAt}
	clone.Messages = []*schema.Message{{
		ID: conv.Messages[0].ID, ConversationID: conv.ID, Role: schema.RoleUser,
		Content: "overwritten?", Timestamp: conv.Messages[0].Timestamp,
	}}
	cs := schema.NewChangeSet()
	cs.Conversations = []*schema.Conversation{clone}

	if err := db.Commit(ctx, cs); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	got, _ := db.GetConversation(ctx, conv.ID)
	if got.Title != "Mine" {
		t.Errorf("Title = %q, insert must not overwrite", got.Title)
	}
	if got.Messages[0].Content != "question" {
		t.Errorf("Content = %q, insert must not overwrite", got.Messages[0].Content)
	}
}

func TestCommit_Atomic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cs := schema.NewChangeSet()
	cs.Conversations = []*schema.Conversation{sampleConversation("ok", time.Now())}
	// Orphan message violates the foreign key and aborts the transaction.
	cs.Messages = []*schema.Message{{
		ID: schema.NewID(), ConversationID: schema.NewID(), Role: schema.RoleUser, Timestamp: time.Now(),
	}}

	if err := db.Commit(ctx, cs); err == nil {
		t.Fatal("Commit() should fail on foreign key violation")
	}

	stats, _ := db.GetStats()
	if stats.Conversations != 0 || stats.Messages != 0 {
		t.Errorf("partial commit persisted: %+v", stats)
	}
}

func TestCommit_Empty(t *testing.T) {
	db := openTestDB(t)
	if err := db.Commit(context.Background(), schema.NewChangeSet()); err != nil {
		t.Errorf("Commit(empty) failed: %v", err)
	}
	if err := db.Commit(context.Background(), nil); err != nil {
		t.Errorf("Commit(nil) failed: %v", err)
	}
}

func TestDeleteConversation_Cascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv := sampleConversation("Doomed", time.Now())
	if err := db.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation() failed: %v", err)
	}

	if err := db.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation() failed: %v", err)
	}

	stats, _ := db.GetStats()
	if stats != (Stats{}) {
		t.Errorf("rows left after cascade: %+v", stats)
	}

	// Idempotent
	if err := db.DeleteConversation(ctx, conv.ID); err != nil {
		t.Errorf("second DeleteConversation() failed: %v", err)
	}
}

func TestDeleteMessage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv := sampleConversation("Chat", time.Now())
	if err := db.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation() failed: %v", err)
	}

	if err := db.DeleteMessage(ctx, conv.Messages[1].ID); err != nil {
		t.Fatalf("DeleteMessage() failed: %v", err)
	}

	got, _ := db.GetConversation(ctx, conv.ID)
	if len(got.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(got.Messages))
	}
	stats, _ := db.GetStats()
	if stats.Attachments != 0 {
		t.Errorf("attachment not cascaded: %+v", stats)
	}
}
