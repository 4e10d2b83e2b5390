package devserver_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sparkchat/sparksync/internal/auth"
	"github.com/sparkchat/sparksync/internal/daemon"
	"github.com/sparkchat/sparksync/internal/db"
	"github.com/sparkchat/sparksync/internal/devserver"
	"github.com/sparkchat/sparksync/internal/realtime"
	"github.com/sparkchat/sparksync/internal/remote"
	"github.com/sparkchat/sparksync/internal/schema"
	engine "github.com/sparkchat/sparksync/internal/sync"
)

const (
	e2eSecret = "e2e-secret"
	e2eAPIKey = "e2e-anon"
	e2eUser   = "user-e2e"
)

// device is one client install: its own database, syncer, listener and
// daemon, all pointed at the same backend.
type device struct {
	store  *db.DB
	daemon *daemon.Daemon
}

func startBackend(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := devserver.NewServer(&devserver.Config{
		DSN:       filepath.Join(t.TempDir(), "backend.db"),
		JWTSecret: e2eSecret,
		APIKey:    e2eAPIKey,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop()
		ts.Close()
	})
	return ts
}

func newDevice(t *testing.T, backend *httptest.Server, name string) *device {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)

	store, err := db.Open(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	token, err := auth.Mint(e2eSecret, e2eUser, time.Hour)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	tokens := auth.StaticToken(token)

	client, err := remote.NewClient(&remote.Config{
		BaseURL:   backend.URL,
		APIKey:    e2eAPIKey,
		RateLimit: -1,
		Logger:    quiet,
	}, tokens)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.UserID = e2eUser
	cfg.Logger = quiet
	cfg.Retry = engine.RetryPolicy{Attempts: 3, Delay: 10 * time.Millisecond}
	syncer, err := engine.New(store, client, cfg)
	if err != nil {
		t.Fatalf("sync.New failed: %v", err)
	}

	var d *daemon.Daemon
	listener, err := realtime.New(&realtime.Config{
		URL:    backend.URL + "/realtime/v1/websocket",
		APIKey: e2eAPIKey,
		Logger: quiet,
	}, tokens, func(c realtime.Change) {
		if d != nil {
			d.HandleChange(c)
		}
	})
	if err != nil {
		t.Fatalf("realtime.New failed: %v", err)
	}

	d, err = daemon.NewWithConfig(store, syncer, listener, &daemon.Config{
		PollInterval: time.Hour,
		Logger:       quiet,
	})
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, name+" realtime joined", func() bool { return listener.Joined() == 2 })
	return &device{store: store, daemon: d}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (dv *device) conversation(id string) *schema.Conversation {
	conv, err := dv.store.GetConversation(context.Background(), id)
	if err != nil {
		return nil
	}
	return conv
}

func TestEndToEnd_TwoDevices(t *testing.T) {
	backend := startBackend(t)
	phone := newDevice(t, backend, "phone")
	laptop := newDevice(t, backend, "laptop")
	ctx := context.Background()

	conv := schema.NewConversation("Trip planning")
	conv.AddMessage(schema.RoleUser, "Where should we go?")
	conv.AddMessage(schema.RoleAssistant, "Somewhere warm.")
	if err := phone.daemon.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}

	// The push triggers realtime changes, which make the laptop pull.
	waitFor(t, "laptop receives conversation", func() bool {
		got := laptop.conversation(conv.ID)
		return got != nil && len(got.Messages) == 2
	})
	got := laptop.conversation(conv.ID)
	if got.Title != "Trip planning" {
		t.Errorf("laptop title = %q", got.Title)
	}
	for _, m := range got.Messages {
		if !m.Remote {
			t.Errorf("pulled message %s not marked remote", m.ID)
		}
	}

	// Rename on the laptop once its queued pulls have drained; the
	// phone adopts the remote title.
	waitFor(t, "laptop queue idle", func() bool { return laptop.daemon.Status().QueuePending == 0 })
	got.Title = "Trip to Lisbon"
	if err := laptop.daemon.SaveConversation(ctx, got); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}
	waitFor(t, "phone adopts renamed title", func() bool {
		c := phone.conversation(conv.ID)
		return c != nil && c.Title == "Trip to Lisbon"
	})

	// Delete on the phone; a pull on the phone does not bring it back.
	// Pulls only add and update, so the laptop keeps its local copy.
	if err := phone.daemon.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if _, err := laptop.daemon.PullNow(ctx); err != nil {
		t.Fatalf("laptop PullNow failed: %v", err)
	}
	if laptop.conversation(conv.ID) == nil {
		t.Error("pull removed a local conversation")
	}
	if _, err := phone.daemon.PullNow(ctx); err != nil {
		t.Fatalf("PullNow failed: %v", err)
	}
	if _, err := phone.store.GetConversation(ctx, conv.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("deleted conversation resurrected on phone: %v", err)
	}
}

func TestEndToEnd_LocalContentWins(t *testing.T) {
	backend := startBackend(t)
	phone := newDevice(t, backend, "phone")
	laptop := newDevice(t, backend, "laptop")
	ctx := context.Background()

	conv := schema.NewConversation("Notes")
	msg := conv.AddMessage(schema.RoleUser, "original")
	if err := phone.daemon.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}
	waitFor(t, "laptop receives conversation", func() bool {
		got := laptop.conversation(conv.ID)
		return got != nil && got.Message(msg.ID) != nil
	})

	// The laptop edits the message remotely; the phone already holds it
	// and keeps its own content.
	edited := laptop.conversation(conv.ID)
	edited.Message(msg.ID).Content = "edited elsewhere"
	if err := laptop.daemon.SaveConversation(ctx, edited); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}
	if err := laptop.daemon.PushNow(ctx, conv.ID); err != nil {
		t.Fatalf("PushNow failed: %v", err)
	}

	res, err := phone.daemon.PullNow(ctx)
	if err != nil {
		t.Fatalf("PullNow failed: %v", err)
	}
	if res.Fetched == 0 {
		t.Errorf("pull fetched nothing: %+v", res)
	}
	if got := phone.conversation(conv.ID).Message(msg.ID).Content; got != "original" {
		t.Errorf("phone content = %q, want original", got)
	}
}
