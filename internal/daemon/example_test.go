package daemon_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/sparkchat/sparksync/internal/auth"
	"github.com/sparkchat/sparksync/internal/daemon"
	"github.com/sparkchat/sparksync/internal/db"
	"github.com/sparkchat/sparksync/internal/remote"
	engine "github.com/sparkchat/sparksync/internal/sync"
)

// Example demonstrates the daemon lifecycle: New, Start, Stop.
func Example() {
	// A backend with no rows yet
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[]")
	}))
	defer backend.Close()

	dir, err := os.MkdirTemp("", "sparksync-example-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	database, err := db.Open(filepath.Join(dir, "spark.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()
	if err := database.InitSchema(); err != nil {
		log.Fatal(err)
	}

	quiet := log.New(io.Discard, "", 0)
	client, err := remote.NewClient(&remote.Config{BaseURL: backend.URL, RateLimit: -1, Logger: quiet}, auth.StaticToken("token"))
	if err != nil {
		log.Fatal(err)
	}
	cfg := engine.DefaultConfig()
	cfg.UserID = "user-1"
	cfg.Logger = quiet
	syncer, err := engine.New(database, client, cfg)
	if err != nil {
		log.Fatal(err)
	}

	// No realtime listener: polling only
	d, err := daemon.NewWithConfig(database, syncer, nil, &daemon.Config{
		PollInterval: daemon.DefaultConfig().PollInterval,
		Logger:       quiet,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()

	d.Subscribe(func(e daemon.Event) {
		if e.Type == daemon.EventStateChanged {
			fmt.Println("state:", e.State)
		}
	})

	if err := d.Start(); err != nil {
		log.Fatal(err)
	}
	if err := d.Start(); err != nil {
		fmt.Println("second start:", err)
	}

	res, err := d.PullNow(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("remote conversations:", res.RemoteConversations)

	if err := d.Stop(); err != nil {
		log.Fatal(err)
	}

	// Output:
	// state: starting
	// state: polling
	// second start: sync already started
	// remote conversations: 0
	// state: stopped
}
