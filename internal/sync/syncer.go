package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/sparkchat/sparksync/internal/merge"
	"github.com/sparkchat/sparksync/internal/remote"
	"github.com/sparkchat/sparksync/internal/schema"
)

var (
	// ErrNoUser is returned by pushes when no user id is configured.
	ErrNoUser = errors.New("no user id for remote rows")

	// ErrPersist wraps failures of the local store.
	ErrPersist = errors.New("local persistence failure")
)

// Store is the local side of a sync. *db.DB satisfies it.
type Store interface {
	ListConversations(ctx context.Context) ([]*schema.Conversation, error)
	GetConversation(ctx context.Context, id string) (*schema.Conversation, error)
	Commit(ctx context.Context, cs *schema.ChangeSet) error
}

// Remote is the backend side of a sync. *remote.Client satisfies it.
type Remote interface {
	FetchConversations(ctx context.Context) ([]remote.ConversationRow, error)
	FetchMessages(ctx context.Context, conversationID string) ([]remote.MessageRow, error)
	UpsertConversations(ctx context.Context, rows []remote.ConversationRow) error
	UpsertMessages(ctx context.Context, rows []remote.MessageRow) error
	DeleteConversation(ctx context.Context, id string) error
	DeleteMessage(ctx context.Context, id string) error
}

// FileSize stats a local attachment file. ok is false when the file is
// missing or not a regular file.
type FileSize func(path string) (size int64, ok bool)

// OSFileSize checks the local file system.
func OSFileSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// Config holds syncer settings.
type Config struct {
	// UserID stamps every pushed row. Pushes fail with ErrNoUser without it.
	UserID string

	Policy merge.Policy
	Retry  RetryPolicy

	// FileSize defaults to OSFileSize.
	FileSize FileSize

	// Logger defaults to a stderr logger with a [sync] prefix.
	Logger *log.Logger
}

// DefaultConfig returns the default syncer configuration.
func DefaultConfig() *Config {
	return &Config{
		Policy:   merge.DefaultPolicy(),
		Retry:    DefaultRetryPolicy(),
		FileSize: OSFileSize,
	}
}

// syncer implements the Syncer interface.
type syncer struct {
	store  Store
	remote Remote
	merger *merge.Merger
	config Config
	logger *log.Logger
}

// New creates a Syncer over a local store and a remote client.
//
// A nil config uses DefaultConfig. The store must already have its
// schema initialized.
//
// Example:
//
//	database, err := db.Open("~/.sparksync/sparksync.db")
//	if err != nil {
//	    return err
//	}
//	client, err := remote.NewClient(remoteCfg, tokens)
//	if err != nil {
//	    return err
//	}
//	s, err := sync.New(database, client, &sync.Config{UserID: uid, Policy: merge.DefaultPolicy()})
func New(store Store, client Remote, config *Config) (Syncer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.FileSize == nil {
		cfg.FileSize = OSFileSize
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	exists := func(path string) bool {
		_, ok := cfg.FileSize(path)
		return ok
	}

	return &syncer{
		store:  store,
		remote: client,
		merger: merge.New(cfg.Policy, exists, logger),
		config: cfg,
		logger: logger,
	}, nil
}

// Policy implements Syncer.Policy.
func (s *syncer) Policy() merge.Policy {
	return s.merger.Policy()
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersist, op, err)
}
