package main

import (
	"context"
	"fmt"

	"github.com/sparkchat/sparksync/internal/auth"
	"github.com/sparkchat/sparksync/internal/daemon"
	"github.com/sparkchat/sparksync/internal/db"
	"github.com/sparkchat/sparksync/internal/realtime"
	"github.com/sparkchat/sparksync/internal/remote"
	engine "github.com/sparkchat/sparksync/internal/sync"
)

// stack is the wired sync engine for one command invocation.
type stack struct {
	db       *db.DB
	syncer   engine.Syncer
	daemon   *daemon.Daemon
	listener *realtime.Listener
	tokens   remote.TokenSource
	watcher  *auth.FileTokenSource
}

// tokenSource picks the configured bearer token: a watched token file, a
// literal token, or none (the API key is used instead).
func tokenSource() (remote.TokenSource, *auth.FileTokenSource, error) {
	switch {
	case cfg.TokenFile != "":
		fs, err := auth.NewFileTokenSource(cfg.TokenFile, sink.New("auth"))
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	case cfg.Token != "":
		return auth.StaticToken(cfg.Token), nil, nil
	}
	return nil, nil, nil
}

// openStack validates the configuration and wires db, remote client,
// syncer and daemon. With withRealtime the daemon also gets a realtime
// listener; one-shot commands leave it out and never start the daemon.
func openStack(withRealtime bool) (*stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	policy, err := cfg.MergePolicy()
	if err != nil {
		return nil, err
	}

	tokens, watcher, err := tokenSource()
	if err != nil {
		return nil, err
	}

	userID := cfg.UserID
	if userID == "" && tokens != nil {
		if tok, err := tokens.Token(context.Background()); err == nil {
			userID, _ = auth.UserIDFromToken(tok)
		}
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(); err != nil {
		database.Close()
		return nil, err
	}

	client, err := remote.NewClient(&remote.Config{
		BaseURL:   cfg.URL,
		RestPath:  cfg.RestPath,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Logger:    sink.New("remote"),
	}, tokens)
	if err != nil {
		database.Close()
		return nil, err
	}

	syncer, err := engine.New(database, client, &engine.Config{
		UserID:   userID,
		Policy:   policy,
		Retry:    engine.RetryPolicy{Attempts: cfg.Retry.Attempts, Delay: cfg.Retry.Delay},
		FileSize: engine.OSFileSize,
		Logger:   sink.New("sync"),
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	s := &stack{db: database, syncer: syncer, tokens: tokens, watcher: watcher}

	// The listener callback needs the daemon, which needs the listener.
	var d *daemon.Daemon
	var rt daemon.Realtime
	if withRealtime {
		s.listener, err = realtime.New(&realtime.Config{
			URL:    cfg.RealtimeURL,
			APIKey: cfg.APIKey,
			Logger: sink.New("realtime"),
		}, tokens, func(c realtime.Change) {
			if d != nil {
				d.HandleChange(c)
			}
		})
		if err != nil {
			database.Close()
			return nil, err
		}
		rt = s.listener
	}

	d, err = daemon.NewWithConfig(database, syncer, rt, &daemon.Config{
		PollInterval: cfg.PollInterval,
		Logger:       sink.New("daemon"),
	})
	if err != nil {
		database.Close()
		return nil, err
	}
	s.daemon = d
	return s, nil
}

// Close drains the queue and closes the database.
func (s *stack) Close() {
	_ = s.daemon.Close()
	if s.watcher != nil && s.watcher.IsRunning() {
		_ = s.watcher.Stop()
	}
	_ = s.db.Close()
}
