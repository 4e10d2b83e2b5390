// Package loadtest drives the sync engine against an in-process
// development backend.
//
// It measures push and pull latency through the daemon's operation queue
// and checks that operations from many concurrent producers run one at a
// time, each producer's operations in the order it enqueued them.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sparkchat/sparksync/internal/auth"
	"github.com/sparkchat/sparksync/internal/daemon"
	"github.com/sparkchat/sparksync/internal/db"
	"github.com/sparkchat/sparksync/internal/devserver"
	"github.com/sparkchat/sparksync/internal/queue"
	"github.com/sparkchat/sparksync/internal/remote"
	"github.com/sparkchat/sparksync/internal/schema"
	engine "github.com/sparkchat/sparksync/internal/sync"
)

const (
	loadSecret = "loadtest-secret"
	loadUser   = "loadtest-user"
)

// Environment is a dev backend plus one fully wired client.
type Environment struct {
	Server *devserver.Server
	DB     *db.DB
	Syncer engine.Syncer
	Daemon *daemon.Daemon

	ConversationIDs []string
}

// LatencyStats captures performance metrics from a run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration
}

// NewEnvironment starts a dev backend on a free port with its database in
// dir, and wires a local store, remote client, syncer and daemon against
// it. logger may be nil to discard engine logs.
func NewEnvironment(dir string, logger *log.Logger) (*Environment, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	server, err := devserver.NewServer(&devserver.Config{
		Port:      0,
		DSN:       filepath.Join(dir, "backend.db"),
		JWTSecret: loadSecret,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend: %w", err)
	}

	env := &Environment{Server: server}
	if err := env.wire(dir, logger); err != nil {
		_ = env.Close()
		return nil, err
	}
	return env, nil
}

func (e *Environment) wire(dir string, logger *log.Logger) error {
	database, err := db.Open(filepath.Join(dir, "local.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	e.DB = database
	if err := database.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	token, err := auth.Mint(loadSecret, loadUser, 24*time.Hour)
	if err != nil {
		return err
	}
	client, err := remote.NewClient(&remote.Config{
		BaseURL:   e.Server.URL(),
		RateLimit: -1,
		Logger:    logger,
	}, auth.StaticToken(token))
	if err != nil {
		return err
	}

	cfg := engine.DefaultConfig()
	cfg.UserID = loadUser
	cfg.Logger = logger
	e.Syncer, err = engine.New(database, client, cfg)
	if err != nil {
		return err
	}

	e.Daemon, err = daemon.NewWithConfig(database, e.Syncer, nil, &daemon.Config{
		PollInterval: time.Hour,
		Logger:       logger,
	})
	return err
}

// Close drains the daemon and shuts everything down.
func (e *Environment) Close() error {
	if e.Daemon != nil {
		_ = e.Daemon.Close()
	}
	if e.DB != nil {
		_ = e.DB.Close()
	}
	return e.Server.Stop()
}

// Seed creates conversations locally, each with messagesPer alternating
// user/assistant messages, and pushes them all to the backend.
func (e *Environment) Seed(ctx context.Context, conversations, messagesPer int) error {
	base := time.Now().Add(-30 * 24 * time.Hour).UTC().Truncate(time.Millisecond)
	for i := 0; i < conversations; i++ {
		conv := &schema.Conversation{
			ID:        schema.NewID(),
			Title:     fmt.Sprintf("Conversation %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		for j := 0; j < messagesPer; j++ {
			role := schema.RoleUser
			if j%2 == 1 {
				role = schema.RoleAssistant
			}
			conv.Messages = append(conv.Messages, &schema.Message{
				ID:             schema.NewID(),
				ConversationID: conv.ID,
				Role:           role,
				Content:        fmt.Sprintf("message %d of conversation %d", j, i),
				Timestamp:      conv.CreatedAt.Add(time.Duration(j) * time.Second),
			})
		}
		if err := e.DB.SaveConversation(ctx, conv); err != nil {
			return fmt.Errorf("failed to save conversation %d: %w", i, err)
		}
		e.ConversationIDs = append(e.ConversationIDs, conv.ID)
	}

	if _, err := e.Daemon.PushAllNow(ctx); err != nil {
		return fmt.Errorf("failed to push seed data: %w", err)
	}
	return nil
}

// RunConcurrentPushes has producers goroutines each push perProducer
// seeded conversations through the daemon, and reports per-push latency
// including time spent waiting in the queue.
func (e *Environment) RunConcurrentPushes(ctx context.Context, producers, perProducer int) (*LatencyStats, error) {
	if len(e.ConversationIDs) == 0 {
		return nil, fmt.Errorf("no conversations seeded")
	}
	var ops atomic.Int64
	return runConcurrent(producers, perProducer, func(producer, j int) error {
		id := e.ConversationIDs[int(ops.Add(1))%len(e.ConversationIDs)]
		return e.Daemon.PushNow(ctx, id)
	})
}

// RunPulls runs n pull-and-merge passes one after another.
func (e *Environment) RunPulls(ctx context.Context, n int) (*LatencyStats, error) {
	return runConcurrent(1, n, func(int, int) error {
		_, err := e.Daemon.PullNow(ctx)
		return err
	})
}

func runConcurrent(producers, perProducer int, op func(producer, j int) error) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, producers)
	errorsChan := make(chan error, producers*perProducer)

	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, perProducer)
			for j := 0; j < perProducer; j++ {
				start := time.Now()
				err := op(producer, j)
				durations = append(durations, time.Since(start))
				if err != nil {
					errorsChan <- fmt.Errorf("producer %d op %d failed: %w", producer, j, err)
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	var firstErr error
	errorCount := 0
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}
	if len(all) > 0 && errorCount == len(all) {
		return nil, fmt.Errorf("no operation succeeded: %w", firstErr)
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyOrdering has producers goroutines each enqueue perProducer
// operations on q concurrently. It fails if two operations ever overlap
// or if any producer's operations run out of the order it enqueued them.
func VerifyOrdering(q *queue.Queue, producers, perProducer int) error {
	var (
		mu       sync.Mutex
		running  atomic.Int32
		overlaps atomic.Int32
		lastSeen = make([]int, producers)
		errs     []error
	)
	for i := range lastSeen {
		lastSeen[i] = -1
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			var last chan error
			for j := 0; j < perProducer; j++ {
				seq := j
				done := make(chan error, 1)
				err := q.Enqueue(func(context.Context) error {
					if running.Add(1) != 1 {
						overlaps.Add(1)
					}
					defer running.Add(-1)

					mu.Lock()
					if lastSeen[producer] != seq-1 {
						errs = append(errs, fmt.Errorf("producer %d: op %d ran after op %d", producer, seq, lastSeen[producer]))
					}
					lastSeen[producer] = seq
					mu.Unlock()

					done <- nil
					return nil
				})
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("producer %d: enqueue %d: %w", producer, seq, err))
					mu.Unlock()
					return
				}
				last = done
			}
			if last != nil {
				<-last
			}
		}(p)
	}
	wg.Wait()

	if n := overlaps.Load(); n > 0 {
		return fmt.Errorf("%d operations overlapped", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(errs) > 0 {
		return errs[0]
	}
	for p, seq := range lastSeen {
		if seq != perProducer-1 {
			return fmt.Errorf("producer %d: last op %d, want %d", p, seq, perProducer-1)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(durations),
		Durations:  sorted,
	}
}

// Print writes the statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
