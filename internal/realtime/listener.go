package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrAlreadySubscribed is returned by Subscribe while subscribed.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrNotSubscribed is returned by Unsubscribe while unsubscribed.
	ErrNotSubscribed = errors.New("not subscribed")

	// ErrJoinRejected is returned when the server refuses a channel join.
	ErrJoinRejected = errors.New("channel join rejected")

	// ErrHeartbeatTimeout is returned when a heartbeat goes unanswered
	// for a full interval.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// TokenSource supplies the access token sent with each join.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds listener configuration.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/realtime/v1/websocket.
	URL string

	// APIKey is sent as the apikey query parameter. It doubles as the
	// access token when no TokenSource is given.
	APIKey string

	// Tables to watch (default: conversations, messages)
	Tables []string

	// Schema of the watched tables (default: public)
	Schema string

	// HeartbeatInterval between connection heartbeats (default: 25s)
	HeartbeatInterval time.Duration

	// DialTimeout bounds the websocket handshake (default: 10s)
	DialTimeout time.Duration

	// ReconnectMin and ReconnectMax bound the reconnect backoff
	// (default: 1s and 30s)
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Logger for listener activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns the default listener configuration.
func DefaultConfig() *Config {
	return &Config{
		Tables:            []string{"conversations", "messages"},
		Schema:            "public",
		HeartbeatInterval: 25 * time.Second,
		DialTimeout:       10 * time.Second,
		ReconnectMin:      time.Second,
		ReconnectMax:      30 * time.Second,
	}
}

// Listener keeps one websocket connection with a channel per table and
// reconnects with backoff when the connection drops.
type Listener struct {
	config   Config
	endpoint string
	tokens   TokenSource
	onChange func(Change)
	logger   *log.Logger

	ref     atomic.Uint64
	changes atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	current *session
}

// New creates a Listener. onChange is called from the listener's read
// goroutine for every change and must not block.
func New(config *Config, tokens TokenSource, onChange func(Change)) (*Listener, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	def := DefaultConfig()
	if len(cfg.Tables) == 0 {
		cfg.Tables = def.Tables
	}
	if cfg.Schema == "" {
		cfg.Schema = def.Schema
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(def.ReconnectMax, cfg.ReconnectMin)
	}
	if onChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}

	endpoint, err := buildEndpoint(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}

	return &Listener{
		config:   cfg,
		endpoint: endpoint,
		tokens:   tokens,
		onChange: onChange,
		logger:   logger,
	}, nil
}

func buildEndpoint(raw, apiKey string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("realtime URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime URL scheme %q", u.Scheme)
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe connects and joins one channel per table in the background.
// It returns without waiting for the joins; failures are logged and
// retried with backoff. Every reconnect starts from a fresh connection, so
// channels from a dropped connection never linger.
func (l *Listener) Subscribe() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadySubscribed
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go l.run(ctx, done)
	return nil
}

// Unsubscribe leaves all channels, closes the connection and waits for
// the background goroutine to exit.
func (l *Listener) Unsubscribe() error {
	if !l.teardown() {
		return ErrNotSubscribed
	}
	l.logger.Println("Unsubscribed")
	return nil
}

// Subscribed reports whether the listener is running.
func (l *Listener) Subscribed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Joined returns the number of channels currently joined.
func (l *Listener) Joined() int {
	l.mu.Lock()
	s := l.current
	l.mu.Unlock()
	if s == nil {
		return 0
	}
	return len(s.joinedTopics())
}

// Changes returns the number of changes delivered so far.
func (l *Listener) Changes() int64 {
	return l.changes.Load()
}

// UpdateToken pushes a new access token to every joined channel.
func (l *Listener) UpdateToken(ctx context.Context, token string) error {
	l.mu.Lock()
	s := l.current
	l.mu.Unlock()
	if s == nil {
		return nil
	}
	for _, topic := range s.joinedTopics() {
		f, err := NewFrame(topic, EventAccessToken, l.nextRef(), map[string]string{"access_token": token})
		if err != nil {
			return err
		}
		if err := s.send(ctx, f); err != nil {
			return fmt.Errorf("failed to update token on %s: %w", topic, err)
		}
	}
	return nil
}

func (l *Listener) teardown() bool {
	l.mu.Lock()
	cancel, done, s := l.cancel, l.done, l.current
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return false
	}
	if s != nil {
		s.leave(l)
	}
	cancel()
	<-done
	return true
}

func (l *Listener) nextRef() string {
	return strconv.FormatUint(l.ref.Add(1), 10)
}

func (l *Listener) setCurrent(s *session) {
	l.mu.Lock()
	l.current = s
	l.mu.Unlock()
}

// run reconnects until ctx is cancelled. Backoff doubles per failed
// attempt and resets once a session manages to join.
func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := l.config.ReconnectMin
	for {
		joined, err := l.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if joined {
			backoff = l.config.ReconnectMin
		}
		l.logger.Printf("Connection lost: %v (reconnecting in %v)", err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, l.config.ReconnectMax)
	}
}

// connect runs one websocket session. joined reports whether at least
// one channel was joined before it ended.
func (l *Listener) connect(ctx context.Context) (joined bool, err error) {
	token := l.config.APIKey
	if l.tokens != nil {
		if token, err = l.tokens.Token(ctx); err != nil {
			return false, fmt.Errorf("failed to get access token: %w", err)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, l.config.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.endpoint, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	s := newSession(conn)
	l.setCurrent(s)
	defer func() {
		l.setCurrent(nil)
		_ = conn.CloseNow()
	}()

	sctx, scancel := context.WithCancel(ctx)
	defer scancel()

	pending := make(map[string]string, len(l.config.Tables))
	for _, table := range l.config.Tables {
		topic := Topic(table)
		ref := l.nextRef()
		f, err := NewFrame(topic, EventJoin, ref, JoinPayload{
			Config: JoinConfig{PostgresChanges: []ChangeFilter{
				{Event: ChangeAll, Schema: l.config.Schema, Table: table},
			}},
			AccessToken: token,
		})
		if err != nil {
			return false, err
		}
		f.JoinRef = ref
		if err := s.send(sctx, f); err != nil {
			return false, fmt.Errorf("failed to join %s: %w", topic, err)
		}
		pending[ref] = topic
	}

	hbErr := make(chan error, 1)
	go l.heartbeat(sctx, s, hbErr)

	for {
		_, data, err := conn.Read(sctx)
		if err != nil {
			select {
			case herr := <-hbErr:
				return s.joinedCount() > 0, herr
			default:
			}
			return s.joinedCount() > 0, fmt.Errorf("read failed: %w", err)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			l.logger.Printf("Ignoring malformed frame: %v", err)
			continue
		}

		switch f.Event {
		case EventReply:
			if f.Topic == TopicPhoenix {
				s.ackHeartbeat(f.Ref)
				continue
			}
			topic, ok := pending[f.Ref]
			if !ok {
				continue
			}
			delete(pending, f.Ref)

			var reply ReplyPayload
			_ = json.Unmarshal(f.Payload, &reply)
			if reply.Status != ReplyOK {
				return s.joinedCount() > 0, fmt.Errorf("%w: %s: %s", ErrJoinRejected, topic, reply.Response)
			}
			s.markJoined(topic)
			l.logger.Printf("Subscribed to %s", topic)

		case EventPostgresChanges:
			change, err := DecodeChange(f)
			if err != nil {
				l.logger.Printf("Ignoring malformed change on %s: %v", f.Topic, err)
				continue
			}
			l.changes.Add(1)
			l.onChange(change)

		case EventError, EventClose:
			return s.joinedCount() > 0, fmt.Errorf("channel %s closed by server (%s)", f.Topic, f.Event)
		}
	}
}

func (l *Listener) heartbeat(ctx context.Context, s *session, errc chan<- error) {
	ticker := time.NewTicker(l.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.awaitingHeartbeat() {
				errc <- ErrHeartbeatTimeout
				_ = s.conn.CloseNow()
				return
			}
			ref := l.nextRef()
			f, _ := NewFrame(TopicPhoenix, EventHeartbeat, ref, nil)
			s.expectHeartbeat(ref)
			if err := s.send(ctx, f); err != nil {
				errc <- fmt.Errorf("heartbeat failed: %w", err)
				_ = s.conn.CloseNow()
				return
			}
		}
	}
}

// session is the state of one websocket connection.
type session struct {
	conn *websocket.Conn

	mu     sync.Mutex
	joined []string
	hbRef  string
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn}
}

func (s *session) send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) markJoined(topic string) {
	s.mu.Lock()
	s.joined = append(s.joined, topic)
	s.mu.Unlock()
}

func (s *session) joinedTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joined...)
}

func (s *session) joinedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joined)
}

func (s *session) expectHeartbeat(ref string) {
	s.mu.Lock()
	s.hbRef = ref
	s.mu.Unlock()
}

func (s *session) awaitingHeartbeat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hbRef != ""
}

func (s *session) ackHeartbeat(ref string) {
	s.mu.Lock()
	if s.hbRef == ref {
		s.hbRef = ""
	}
	s.mu.Unlock()
}

// leave sends phx_leave on every joined channel and closes the
// connection. Errors are ignored; the connection is going away anyway.
func (s *session) leave(l *Listener) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, topic := range s.joinedTopics() {
		if f, err := NewFrame(topic, EventLeave, l.nextRef(), nil); err == nil {
			_ = s.send(ctx, f)
		}
	}
	_ = s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
}
