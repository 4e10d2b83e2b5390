// Package devserver is a small PostgREST-compatible backend for local
// development and end-to-end tests.
//
// It serves /rest/v1/conversations and /rest/v1/messages with the
// subset of PostgREST the sync engine uses, and a Supabase-style
// realtime websocket at /realtime/v1/websocket that pushes a
// postgres_changes frame for every row written through the REST API.
// Rows are scoped to the subject of the caller's HS256 bearer token.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const realtimePath = "/realtime/v1/websocket"

// Server is the development backend.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store   *Store
	hub     *hub
	engine  *gin.Engine
	handler http.Handler

	secret string
	apiKey string

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 54321, 0 picks a free port)
	Port int

	// Driver is sqlite, mysql or postgres (default: sqlite)
	Driver string

	// DSN for Driver (default: in-memory sqlite)
	DSN string

	// JWTSecret verifies bearer tokens. Required.
	JWTSecret string

	// APIKey, when set, must be sent as the apikey header or query
	// parameter.
	APIKey string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   54321,
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: log.Default(),
	}
}

// NewServer opens the database and builds the server. Call Start to
// begin listening, or use Handler directly.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.JWTSecret == "" {
		return nil, errors.New("devserver: JWTSecret is required")
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.DSN == "" {
		config.DSN = DefaultConfig().DSN
	}

	db, err := OpenDB(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}

	s := &Server{
		addr:   fmt.Sprintf(":%d", config.Port),
		store:  store,
		hub:    newHub(config.JWTSecret, config.APIKey, config.Logger),
		secret: config.JWTSecret,
		apiKey: config.APIKey,
		logger: config.Logger,
	}
	s.engine = s.routes()

	// The realtime endpoint bypasses gin: its response writer refuses the
	// hijack after the 101 status is written.
	mux := http.NewServeMux()
	mux.HandleFunc(realtimePath, s.hub.handleWebSocket)
	mux.Handle("/", s.engine)
	s.handler = mux
	return s, nil
}

// Handler returns the HTTP handler serving both REST and realtime.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Printf("Dev server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects realtime clients and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dev server")

	s.hub.close()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.logger.Println("Dev server stopped")
	return nil
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the base URL clients should use.
func (s *Server) URL() string {
	host, port, err := net.SplitHostPort(s.GetAddr())
	if err != nil {
		return "http://" + s.GetAddr()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// ClientCount returns the current number of realtime clients
func (s *Server) ClientCount() int {
	return s.hub.clientCount()
}
