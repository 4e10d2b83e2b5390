package devserver

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/sparkchat/sparksync/internal/auth"
)

const (
	ctxUserID    = "user_id"
	ctxRequestID = "request_id"

	headerRequestID = "X-Request-ID"
)

// preferences is the parsed Prefer header.
type preferences struct {
	mergeDuplicates bool
	representation  bool
	minimal         bool
}

func parsePrefer(values []string) preferences {
	var p preferences
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			switch strings.TrimSpace(part) {
			case "resolution=merge-duplicates":
				p.mergeDuplicates = true
			case "return=representation":
				p.representation = true
			case "return=minimal":
				p.minimal = true
			}
		}
	}
	return p
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(s.logRequests())

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "PGRST404", "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, "PGRST405", "method not allowed")
	})

	r.GET("/health", s.handleHealth)

	rest := r.Group("/rest/v1")
	rest.Use(s.authRequired())
	rest.GET("/:table", s.handleSelect)
	rest.POST("/:table", s.handleUpsert)
	rest.DELETE("/:table", s.handleDelete)
	return r
}

// requestID tags every request with a ULID, reusing the caller's id if
// one was sent.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Printf("%s %s %d (%v) [%s]", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Round(time.Microsecond), c.GetString(ctxRequestID))
	}
}

// authRequired checks the apikey header and the bearer token, and stores
// the token's subject as the request's user.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.apiKey != "" && c.GetHeader("apikey") != s.apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid API key"})
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing bearer token"})
			return
		}
		userID, err := auth.Verify(s.secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	convs, msgs, err := s.store.Counts(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "PGRST500", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"clients":       s.hub.clientCount(),
		"conversations": convs,
		"messages":      msgs,
	})
}

func (s *Server) handleSelect(c *gin.Context) {
	table := c.Param("table")
	q, err := ParseQuery(table, c.Request.URL.Query())
	if err != nil {
		failErr(c, err)
		return
	}
	rows, err := s.store.Select(c.Request.Context(), table, c.GetString(ctxUserID), q)
	if err != nil {
		failErr(c, err)
		return
	}
	out, err := q.project(rows)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleUpsert(c *gin.Context) {
	table := c.Param("table")
	if _, ok := columns[table]; !ok {
		failErr(c, fmt.Errorf("%w: unknown table %q", ErrBadRequest, table))
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		failErr(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	prefer := parsePrefer(c.Request.Header.Values("Prefer"))
	userID := c.GetString(ctxUserID)
	ctx := c.Request.Context()

	var changes []rowChange
	switch table {
	case tableConversations:
		var rows []conversationIn
		if err := decodeRows(body, &rows); err != nil {
			failErr(c, err)
			return
		}
		changes, err = s.store.UpsertConversations(ctx, userID, rows, prefer.mergeDuplicates)
	case tableMessages:
		var rows []messageIn
		if err := decodeRows(body, &rows); err != nil {
			failErr(c, err)
			return
		}
		changes, err = s.store.UpsertMessages(ctx, userID, rows, prefer.mergeDuplicates)
	}
	if err != nil {
		failErr(c, err)
		return
	}
	s.hub.publish(changes)

	if prefer.representation {
		c.JSON(http.StatusCreated, records(changes))
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) handleDelete(c *gin.Context) {
	table := c.Param("table")
	q, err := ParseQuery(table, c.Request.URL.Query())
	if err != nil {
		failErr(c, err)
		return
	}
	changes, err := s.store.Delete(c.Request.Context(), table, c.GetString(ctxUserID), q)
	if err != nil {
		failErr(c, err)
		return
	}
	s.hub.publish(changes)

	if parsePrefer(c.Request.Header.Values("Prefer")).minimal {
		c.Status(http.StatusNoContent)
		return
	}
	var deleted []any
	for _, ch := range changes {
		if ch.table == table {
			deleted = append(deleted, ch.record)
		}
	}
	if deleted == nil {
		deleted = []any{}
	}
	c.JSON(http.StatusOK, deleted)
}

// decodeRows accepts either a single JSON object or an array of them.
func decodeRows[T any](body []byte, out *[]T) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrBadRequest)
	}
	if body[0] == '{' {
		var one T
		if err := json.Unmarshal(body, &one); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		*out = []T{one}
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func records(changes []rowChange) []any {
	out := make([]any, len(changes))
	for i, ch := range changes {
		out[i] = ch.record
	}
	return out
}

func toMap(row any) (map[string]any, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		fail(c, http.StatusBadRequest, "PGRST100", err.Error())
	case errors.Is(err, ErrForbidden):
		fail(c, http.StatusForbidden, "42501", err.Error())
	case errors.Is(err, ErrConflict):
		fail(c, http.StatusConflict, "23505", err.Error())
	default:
		fail(c, http.StatusInternalServerError, "PGRST500", err.Error())
	}
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}
