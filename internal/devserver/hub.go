package devserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/sparkchat/sparksync/internal/auth"
	"github.com/sparkchat/sparksync/internal/realtime"
)

// subscription is one joined channel of a client.
type subscription struct {
	table  string
	userID string
}

// hubClient is one websocket connection.
type hubClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	topics map[string]subscription
}

func (c *hubClient) send(ctx context.Context, f realtime.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// hub fans row changes out to realtime subscribers.
type hub struct {
	secret string
	apiKey string
	logger *log.Logger

	clients   map[*hubClient]bool
	clientsMu sync.RWMutex

	broadcast chan rowChange
	changeID  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHub(secret, apiKey string, logger *log.Logger) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &hub{
		secret:    secret,
		apiKey:    apiKey,
		logger:    logger,
		clients:   make(map[*hubClient]bool),
		broadcast: make(chan rowChange, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// publish queues changes for delivery. Changes are dropped when the
// queue is full.
func (h *hub) publish(changes []rowChange) {
	for _, c := range changes {
		select {
		case h.broadcast <- c:
		case <-h.ctx.Done():
			return
		default:
			h.logger.Println("Warning: broadcast channel full, dropping change")
		}
	}
}

func (h *hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case change := <-h.broadcast:
			record, err := json.Marshal(change.record)
			if err != nil {
				h.logger.Printf("Failed to marshal change: %v", err)
				continue
			}
			c := realtime.Change{
				Schema:          "public",
				Table:           change.table,
				Type:            change.typ,
				CommitTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
			}
			if change.typ == "DELETE" {
				c.OldRecord = record
			} else {
				c.Record = record
			}
			id := h.changeID.Add(1)

			h.clientsMu.RLock()
			clients := make([]*hubClient, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.clientsMu.RUnlock()

			for _, client := range clients {
				for _, topic := range client.matching(change.table, change.userID) {
					c.Topic = topic
					f, err := realtime.NewFrame(topic, realtime.EventPostgresChanges, "", realtime.ChangePayload{Data: c, IDs: []uint64{id}})
					if err != nil {
						continue
					}
					if err := client.send(h.ctx, f); err != nil {
						h.logger.Printf("Failed to send to client: %v", err)
						h.removeClient(client)
						break
					}
				}
			}
		}
	}
}

func (c *hubClient) matching(table, userID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var topics []string
	for topic, sub := range c.topics {
		if sub.table == table && sub.userID == userID {
			topics = append(topics, topic)
		}
	}
	return topics
}

// handleWebSocket serves the realtime endpoint until the client leaves.
func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" && r.URL.Query().Get("apikey") != h.apiKey {
		http.Error(w, `{"message":"invalid apikey"}`, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	client := &hubClient{conn: conn, topics: make(map[string]subscription)}
	h.clientsMu.Lock()
	h.clients[client] = true
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("Realtime client connected (total: %d)", clientCount)
	h.readLoop(client)
}

func (h *hub) readLoop(client *hubClient) {
	defer h.removeClient(client)

	for {
		_, data, err := client.conn.Read(h.ctx)
		if err != nil {
			return
		}
		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Event {
		case realtime.EventHeartbeat:
			h.reply(client, f, realtime.ReplyOK, struct{}{})
		case realtime.EventJoin:
			h.join(client, f)
		case realtime.EventLeave:
			client.mu.Lock()
			delete(client.topics, f.Topic)
			client.mu.Unlock()
			h.reply(client, f, realtime.ReplyOK, struct{}{})
		case realtime.EventAccessToken:
			var p struct {
				AccessToken string `json:"access_token"`
			}
			_ = json.Unmarshal(f.Payload, &p)
			userID, err := auth.Verify(h.secret, p.AccessToken)
			if err != nil {
				continue
			}
			client.mu.Lock()
			if sub, ok := client.topics[f.Topic]; ok {
				sub.userID = userID
				client.topics[f.Topic] = sub
			}
			client.mu.Unlock()
		}
	}
}

func (h *hub) join(client *hubClient, f realtime.Frame) {
	var p realtime.JoinPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		h.reply(client, f, realtime.ReplyError, map[string]string{"reason": "malformed join payload"})
		return
	}
	userID, err := auth.Verify(h.secret, p.AccessToken)
	if err != nil {
		h.reply(client, f, realtime.ReplyError, map[string]string{"reason": "invalid access token"})
		return
	}
	if len(p.Config.PostgresChanges) != 1 {
		h.reply(client, f, realtime.ReplyError, map[string]string{"reason": "exactly one postgres_changes filter is supported"})
		return
	}
	filter := p.Config.PostgresChanges[0]
	if _, ok := columns[filter.Table]; !ok {
		h.reply(client, f, realtime.ReplyError, map[string]string{"reason": "unknown table " + strconv.Quote(filter.Table)})
		return
	}

	client.mu.Lock()
	client.topics[f.Topic] = subscription{table: filter.Table, userID: userID}
	client.mu.Unlock()

	h.reply(client, f, realtime.ReplyOK, map[string]any{
		"postgres_changes": []realtime.ChangeFilter{filter},
	})
	h.logger.Printf("Realtime join: %s (table %s)", f.Topic, filter.Table)
}

func (h *hub) reply(client *hubClient, f realtime.Frame, status string, response any) {
	resp, _ := json.Marshal(response)
	out, err := realtime.NewFrame(f.Topic, realtime.EventReply, f.Ref, realtime.ReplyPayload{Status: status, Response: resp})
	if err != nil {
		return
	}
	out.JoinRef = f.JoinRef
	if err := client.send(h.ctx, out); err != nil {
		h.removeClient(client)
	}
}

func (h *hub) removeClient(client *hubClient) {
	h.clientsMu.Lock()
	if _, exists := h.clients[client]; exists {
		delete(h.clients, client)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		_ = client.conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Realtime client disconnected (total: %d)", clientCount)
	} else {
		h.clientsMu.Unlock()
	}
}

func (h *hub) clientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// close disconnects every client and stops the broadcast loop.
func (h *hub) close() {
	h.cancel()

	h.clientsMu.Lock()
	for client := range h.clients {
		_ = client.conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, client)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}
