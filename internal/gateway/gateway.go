// Package gateway multiplexes persistent websocket connections over the
// event bus. Subscriptions are per-connection and in-memory only: a
// reconnecting client must re-issue its subscribe calls.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/bus"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Must be less than pongWait so pings go out before the deadline hits.
	pingPeriod = 54 * time.Second
	// How long an unauthenticated connection may sit before being dropped.
	authWait       = 15 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Gateway upgrades HTTP requests and relays bus events to subscribed
// connections.
type Gateway struct {
	bus      *bus.Bus
	auth     Authenticator
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(b *bus.Bus, auth Authenticator, logger *slog.Logger) *Gateway {
	return &Gateway{
		bus:    b,
		auth:   auth,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients come from the app's own origin; API clients
			// send no Origin header at all.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP is the websocket endpoint.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &connection{
		gateway: g,
		ws:      ws,
		send:    make(chan serverMessage, sendBuffer),
		subs:    make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
		logger:  g.logger.With("remote", r.RemoteAddr),
	}

	go c.writePump()
	c.readPump()
}

// connection is one client. All subscription state lives here and dies with
// the connection.
type connection struct {
	gateway *Gateway
	ws      *websocket.Conn
	send    chan serverMessage
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu            sync.Mutex
	subs          map[string]context.CancelFunc
	identity      Identity
	authenticated bool
}

func (c *connection) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(authWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("websocket closed unexpectedly", "error", err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *connection) handle(msg clientMessage) {
	if msg.Type == msgAuthenticate {
		c.authenticate(msg.Token)
		return
	}

	c.mu.Lock()
	authed := c.authenticated
	identity := c.identity
	c.mu.Unlock()
	if !authed {
		c.reply(msgAuthError, "authenticate first")
		return
	}

	switch msg.Type {
	case msgSubscribeTask:
		if msg.TaskID == nil {
			c.reply(msgError, "task_id is required")
			return
		}
		c.subscribe(bus.JobTopic(*msg.TaskID))
	case msgUnsubscribeTask:
		if msg.TaskID == nil {
			c.reply(msgError, "task_id is required")
			return
		}
		c.unsubscribe(bus.JobTopic(*msg.TaskID))
	case msgSubscribeStory:
		if msg.StoryID == nil {
			c.reply(msgError, "story_id is required")
			return
		}
		c.subscribe(bus.StoryTopic(*msg.StoryID))
	case msgSubscribeAdmin:
		if !identity.Admin {
			c.reply(msgError, "admin scope required")
			return
		}
		c.subscribe(bus.AdminJobsTopic)
	default:
		c.reply(msgError, "unknown message type")
	}
}

func (c *connection) authenticate(token string) {
	identity, err := c.gateway.auth.Authenticate(c.ctx, token)
	if err != nil {
		c.reply(msgAuthError, "invalid credentials")
		return
	}

	c.mu.Lock()
	c.identity = identity
	c.authenticated = true
	c.mu.Unlock()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.reply(msgAuthenticated, nil)
	c.logger.Info("websocket authenticated", "owner_id", identity.OwnerID, "admin", identity.Admin)
}

// subscribe attaches the connection to a bus topic. Memberships are additive
// and independently revocable; duplicates are no-ops.
func (c *connection) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[topic]; ok {
		return
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	events, err := c.gateway.bus.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		c.logger.Error("bus subscribe failed", "topic", topic, "error", err)
		c.reply(msgError, "subscription failed")
		return
	}
	c.subs[topic] = cancel

	go func() {
		for ev := range events {
			c.forward(topic, ev)
		}
	}()
}

func (c *connection) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.subs[topic]; ok {
		cancel()
		delete(c.subs, topic)
	}
}

// forward converts a bus event into the typed wire message for this
// connection. The wire shape follows the subscribed topic, not the event:
// a story subscriber gets the story view, while job and admin subscribers
// keep the full task view even for story-bound jobs. A full send buffer
// drops the event; polling covers the gap.
func (c *connection) forward(topic string, ev models.JobEvent) {
	msg := serverMessage{
		Type:      msgTaskUpdate,
		Timestamp: ev.Timestamp,
		Data: taskUpdate{
			JobID:       ev.JobID,
			Kind:        ev.Kind,
			Status:      ev.Status,
			Progress:    &ev.Progress,
			CurrentStep: ev.CurrentStep,
			Error:       ev.Error,
			NextRetryAt: ev.NextRetryAt,
		},
	}
	if bus.IsStoryTopic(topic) && ev.StoryID != nil {
		msg = serverMessage{
			Type:      msgStoryUpdate,
			Timestamp: ev.Timestamp,
			Data:      storyUpdate{StoryID: *ev.StoryID, Status: ev.Status},
		}
	}

	select {
	case c.send <- msg:
	default:
		c.logger.Warn("dropping event, send buffer full", "job_id", ev.JobID)
	}
}

func (c *connection) reply(msgType string, data any) {
	select {
	case c.send <- serverMessage{Type: msgType, Data: data, Timestamp: time.Now().UTC()}:
	default:
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// close tears the connection down, dropping every subscription with it.
func (c *connection) close() {
	c.cancel()
	c.mu.Lock()
	for topic, cancel := range c.subs {
		cancel()
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	c.ws.Close()
}
