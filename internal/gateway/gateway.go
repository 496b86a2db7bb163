// Package gateway owns websocket connection lifecycle: the auth handshake,
// heartbeats, single-session-per-user enforcement and durable offline event
// queues replayed on reconnect.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/fireside/internal/config"
	"github.com/antoniostano/fireside/internal/observability"
	"github.com/antoniostano/fireside/internal/protocol"
	"github.com/antoniostano/fireside/internal/store"
)

var (
	ErrInvalidToken     = errors.New("invalid or expired auth token")
	ErrNotAuthenticated = errors.New("connection is not authenticated")
)

// Conn wraps one websocket connection. Writes are serialized through a mutex
// because gorilla/websocket permits only one concurrent writer.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	id       string
	userID   string
	userName string
	authed   bool
}

// ID returns the client-chosen connection identifier, empty before auth.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) UserName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userName
}

func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

func (c *Conn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.done)
		retErr = c.ws.Close()
	})
	return retErr
}

// Gateway tracks live connections and routes events to them, parking events
// for offline connections in the store.
type Gateway struct {
	cfg     config.Config
	store   store.Store
	metrics *observability.Metrics

	mu    sync.RWMutex
	conns map[string]*Conn // connection ID -> live conn
}

func New(cfg config.Config, st store.Store, metrics *observability.Metrics) *Gateway {
	return &Gateway{
		cfg:     cfg,
		store:   st,
		metrics: metrics,
		conns:   make(map[string]*Conn),
	}
}

// Track adopts a freshly upgraded websocket. The connection must authenticate
// within the grace period or it is force-closed. Heartbeat pings keep
// intermediaries from dropping idle authenticated connections.
func (g *Gateway) Track(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, done: make(chan struct{})}
	g.metrics.GatewayEvents.WithLabelValues("connected").Inc()

	grace := time.AfterFunc(g.cfg.AuthGracePeriod, func() {
		if c.Authenticated() {
			return
		}
		g.metrics.GatewayEvents.WithLabelValues("grace_timeout").Inc()
		_ = c.Close()
	})

	go func() {
		ticker := time.NewTicker(g.cfg.HeartbeatInterval)
		defer ticker.Stop()
		defer grace.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					_ = c.Close()
					return
				}
			}
		}
	}()

	return c
}

// Authenticate validates the token, purges any previous session the user had
// and replays events parked while the connection was away. The replay happens
// before the connection is registered so queued events cannot interleave with
// fresh ones.
func (g *Gateway) Authenticate(ctx context.Context, c *Conn, msg protocol.Auth) error {
	token, err := g.store.LookupToken(ctx, msg.Token)
	if err != nil || time.Now().After(token.ExpiresAt) {
		g.metrics.GatewayEvents.WithLabelValues("auth_failed").Inc()
		return ErrInvalidToken
	}

	// One session per user. Any connection record the user left behind is
	// stale: close its socket if still live and drop its queue.
	stale, err := g.store.ConnectionsForUser(ctx, token.UserID)
	if err != nil {
		return err
	}
	for _, id := range stale {
		if id == msg.ConnectionID {
			continue
		}
		g.mu.Lock()
		old := g.conns[id]
		delete(g.conns, id)
		g.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		if err := g.store.PurgeQueue(ctx, id); err != nil {
			log.Printf("gateway: purge queue %s: %v", id, err)
		}
		if err := g.store.DeleteConnection(ctx, id); err != nil {
			log.Printf("gateway: delete connection %s: %v", id, err)
		}
		g.metrics.GatewayEvents.WithLabelValues("purged").Inc()
	}

	if err := g.store.SaveConnection(ctx, msg.ConnectionID, token.UserID); err != nil {
		return err
	}

	c.mu.Lock()
	c.id = msg.ConnectionID
	c.userID = token.UserID
	c.userName = token.UserName
	c.authed = true
	c.mu.Unlock()

	if err := g.replayQueue(ctx, c, msg.ConnectionID); err != nil {
		return err
	}

	g.mu.Lock()
	g.conns[msg.ConnectionID] = c
	g.mu.Unlock()

	// A Send racing the replay lands in the queue after the first drain but
	// before the registry insert. Drain once more now that the registry
	// routes to this socket, so nothing sits parked while the connection is
	// live.
	if err := g.replayQueue(ctx, c, msg.ConnectionID); err != nil {
		log.Printf("gateway: post-register drain %s: %v", msg.ConnectionID, err)
	}

	g.metrics.ActiveConnections.Inc()
	g.metrics.GatewayEvents.WithLabelValues("authenticated").Inc()
	return nil
}

func (g *Gateway) replayQueue(ctx context.Context, c *Conn, connectionID string) error {
	queued, err := g.store.DrainEvents(ctx, connectionID)
	if err != nil {
		return err
	}
	for _, payload := range queued {
		if err := c.writeJSON(json.RawMessage(payload)); err != nil {
			// Delivery failed mid-replay. Park the rest again in order.
			_ = g.store.AppendEvent(ctx, connectionID, payload, g.cfg.EventQueueCap)
			continue
		}
		g.metrics.QueuedEvents.WithLabelValues("replayed").Inc()
	}
	return nil
}

// Send delivers an event to the named connection, or parks it in the durable
// queue when the connection is offline.
func (g *Gateway) Send(ctx context.Context, connectionID string, ev protocol.Event) error {
	g.mu.RLock()
	c := g.conns[connectionID]
	g.mu.RUnlock()

	if c != nil {
		if err := c.writeJSON(ev); err == nil {
			g.metrics.WSMessages.WithLabelValues("outbound", string(ev.Type)).Inc()
			return nil
		}
		// Write failed: treat the connection as gone and fall through to
		// queueing so the event survives the reconnect.
		g.Detach(c)
		_ = c.Close()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := g.store.AppendEvent(ctx, connectionID, payload, g.cfg.EventQueueCap); err != nil {
		return err
	}
	g.metrics.QueuedEvents.WithLabelValues("queued").Inc()
	return nil
}

// Detach removes the live registry entry but keeps the connection record and
// queue so a reconnect with the same connection ID resumes delivery.
func (g *Gateway) Detach(c *Conn) {
	id := c.ID()
	if id == "" {
		return
	}
	g.mu.Lock()
	cur, ok := g.conns[id]
	if ok && cur == c {
		delete(g.conns, id)
	}
	g.mu.Unlock()
	if ok && cur == c {
		g.metrics.ActiveConnections.Dec()
		g.metrics.GatewayEvents.WithLabelValues("disconnected").Inc()
	}
}

// IsLive reports whether the connection currently has a live socket.
func (g *Gateway) IsLive(connectionID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[connectionID]
	return ok
}

// StartSweeper drops queued events older than the configured TTL so queues
// for connections that never come back do not grow without bound.
func (g *Gateway) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-g.cfg.EventQueueTTL)
				n, err := g.store.ExpireEvents(ctx, cutoff)
				if err != nil {
					log.Printf("gateway: expire events: %v", err)
					continue
				}
				if n > 0 {
					g.metrics.QueuedEvents.WithLabelValues("expired").Add(float64(n))
				}
			}
		}
	}()
}
