// Package httpapi exposes the websocket endpoint and operational routes.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/fireside/internal/config"
	"github.com/antoniostano/fireside/internal/gateway"
	"github.com/antoniostano/fireside/internal/observability"
	"github.com/antoniostano/fireside/internal/protocol"
	"github.com/antoniostano/fireside/internal/store"
)

// Engine is the turn orchestration surface the websocket loop dispatches to.
type Engine interface {
	CreateInstance(ctx context.Context, connID, userID, description string) (store.Instance, error)
	AddPlayerMessage(ctx context.Context, connID, instanceID, content string) error
	Undo(ctx context.Context, connID, instanceID string) error
	AdventureSuggestions(ctx context.Context, connID, userID string) error
	Welcome(ctx context.Context, connID, userName string)
	Voice(ctx context.Context, connID, audioBase64 string) error
	VoiceEnd(ctx context.Context, connID string) error
	StopAudio(connID string)
}

type Server struct {
	cfg      config.Config
	gateway  *gateway.Gateway
	engine   Engine
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, gw *gateway.Gateway, engine Engine, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		gateway: gw,
		engine:  engine,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := s.gateway.Track(ws)
	defer func() {
		connID := conn.ID()
		s.gateway.Detach(conn)
		if connID != "" {
			s.engine.StopAudio(connID)
			_ = s.engine.VoiceEnd(context.WithoutCancel(r.Context()), connID)
		}
		_ = conn.Close()
	}()

	// Turn work outlives the socket: results for a dropped connection land in
	// its durable queue and replay on reconnect.
	ctx := context.WithoutCancel(r.Context())

	ws.SetReadLimit(2 << 20)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		reqType, payload, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
			// Before auth the connection has no ID and no durable queue to
			// park an error event in.
			if connID := conn.ID(); connID != "" {
				_ = s.gateway.Send(ctx, connID, protocol.Event{
					Type:    protocol.EventError,
					Payload: protocol.EventPayload{Content: err.Error()},
				})
			}
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(reqType)).Inc()

		// Before auth completes only the auth request is honored. Anything
		// else is dropped silently.
		if !conn.Authenticated() {
			if reqType != protocol.TypeAuth {
				continue
			}
			// A rejected token gets no response. The connection stays open
			// and unauthenticated; the client may retry until the grace
			// timer closes it.
			msg := payload.(protocol.Auth)
			if err := s.gateway.Authenticate(ctx, conn, msg); err != nil {
				log.Printf("httpapi: auth failed for connection %q: %v", msg.ConnectionID, err)
			}
			continue
		}

		s.dispatch(ctx, conn, reqType, payload)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *gateway.Conn, reqType protocol.RequestType, payload any) {
	connID := conn.ID()
	switch msg := payload.(type) {
	case protocol.Welcome:
		go s.engine.Welcome(ctx, connID, conn.UserName())
	case protocol.CreateInstance:
		go func() {
			if _, err := s.engine.CreateInstance(ctx, connID, msg.UserID, msg.Description); err != nil {
				log.Printf("httpapi: create instance: %v", err)
				_ = s.gateway.Send(ctx, connID, protocol.Event{
					Type:    protocol.EventError,
					Payload: protocol.EventPayload{Content: "failed to create instance"},
				})
			}
		}()
	case protocol.AddPlayerMessage:
		go func() {
			if err := s.engine.AddPlayerMessage(ctx, connID, msg.InstanceID, msg.Content); err != nil {
				log.Printf("httpapi: player message: %v", err)
				_ = s.gateway.Send(ctx, connID, protocol.Event{
					Type:    protocol.EventError,
					Payload: protocol.EventPayload{Content: "failed to process action"},
				})
			}
		}()
	case protocol.Undo:
		go func() {
			if err := s.engine.Undo(ctx, connID, msg.InstanceID); err != nil {
				log.Printf("httpapi: undo: %v", err)
			}
		}()
	case protocol.AdventureSuggestions:
		go func() {
			if err := s.engine.AdventureSuggestions(ctx, connID, conn.UserID()); err != nil {
				log.Printf("httpapi: adventure suggestions: %v", err)
			}
		}()
	case protocol.Voice:
		if err := s.engine.Voice(ctx, connID, msg.Audio); err != nil {
			log.Printf("httpapi: voice: %v", err)
		}
	case protocol.VoiceEnd:
		go func() {
			if err := s.engine.VoiceEnd(ctx, connID); err != nil {
				log.Printf("httpapi: voice end: %v", err)
			}
		}()
	case protocol.StopAudio:
		s.engine.StopAudio(connID)
	default:
		log.Printf("httpapi: unhandled request type %q", reqType)
	}
}
