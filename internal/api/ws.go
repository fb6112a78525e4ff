package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/auth"
	"github.com/mam15mon/network/internal/websocket"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/v1/ws.
// Authentication uses a JWT passed as the `token` query parameter instead of
// the Authorization header because browsers cannot set custom headers on
// WebSocket connections opened via the native WebSocket API.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter; with no topics the client gets the job and schedule firehoses.
//
// Example connection URL:
//
//	ws://host/api/v1/ws?token=<jwt>&topics=job:uuid1,schedules
type WSHandler struct {
	hub    *websocket.Hub
	jwtMgr *auth.JWTManager
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, jwtMgr *auth.JWTManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		jwtMgr: jwtMgr,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/ws. It authenticates the request, builds the
// topic list, upgrades the connection, and starts the client read/write
// pumps. The handler blocks until the connection closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}

	claims, err := h.jwtMgr.ValidateAccessToken(tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	topics := resolveTopics(r)

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("username", claims.Username),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("username", claims.Username),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("username", claims.Username),
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics builds the topic list from the `topics` query parameter,
// falling back to the job and schedule firehoses. Unknown topic strings are
// harmless: nothing is ever published on them.
func resolveTopics(r *http.Request) []string {
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		return []string{"jobs", "schedules"}
	}

	seen := make(map[string]struct{})
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}
	return topics
}
