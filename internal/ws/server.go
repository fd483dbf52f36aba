package ws

import (
	"context"
	"net/http"
	"strings"

	"telechat/internal/backend"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Connector resolves a session token to a client acting for that user.
type Connector interface {
	ConnectToken(ctx context.Context, token string) (backend.Client, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, token string) (backend.Client, error)

func (f ConnectorFunc) ConnectToken(ctx context.Context, token string) (backend.Client, error) {
	return f(ctx, token)
}

type Server struct {
	connector Connector
	hub       *Hub
	log       zerolog.Logger
	upgrader  *websocket.Upgrader
}

func NewServer(connector Connector, hub *Hub, log zerolog.Logger) *Server {
	return &Server{
		connector: connector,
		hub:       hub,
		log:       log,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func token(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	client, err := s.connector.ConnectToken(r.Context(), token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	sess, _ := client.Session()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("error upgrading to websocket")
		return
	}

	// The request context is not canceled on server shutdown once the
	// connection is hijacked; the hub takes care of that.
	ctx, leave := s.hub.Join(context.WithoutCancel(r.Context()), sess.UserID)
	defer leave()

	s.log.Info().Str("user_id", sess.UserID).Msg("realtime client connected")
	if err := NewConnection(client, conn, sess.UserID, s.log).Handle(ctx); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Warn().Err(err).Str("user_id", sess.UserID).Msg("realtime connection closed with error")
	}
	s.log.Info().Str("user_id", sess.UserID).Msg("realtime client disconnected")
}
