package http

import (
	"context"
	"net/http"
	"sync"

	"telechat/internal/api"
	"telechat/internal/ws"

	"github.com/rs/zerolog"
)

type APIServer struct {
	server *http.Server
	hub    *ws.Hub
	log    zerolog.Logger
	wg     sync.WaitGroup
}

// NewHandler routes the REST API, public storage objects, the realtime
// gateway and the static assets.
func NewHandler(apiHandlers *api.API, realtime *ws.Server, staticDir string) http.Handler {
	mux := http.NewServeMux()

	// Serve static files, / -> index.html
	mux.HandleFunc("/", NewFileServerHandler(staticDir))

	// API endpoints
	mux.HandleFunc("GET /api/health", apiHandlers.HealthHandler)
	mux.HandleFunc("GET /api/messages/{chatId}", apiHandlers.MessagesHandler)
	mux.HandleFunc("POST /api/messages", apiHandlers.PostMessageHandler)
	mux.HandleFunc("POST /api/auth/signup", apiHandlers.SignUpHandler)
	mux.HandleFunc("POST /api/auth/signin", apiHandlers.SignInHandler)
	mux.HandleFunc("POST /api/auth/signout", apiHandlers.SignOutHandler)
	mux.HandleFunc("GET /api/users/{userId}/presence", apiHandlers.PresenceHandler)
	mux.HandleFunc("/api/", apiHandlers.NotFoundHandler)

	mux.HandleFunc("GET /storage/v1/object/public/{bucket}/{path...}", apiHandlers.ObjectHandler)

	// WebSocket endpoint
	mux.HandleFunc("/realtime/v1/websocket", realtime.HandleConnections)

	return mux
}

func NewAPIServer(handler http.Handler, hub *ws.Hub, addr string, log zerolog.Logger) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
		hub: hub,
		log: log,
	}
}

func (s *APIServer) Addr() string {
	return s.server.Addr
}

func (s *APIServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("server started")
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and ends open realtime connections.
func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	s.log.Info().Int("connections", s.hub.Connections()).Msg("closing realtime connections")
	s.hub.Close()
	return s.server.Shutdown(ctx)
}
