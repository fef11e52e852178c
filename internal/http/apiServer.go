package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"molva/internal/api"
	"molva/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/register", api.RequireSameOrigin(handlers.RegisterHandler))
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(handlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(handlers.LogoffHandler))

	mux.HandleFunc("GET /api/me", handlers.RequireAuth(handlers.MeHandler))
	mux.HandleFunc("GET /api/users", handlers.RequireAuth(handlers.UsersHandler))

	mux.HandleFunc("GET /api/rooms", handlers.RequireAuth(handlers.RoomsHandler))
	mux.HandleFunc("POST /api/rooms/direct", api.RequireSameOrigin(handlers.RequireAuth(handlers.CreateDirectRoomHandler)))
	mux.HandleFunc("POST /api/rooms/group", api.RequireSameOrigin(handlers.RequireAuth(handlers.CreateGroupRoomHandler)))
	mux.HandleFunc("POST /api/rooms/{id}/participants", api.RequireSameOrigin(handlers.RequireAuth(handlers.AddParticipantHandler)))
	mux.HandleFunc("GET /api/rooms/{id}/messages", handlers.RequireAuth(handlers.MessagesHandler))
	mux.HandleFunc("GET /api/rooms/{id}/typing", handlers.RequireAuth(handlers.TypingHandler))

	mux.HandleFunc("GET /api/notifications", handlers.RequireAuth(handlers.NotificationsHandler))
	mux.HandleFunc("POST /api/notifications/read", api.RequireSameOrigin(handlers.RequireAuth(handlers.ReadNotificationsHandler)))

	mux.HandleFunc("POST /api/media", api.RequireSameOrigin(handlers.RequireAuth(handlers.UploadMediaHandler)))
	mux.HandleFunc("GET /api/media/{id}", handlers.RequireAuth(handlers.GetMediaHandler))

	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(handlers.RequireAuth(handlers.SubscribePushHandler)))

	mux.HandleFunc("POST /api/ai/reply", api.RequireSameOrigin(handlers.RequireAuth(handlers.AIReplyHandler)))

	mux.HandleFunc("GET /ws/chat/{roomId}", wsServer.HandleChat)
	mux.HandleFunc("GET /ws/notifications", wsServer.HandleNotifications)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
