package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-drawboard/internal/config"
	"github.com/npezzotti/go-drawboard/internal/database"
	"github.com/npezzotti/go-drawboard/internal/server"
)

// DrawboardApp serves the administrative HTTP surface and the websocket
// endpoint.
type DrawboardApp struct {
	log            *log.Logger
	db             database.DrawboardRepository
	mux            *http.Server
	ds             *server.DrawServer
	allowedOrigins []string
}

func NewDrawboardApp(mux *http.ServeMux, logger *log.Logger, ds *server.DrawServer, db database.DrawboardRepository, cfg *config.Config) *DrawboardApp {
	s := &DrawboardApp{
		log:            logger,
		db:             db,
		ds:             ds,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /api/rooms", s.listRooms)
	mux.HandleFunc("GET /api/rooms/{roomId}", s.getRoom)
	mux.HandleFunc("DELETE /api/rooms/{roomId}", s.deleteRoom)
	mux.HandleFunc("GET /api/rooms/{roomId}/export", s.exportRoom)
	mux.HandleFunc("POST /api/rooms/{roomId}/import", s.importRoom)
	mux.HandleFunc("GET /api/rooms/{roomId}/history", s.roomHistory)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *DrawboardApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *DrawboardApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
