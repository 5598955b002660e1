// ABOUTME: HTTP route table for intake-gateway built on chi
// ABOUTME: Mounts health probes, the chat websocket, and conversation history endpoints

package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(g.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Get("/ws", g.handleWebSocket)

	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", g.handleListConversations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", g.handleGetConversation)
			r.Get("/messages", g.handleConversationMessages)
			r.Get("/transcript", g.handleTranscript)
		})
	})

	return r
}

// requestLogger logs one line per request. Websocket upgrades are logged when
// the connection ends.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
