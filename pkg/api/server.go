package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"

	"github.com/spec-harvester/harvester/pkg/events"
)

// ServerConfig wires the collaborators a harvest-api process needs: the
// review mutation service, the shared event bus (for the SSE mirror), and
// a Metrics instance (nil disables the /metrics endpoint).
type ServerConfig struct {
	Review  *ReviewService
	Bus     *events.Bus
	Metrics *Metrics
	Log     logr.Logger
}

// NewServer builds the chi router backing a harvest-api process: CORS,
// request logging/recovery, the review mutation endpoints (validated
// against the embedded OpenAPI document), an NDJSON/SSE event stream, and
// Prometheus metrics. An invalid embedded document fails construction.
func NewServer(cfg ServerConfig) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	if cfg.Metrics != nil {
		r.Use(HTTPMetrics(cfg.Metrics))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.Review != nil {
		validate, err := NewRequestValidator()
		if err != nil {
			return nil, err
		}
		r.Group(func(gr chi.Router) {
			gr.Use(validate)
			RegisterReviewRoutes(gr, cfg.Review, cfg.Log)
		})
	}
	if cfg.Bus != nil {
		r.Get("/events/stream", streamHandler(cfg.Bus))
	}
	if cfg.Metrics != nil {
		r.Get("/metrics", cfg.Metrics.Handler().ServeHTTP)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r, nil
}

// streamHandler mirrors the bus onto an SSE connection, matching the
// events.jsonl.gz record shape one JSON object per "data:" line so a
// browser EventSource and the offline log reader share one decoder.
func streamHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch, unsubscribe := bus.Subscribe(64)
		defer unsubscribe()

		ctx := r.Context()
		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, open := <-ch:
				if !open {
					return
				}
				b, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", b)
				flusher.Flush()
			case <-heartbeat.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			}
		}
	}
}
