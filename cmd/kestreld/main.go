// Command kestreld runs the search engine as an HTTP daemon: document
// ingestion, ranked search, collection maintenance, and Kafka-fed
// rebuilds over a configured storage backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrelsearch/kestrel/internal/engine"
	"github.com/kestrelsearch/kestrel/internal/rebuild"
	"github.com/kestrelsearch/kestrel/internal/storage"
	"github.com/kestrelsearch/kestrel/pkg/config"
	"github.com/kestrelsearch/kestrel/pkg/health"
	"github.com/kestrelsearch/kestrel/pkg/kafka"
	"github.com/kestrelsearch/kestrel/pkg/logger"
	"github.com/kestrelsearch/kestrel/pkg/metrics"
	"github.com/kestrelsearch/kestrel/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting kestreld",
		"backend", cfg.Storage.Backend,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := storage.FromConfig(ctx, cfg)
	if err != nil {
		slog.Error("failed to construct storage backend", "error", err)
		os.Exit(1)
	}
	if err := backend.Ping(ctx); err != nil {
		slog.Error("storage backend unreachable", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	slog.Info("storage backend ready", "backend", cfg.Storage.Backend)

	m := metrics.New(prometheus.DefaultRegisterer)
	eng := engine.New(backend, cfg, m)
	defer eng.Close()

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdownMetrics(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	checker := health.NewChecker()
	checker.Register("storage", health.PingCheck(eng.Ping))

	h := &handlers{engine: eng, cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/v1/collections/{collection}/documents/{id}", h.indexDocument)
	mux.HandleFunc("DELETE /api/v1/collections/{collection}/documents/{id}", h.removeDocument)
	mux.HandleFunc("GET /api/v1/collections/{collection}/search", h.search)
	mux.HandleFunc("DELETE /api/v1/collections/{collection}", h.clearCollection)
	mux.HandleFunc("POST /api/v1/collections/{collection}/rebuild", h.rebuild)
	mux.HandleFunc("GET /api/v1/collections/{collection}/stats", h.stats)
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.Trace(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("kestreld listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestreld stopped")
}

type handlers struct {
	engine *engine.Engine
	cfg    *config.Config
}

type indexRequest struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Enabled *bool  `json:"enabled"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handlers) indexDocument(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	enabled := req.Enabled == nil || *req.Enabled
	err := h.engine.Index(r.Context(),
		r.PathValue("collection"), r.PathValue("id"),
		req.Title, req.Body, enabled)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "indexed"})
}

func (h *handlers) removeDocument(w http.ResponseWriter, r *http.Request) {
	err := h.engine.Remove(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	results, err := h.engine.Search(r.Context(), r.PathValue("collection"), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"count":   len(results),
		"results": results,
	})
}

func (h *handlers) clearCollection(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearSite(r.Context(), r.PathValue("collection")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// rebuild drains the configured Kafka topic into the collection. The
// pass runs synchronously; the response carries the final summary.
func (h *handlers) rebuild(w http.ResponseWriter, r *http.Request) {
	consumer := kafka.NewConsumer(h.cfg.Kafka)
	source := rebuild.NewKafkaSource(consumer, h.cfg.Kafka.PageTimeout)
	defer source.Close()

	summary, err := h.engine.Rebuild(r.Context(), r.PathValue("collection"), source, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context(), r.PathValue("collection"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
