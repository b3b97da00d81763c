// Package server wires the dispatcher, metrics, and a small operator
// surface (account CRUD, OAuth begin/exchange) behind one HTTP server.
// There is no dashboard here: spec.md §1 names that out of scope.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ccflare/proxy/internal/config"
	"github.com/ccflare/proxy/internal/dispatcher"
	"github.com/ccflare/proxy/internal/health"
	"github.com/ccflare/proxy/internal/store"
)

type Server struct {
	cfg        *config.Config
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	health     *health.Monitor
	registry   *prometheus.Registry
	admin      *AdminAPI

	httpServer *http.Server
	startTime  time.Time
}

// New wires the dispatcher, the operator surface, and the /metrics
// route against reg — the same registry every collector in
// internal/metrics was registered against, so gathering here actually
// reflects live counters instead of the unrelated global default
// registry.
func New(cfg *config.Config, st store.Store, disp *dispatcher.Dispatcher, hm *health.Monitor, reg *prometheus.Registry, admin *AdminAPI) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		dispatcher: disp,
		health:     hm,
		registry:   reg,
		admin:      admin,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("POST /v1/messages", http.HandlerFunc(s.dispatcher.ServeHTTP))
	mux.Handle("POST /v1/complete", http.HandlerFunc(s.dispatcher.ServeHTTP))

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /health/accounts", func(w http.ResponseWriter, r *http.Request) {
		report := s.health.Latest()
		if report == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	if s.admin != nil {
		s.admin.Register(mux)
	}
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
