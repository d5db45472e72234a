package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/rickgao/sockethub/internal/config"
)

// HealthFunc reports component states and whether the instance is healthy.
type HealthFunc func(ctx context.Context) (components map[string]any, healthy bool)

// Server wraps a chi router and the http.Server listening for it.
type Server struct {
	cfg    config.HTTPConfig
	router chi.Router
	logger *slog.Logger

	srv      *http.Server
	listener net.Listener
}

// New builds the router with the shared middleware stack. Routes are added
// afterwards through Router, Method and the Mount helpers.
func New(cfg config.HTTPConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.RemoveWWW {
		r.Use(removeWWW)
	}
	if cfg.AllowCrossOrigin {
		r.Use(cors.New(cors.Options{
			AllowOriginFunc:  func(string) bool { return true },
			AllowCredentials: true,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Origin", "X-Requested-With", "Content-Type", "Accept"},
		}).Handler)
	}
	r.Use(middleware.Compress(5))
	if cfg.BodyLimit > 0 {
		r.Use(limitBody(cfg.BodyLimit))
	}

	if cfg.RedirectToIndex {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/index.html", http.StatusFound)
		})
	}

	return &Server{
		cfg:    cfg,
		router: r,
		logger: logger,
	}
}

// Router exposes the underlying router.
func (s *Server) Router() chi.Router {
	return s.router
}

// Method mounts h for method and pattern.
func (s *Server) Method(method, pattern string, h http.Handler) {
	s.router.Method(method, pattern, h)
}

// MountWebSocket serves the websocket endpoint at path.
func (s *Server) MountWebSocket(path string, h http.Handler) {
	s.router.Handle(path, h)
	s.logger.Debug("websocket endpoint mounted", "path", path)
}

// MountMetrics serves g in Prometheus text format at path.
func (s *Server) MountMetrics(path string, g prometheus.Gatherer) {
	s.router.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// MountHealth serves /healthz from check.
func (s *Server) MountHealth(check HealthFunc) {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		components, healthy := check(ctx)
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: components,
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			health.Status = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}

// MountStatic serves cfg.PublicPath for every path no route claims.
// Call it after all other routes.
func (s *Server) MountStatic() {
	if s.cfg.PublicPath == "" {
		return
	}
	s.router.Handle("/*", http.FileServer(http.Dir(s.cfg.PublicPath)))
	s.logger.Debug("public files served", "path", s.cfg.PublicPath)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func removeWWW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if host, ok := strings.CutPrefix(r.Host, "www."); ok && r.Method == http.MethodGet {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			http.Redirect(w, r, scheme+"://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
