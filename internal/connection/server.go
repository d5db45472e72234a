package connection

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/rickgao/sockethub/internal/config"
	"github.com/rickgao/sockethub/internal/session"
)

// readLimit caps a single frame so the socket survives oversized text
// frames long enough for the registry to drop them.
const readLimit = 1 << 20

// SessionLookup resolves the session referenced by a handshake request.
type SessionLookup interface {
	FromRequest(ctx context.Context, r *http.Request) (*session.Session, error)
}

// Server upgrades HTTP requests to websockets and feeds them to a Registry.
type Server struct {
	registry *Registry
	cfg      config.WebSocketConfig
	sessions SessionLookup
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the websocket endpoint. sessions may be nil.
func NewServer(registry *Registry, cfg config.WebSocketConfig, sessions SessionLookup, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultWriteTimeout
	}

	s := &Server{
		registry: registry,
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeHTTP accepts one client and blocks until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var sess *session.Session
	if s.sessions != nil {
		var err error
		sess, err = s.sessions.FromRequest(r.Context(), r)
		if err != nil {
			s.logger.Debug("session lookup failed", "error", err)
			sess = nil
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	t := newWSTransport(conn, s.cfg.WriteTimeout, s.logger)
	rec := s.registry.Accept(t, r.Header.Get("Origin"), sess)

	go t.heartbeatLoop(s.cfg.PingInterval)

	t.readLoop(s.cfg.PingInterval, func(f Frame) {
		s.registry.OnMessage(rec, f)
	})

	t.Close()
	s.registry.OnClose(rec)
}
