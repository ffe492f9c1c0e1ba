package stats

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/shunt-proxy/shunt/internal/dnsserver"
	"github.com/shunt-proxy/shunt/internal/health"
	"github.com/shunt-proxy/shunt/internal/logging"
	"github.com/shunt-proxy/shunt/internal/querylog"
	"github.com/shunt-proxy/shunt/internal/thp"
	"github.com/shunt-proxy/shunt/internal/tunnel"
)

// Config wires the controller to the rest of the process. Every source
// is an injectable accessor so the controller never reaches into other
// components directly. Nil accessors report zero values; a nil QueryLog
// leaves the query log route unregistered.
type Config struct {
	Listen string
	Secret string

	DNS      func() dnsserver.Counters
	THP      func() thp.Counters
	CacheLen func() int
	PoolSize func() int
	Tunnels  func() map[tunnel.ID]health.Record
	Country  func(host string) string
	QueryLog *querylog.Repo
}

// Server is the controller HTTP server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	mux        *http.ServeMux
	log        *logrus.Entry
}

// NewServer creates a controller server wired with all routes.
func NewServer(cfg Config) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/stats", HandleStats(cfg))
	authed.Handle("GET /api/v1/tunnels", HandleTunnels(cfg))
	if cfg.QueryLog != nil {
		authed.Handle("GET /api/v1/querylog", HandleQueryLog(cfg.QueryLog))
	}

	mux.Handle("/api/", AuthMiddleware(cfg.Secret, authed))

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:    cfg.Listen,
			Handler: mux,
		},
		mux: mux,
		log: logging.Component("stats"),
	}
}

// Start binds the listen address and serves in the background. Bind
// failures surface synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.log.WithField("listen", ln.Addr().String()).Info("controller listening")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("controller serve failed")
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
