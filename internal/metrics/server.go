package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/netlab/dhcpsim/internal/agh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PathMetrics is the path of the metrics handler.
const PathMetrics = "/metrics"

// ServerConfig is the configuration of a [Server].
type ServerConfig struct {
	// Logger is used to log the server's events.  It must not be nil.
	Logger *slog.Logger

	// Gatherer is the source of the exposed metrics.  It must not be nil.
	Gatherer prometheus.Gatherer

	// Addr is the address to listen on.
	Addr netip.AddrPort

	// Timeout is used as the read and write timeouts of the HTTP server.
	Timeout time.Duration
}

// Server is the HTTP server exposing the metrics for scraping.
type Server struct {
	// mu protects listener.
	mu       *sync.Mutex
	listener net.Listener

	logger *slog.Logger
	http   *http.Server
	addr   netip.AddrPort
}

// type check
var _ agh.Service = (*Server)(nil)

// NewServer returns a new *Server.  The listener is not started.  conf must not
// be nil.
func NewServer(conf *ServerConfig) (s *Server) {
	logger := conf.Logger.With("addr", conf.Addr)

	mux := http.NewServeMux()
	mux.Handle(PathMetrics, promhttp.HandlerFor(conf.Gatherer, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}))

	return &Server{
		mu:     &sync.Mutex{},
		logger: logger,
		http: &http.Server{
			Handler:           mux,
			ReadTimeout:       conf.Timeout,
			ReadHeaderTimeout: conf.Timeout,
			WriteTimeout:      conf.Timeout,
			IdleTimeout:       conf.Timeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		},
		addr: conf.Addr,
	}
}

// Start implements the [agh.Service] interface for *Server.  It binds the
// listener and serves in a separate goroutine.
func (s *Server) Start(ctx context.Context) (err error) {
	l, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(s.addr))
	if err != nil {
		return fmt.Errorf("metrics server: listening tcp: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.listener = l

	s.logger.InfoContext(ctx, "starting", "local_addr", l.Addr())

	go s.serve(context.WithoutCancel(ctx), l)

	return nil
}

// serve serves the HTTP requests on l until the server is shut down.
func (s *Server) serve(ctx context.Context, l net.Listener) {
	defer slogutil.RecoverAndLog(ctx, s.logger)

	err := s.http.Serve(l)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}

	s.logger.ErrorContext(ctx, "serving", slogutil.KeyError, err)
}

// LocalAddr returns the address the server listens on, or nil if it's not
// started.
func (s *Server) LocalAddr() (addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr()
	}

	return nil
}

// Shutdown implements the [agh.Service] interface for *Server.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	err = s.http.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("metrics server: shutting down: %w", err)
	}

	s.logger.InfoContext(ctx, "stopped")

	return nil
}
