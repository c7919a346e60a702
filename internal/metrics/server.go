package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/R3E-Network/gaspool/pkg/logger"
)

// Server exposes the station registry on a dedicated scrape port,
// separate from the RPC listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *logger.Logger
}

// NewServer builds the scrape server for addr.
func NewServer(addr string, log *logger.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		log: log,
	}
}

func (s *Server) Name() string { return "metrics-server" }

// Start binds the listener and serves scrapes in the background. Binding
// synchronously surfaces port conflicts at startup instead of in logs.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.WithField("addr", ln.Addr().String()).Infof("metrics server listening")
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Errorf("metrics server stopped")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Addr reports the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}
