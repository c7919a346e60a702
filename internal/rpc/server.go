package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/gaspool/internal/access"
	"github.com/R3E-Network/gaspool/internal/config"
	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/executor"
	"github.com/R3E-Network/gaspool/internal/metrics"
	"github.com/R3E-Network/gaspool/internal/middleware"
	"github.com/R3E-Network/gaspool/internal/pool"
	"github.com/R3E-Network/gaspool/internal/storage"
	"github.com/R3E-Network/gaspool/internal/version"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

const (
	// maxBodyBytes bounds request bodies. Transaction bytes are the
	// largest payload and stay far under this.
	maxBodyBytes = 10 << 20

	reserveTimeout = 30 * time.Second
	executeTimeout = 2 * time.Minute
	reloadTimeout  = 30 * time.Second
	healthTimeout  = 5 * time.Second
)

// Deps are the collaborators the server dispatches requests to.
type Deps struct {
	Engine   *pool.Engine
	Executor *executor.Executor
	Store    storage.Store
	Access   *access.Ref
	// AccessDeps rebuild the controller on reload.
	AccessDeps access.Deps
	// ConfigPath is re-read by the reload endpoint.
	ConfigPath string
}

// Server is the station RPC endpoint.
type Server struct {
	deps Deps
	log  *logger.Logger
	srv  *http.Server
	ln   net.Listener
}

// NewServer wires the routes and middleware chain. authSecret guards
// the /v1 and debug endpoints; an empty secret leaves them open.
func NewServer(cfg *config.Config, authSecret string, deps Deps, log *logger.Logger) *Server {
	s := &Server{deps: deps, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/debug_health_check", s.handleDebugHealthCheck).Methods(http.MethodPost)
	r.HandleFunc("/v1/reserve_gas", s.handleReserveGas).Methods(http.MethodPost)
	r.HandleFunc("/v1/execute_tx", s.handleExecuteTx).Methods(http.MethodPost)
	r.HandleFunc("/v1/reload_access_controller", s.handleReloadAccessController).Methods(http.MethodGet)

	auth := middleware.NewBearerAuth(authSecret, []string{"/v1/", "/debug_health_check"}, log)
	bp := middleware.NewBackpressure(cfg.RPCRateLimit.RPS, cfg.RPCRateLimit.Burst,
		cfg.RPCRateLimit.MaxInFlight, log)
	reqLog := middleware.NewRequestLogger(log)
	handler := reqLog.Handler(metrics.InstrumentHandler(bp.Handler(auth.Handler(r))))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.RPCHostIP, cfg.RPCPort),
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// Write timeout must outlast the execute handler, which waits
		// for effects certification.
		WriteTimeout: executeTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

func (s *Server) Name() string { return "rpc-server" }

// Start binds the listener and serves in the background. Bind failures
// surface here, not later.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	s.log.Infof("rpc server listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("rpc server stopped")
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Addr is the bound listener address, available after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	io.WriteString(w, "OK")
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	io.WriteString(w, version.Version)
}

func (s *Server) handleDebugHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := detach(r.Context(), healthTimeout)
	defer cancel()
	if err := s.deps.Store.CheckHealth(ctx); err != nil {
		s.log.WithError(err).Warn("store health check failed")
		s.writeJSON(w, http.StatusServiceUnavailable, StationResponse{Error: err.Error()})
		return
	}
	io.WriteString(w, "OK")
}

func (s *Server) handleReserveGas(w http.ResponseWriter, r *http.Request) {
	var req ReserveGasRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ReserveGasResponse{Error: err.Error()})
		return
	}
	// The reservation must complete even if the caller drops: coins
	// popped for a closed connection still expire on schedule.
	ctx, cancel := detach(r.Context(), reserveTimeout)
	defer cancel()
	res, err := s.deps.Engine.Reserve(ctx, req.GasBudget, time.Duration(req.ReserveDurationSecs)*time.Second)
	if err != nil {
		s.writeJSON(w, statusOf(err), ReserveGasResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, ReserveGasResponse{Result: &ReserveGasResult{
		SponsorAddress: s.deps.Engine.Sponsor(),
		ReservationID:  res.ID,
		GasCoins:       reservationCoins(res.Coins),
	}})
}

func (s *Server) handleExecuteTx(w http.ResponseWriter, r *http.Request) {
	var req ExecuteTxRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ExecuteTxResponse{Error: err.Error()})
		return
	}
	ctx, cancel := detach(r.Context(), executeTimeout)
	defer cancel()
	effects, err := s.deps.Executor.Execute(ctx, &executor.Request{
		ReservationID: req.ReservationID,
		TxBytesB64:    req.TxBytes,
		UserSigB64:    req.UserSig,
		Headers:       r.Header,
	})
	if err != nil {
		s.writeJSON(w, statusOf(err), ExecuteTxResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, ExecuteTxResponse{Effects: json.RawMessage(effects.Raw)})
}

func (s *Server) handleReloadAccessController(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := detach(r.Context(), reloadTimeout)
	defer cancel()
	cfg, err := config.Load(s.deps.ConfigPath)
	if err != nil {
		s.log.WithError(err).Error("configuration reload failed")
		s.writeJSON(w, http.StatusInternalServerError, StationResponse{Error: "failed to load config file"})
		return
	}
	ctrl, err := access.New(ctx, cfg.AccessController, s.deps.AccessDeps)
	if err != nil {
		s.log.WithError(err).Error("access controller rebuild failed")
		s.writeJSON(w, statusOf(err), StationResponse{Error: err.Error()})
		return
	}
	s.deps.Access.Swap(ctrl)
	s.log.WithField("rules", len(cfg.AccessController.Rules)).Info("access controller reloaded")
	s.writeJSON(w, http.StatusOK, StationResponse{Result: "success"})
}

// detach severs the handler context from the client connection and
// bounds the work with its own deadline.
func detach(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return errs.Wrap(errs.KindInvalid, err, "decode request body")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// The status line is already out; nothing to do but note it.
		s.log.WithError(err).Warn("response encoding failed")
	}
}
