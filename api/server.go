package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/michaelpento.lv/flashlender/flashloan"
	fmath "github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config captures the dependencies of the quote API
type Config struct {
	Lender          flashloan.Lender
	Pools           []flashloan.Pool
	Gatherer        prometheus.Gatherer
	RateLimit       RateLimit
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Server serves read-only lender quotes over HTTP
type Server struct {
	cfg    Config
	logger *zap.Logger
	router http.Handler
}

type quoteResponse struct {
	Lender string `json:"lender"`
	Asset  string `json:"asset"`
	Amount string `json:"amount,omitempty"`
	Value  string `json:"value"`
	Tokens string `json:"tokens"`
}

type reserveResponse struct {
	Pool        string    `json:"pool"`
	Account     string    `json:"account"`
	Maturity    time.Time `json:"maturity"`
	Base        string    `json:"base"`
	Yield       string    `json:"yield"`
	BaseTokens  string    `json:"baseTokens"`
	YieldTokens string    `json:"yieldTokens"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func New(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	limiter := NewRateLimiter(s.cfg.RateLimit, s.logger)
	r.Route("/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Get("/max-flash-loan", s.handleMaxFlashLoan)
		r.Get("/flash-fee", s.handleFlashFee)
		r.Get("/reserves", s.handleReserves)
	})
	return r
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Quote API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve quote API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("Shutting down quote API")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "lender": s.cfg.Lender.String()})
}

func (s *Server) handleMaxFlashLoan(w http.ResponseWriter, r *http.Request) {
	asset, ok := parseAsset(w, r)
	if !ok {
		return
	}
	max, err := s.cfg.Lender.MaxFlashLoan(r.Context(), asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Lender: s.cfg.Lender.String(),
		Asset:  asset.Hex(),
		Value:  max.String(),
		Tokens: fmath.FormatUnits(max, fmath.Decimals),
	})
}

func (s *Server) handleFlashFee(w http.ResponseWriter, r *http.Request) {
	asset, ok := parseAsset(w, r)
	if !ok {
		return
	}
	amount, err := parseAmount(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	fee, err := s.cfg.Lender.FlashFee(r.Context(), asset, amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Lender: s.cfg.Lender.String(),
		Asset:  asset.Hex(),
		Amount: amount.String(),
		Value:  fee.String(),
		Tokens: fmath.FormatUnits(fee, fmath.Decimals),
	})
}

func (s *Server) handleReserves(w http.ResponseWriter, r *http.Request) {
	out := make([]reserveResponse, 0, len(s.cfg.Pools))
	for _, p := range s.cfg.Pools {
		res, err := p.Reserves(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, reserveResponse{
			Pool:        p.GetName(),
			Account:     p.Account().Hex(),
			Maturity:    p.Maturity().UTC(),
			Base:        res.Base.String(),
			Yield:       res.Yield.String(),
			BaseTokens:  fmath.FormatUnits(res.Base, fmath.Decimals),
			YieldTokens: fmath.FormatUnits(res.Yield, fmath.Decimals),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := flashloan.ErrorKind(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Quote request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeError(w, status, kind, err.Error())
}

func statusFor(kind string) int {
	switch kind {
	case "invalid_amount", "unsupported_asset", "amount_too_large", "insufficient_reserves":
		return http.StatusBadRequest
	case "past_maturity", "maturity_too_far":
		return http.StatusConflict
	case "lender_not_configured", "no_lender", "cancelled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseAsset(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.URL.Query().Get("asset")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_asset", fmt.Sprintf("invalid asset %q", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// parseAmount reads amount in base units, or units in whole tokens
func parseAmount(r *http.Request) (*big.Int, error) {
	q := r.URL.Query()
	if raw := q.Get("amount"); raw != "" {
		return fmath.ParseAmount(raw)
	}
	if raw := q.Get("units"); raw != "" {
		return fmath.ParseUnits(raw, fmath.Decimals)
	}
	return nil, errors.New("amount is required")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}
