// Package restapi serves the Binance Spot v3 compatible REST surface
// over the virtual exchange, plus /health and prometheus /metrics.
package restapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"
	"virtual_exchange/internal/config"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/exchange"
	"virtual_exchange/internal/wsapi"
	apperrors "virtual_exchange/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "virtual_exchange_http_requests_total",
		Help: "REST requests served, by endpoint and status class",
	}, []string{"endpoint", "status"})

	httpRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "virtual_exchange_http_rejected_total",
		Help: "REST requests rejected before a handler ran",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRejectedTotal)
}

// Server hosts the REST API and the /ws endpoint.
type Server struct {
	ve     *exchange.VirtualExchange
	cfg    *config.Config
	logger core.ILogger
	ws     *wsapi.Server
	health core.IHealthMonitor

	mu  sync.Mutex
	srv *http.Server

	rateLimitEnabled bool
	ipLimiters       sync.Map // map[string]*rate.Limiter
	rateLimit        rate.Limit
	rateBurst        int
}

// NewServer wires the REST surface over the exchange facade.
func NewServer(ve *exchange.VirtualExchange, cfg *config.Config, health core.IHealthMonitor, logger core.ILogger) *Server {
	s := &Server{
		ve:               ve,
		cfg:              cfg,
		logger:           logger.WithField("component", "restapi"),
		health:           health,
		rateLimitEnabled: cfg.Server.RateLimit > 0,
		rateLimit:        rate.Limit(cfg.Server.RateLimit),
		rateBurst:        cfg.Server.RateBurst,
	}
	s.ws = wsapi.NewServer(ve, cfg, logger)
	return s
}

// Handler builds the route table. Exposed for httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v3/ping", s.public(s.handlePing))
	mux.HandleFunc("/api/v3/time", s.public(s.handleTime))
	mux.HandleFunc("/api/v3/exchangeInfo", s.public(s.handleExchangeInfo))
	mux.HandleFunc("/api/v3/depth", s.public(s.handleDepth))
	mux.HandleFunc("/api/v3/trades", s.public(s.handleTrades))
	mux.HandleFunc("/api/v3/historicalTrades", s.public(s.handleHistoricalTrades))
	mux.HandleFunc("/api/v3/aggTrades", s.public(s.handleAggTrades))
	mux.HandleFunc("/api/v3/klines", s.public(s.handleKlines))
	mux.HandleFunc("/api/v3/avgPrice", s.public(s.handleAvgPrice))
	mux.HandleFunc("/api/v3/ticker/24hr", s.public(s.handleTicker24h))
	mux.HandleFunc("/api/v3/ticker/price", s.public(s.handleTickerPrice))
	mux.HandleFunc("/api/v3/ticker/bookTicker", s.public(s.handleBookTicker))

	mux.HandleFunc("/api/v3/account", s.signed(s.handleAccount))
	mux.HandleFunc("/api/v3/order", s.signed(s.handleOrder))
	mux.HandleFunc("/api/v3/order/test", s.signed(s.handleOrderTest))
	mux.HandleFunc("/api/v3/openOrders", s.signed(s.handleOpenOrders))
	mux.HandleFunc("/api/v3/allOrders", s.signed(s.handleAllOrders))
	mux.HandleFunc("/api/v3/myTrades", s.signed(s.handleMyTrades))

	mux.HandleFunc("/ws", s.ws.HandleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until the context ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("rest api listening", "addr", srv.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.ws.CloseAll()
	return s.srv.Shutdown(ctx)
}

// WS exposes the WebSocket sub-server, for metrics and tests.
func (s *Server) WS() *wsapi.Server {
	return s.ws
}

type handlerFunc func(w http.ResponseWriter, r *http.Request)
type signedHandlerFunc func(w http.ResponseWriter, r *http.Request, auth *authedRequest)

// public wraps an unauthenticated handler with rate limiting.
func (s *Server) public(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r) {
			return
		}
		h(w, r)
	}
}

// signed wraps a handler with rate limiting and signature checks.
func (s *Server) signed(h signedHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r) {
			return
		}
		auth, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, auth)
	}
}

// allow applies the per-IP token bucket. Returns false after writing
// the rejection.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if !s.rateLimitEnabled {
		return true
	}
	if !s.ipLimiter(remoteIP(r)).Allow() {
		httpRejectedTotal.WithLabelValues("rate_limit").Inc()
		s.writeError(w, r, apperrors.NewAPIError(apperrors.CodeTooManyRequests, "Too many requests."))
		return false
	}
	return true
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}

// writeJSON renders a 200 response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "path", r.URL.Path, "error", err.Error())
	}
	httpRequestsTotal.WithLabelValues(r.URL.Path, "2xx").Inc()
}

// writeError maps the error to its Binance wire code and HTTP status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apperrors.AsAPIError(err)
	status := apiErr.HTTPStatus()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: apiErr.Code, Msg: apiErr.Message})

	class := "4xx"
	if status >= 500 {
		class = "5xx"
		s.logger.Error("request failed", "path", r.URL.Path, "error", err.Error())
	}
	httpRequestsTotal.WithLabelValues(r.URL.Path, class).Inc()
}

// handleHealth reports component health and basic gauges.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	healthy := true
	components := map[string]string{}
	if s.health != nil {
		components = s.health.GetStatus()
		healthy = s.health.IsHealthy()
		if !healthy {
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      map[bool]string{true: "ok", false: "degraded"}[healthy],
		"components":  components,
		"subscribers": s.ve.EventHub().Subscribers(),
		"clients":     s.ws.ClientCount(),
		"time":        s.ve.Clock.NowMs(),
	})
}
