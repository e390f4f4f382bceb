// Package wsapi serves the combined WebSocket stream endpoint: public
// market streams named "<symbol>@<suffix>" plus private user frames
// after an AUTH handshake.
package wsapi

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"virtual_exchange/internal/config"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/exchange"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	wsActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "virtual_exchange_ws_active_connections",
		Help: "Current number of active WebSocket connections",
	})

	wsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "virtual_exchange_ws_rejected_total",
		Help: "WebSocket connections rejected before upgrade",
	}, []string{"reason"})

	wsDroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "virtual_exchange_ws_dropped_frames_total",
		Help: "Outbound frames dropped on slow client queues",
	})
)

func init() {
	prometheus.MustRegister(wsActiveConnections)
	prometheus.MustRegister(wsRejectedTotal)
	prometheus.MustRegister(wsDroppedFrames)
}

// Server fans exchange events out to WebSocket clients.
type Server struct {
	ve       *exchange.VirtualExchange
	cfg      *config.Config
	logger   core.ILogger
	upgrader websocket.Upgrader

	mu            sync.Mutex
	clients       map[*client]struct{}
	streamRefs    map[string]int
	symbolClients map[string]map[*client]int
	maxPerSymbol  int
	closed        bool

	sub *exchange.Subscription

	connSemaphore chan struct{}

	rateLimitEnabled bool
	ipLimiters       sync.Map // map[string]*rate.Limiter
	rateLimit        rate.Limit
	rateBurst        int
}

// NewServer attaches a WebSocket fan-out to the exchange event hub.
func NewServer(ve *exchange.VirtualExchange, cfg *config.Config, logger core.ILogger) *Server {
	maxConns := cfg.Server.MaxConnections
	if maxConns <= 0 {
		maxConns = 1000
	}
	s := &Server{
		ve:               ve,
		cfg:              cfg,
		logger:           logger.WithField("component", "wsapi"),
		clients:          make(map[*client]struct{}),
		streamRefs:       make(map[string]int),
		symbolClients:    make(map[string]map[*client]int),
		maxPerSymbol:     cfg.Exchange.MaxClientsPerSymbol,
		connSemaphore:    make(chan struct{}, maxConns),
		rateLimitEnabled: cfg.Server.RateLimit > 0,
		rateLimit:        rate.Limit(cfg.Server.RateLimit),
		rateBurst:        cfg.Server.RateBurst,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.sub = ve.Subscribe()
	go s.dispatchLoop()
	return s
}

// checkOrigin validates the Origin header against the whitelist.
// Browsers send it; non-browser clients without one are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("rejected invalid origin", "origin", origin)
		wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" {
			if s.cfg.Server.Production {
				s.logger.Warn("rejected wildcard origin in production",
					"origin", origin, "remote_addr", r.RemoteAddr)
				wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}
	s.logger.Warn("rejected unauthorized origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// HandleWebSocket upgrades the connection and runs the client pumps
// until it disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.rateLimitEnabled {
		if !s.ipLimiter(remoteIP(r)).Allow() {
			wsRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
		wsActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			wsActiveConnections.Dec()
		}()
	default:
		s.logger.Warn("max connections reached")
		wsRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err.Error())
		return
	}

	c := &client{
		id:      uuid.New().String(),
		srv:     s,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		streams: make(map[string]string),
	}
	if !s.register(c) {
		conn.Close()
		return
	}
	s.logger.Info("client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.readPump()
		c.close()
	}()
	wg.Wait()

	s.unregister(c)
	conn.Close()
	s.logger.Info("client disconnected", "client_id", c.id)
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.dropStreams()
}

// addStreamRef records a client's interest in a stream. It fails when
// the symbol already has max_clients_per_symbol distinct subscribers
// and this client is not among them.
func (s *Server) addStreamRef(c *client, symbol, stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	holders := s.symbolClients[symbol]
	if holders == nil {
		holders = make(map[*client]int)
		s.symbolClients[symbol] = holders
	}
	if s.maxPerSymbol > 0 && holders[c] == 0 && len(holders) >= s.maxPerSymbol {
		wsRejectedTotal.WithLabelValues("symbol_client_limit").Inc()
		return false
	}
	holders[c]++
	s.streamRefs[stream]++
	return true
}

func (s *Server) dropStreamRef(c *client, symbol, stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holders := s.symbolClients[symbol]; holders != nil {
		if holders[c] <= 1 {
			delete(holders, c)
			if len(holders) == 0 {
				delete(s.symbolClients, symbol)
			}
		} else {
			holders[c]--
		}
	}
	if s.streamRefs[stream] <= 1 {
		delete(s.streamRefs, stream)
		return
	}
	s.streamRefs[stream]--
}

// wanted reports whether any client subscribed the stream.
func (s *Server) wanted(stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamRefs[stream] > 0
}

// klineStreams returns the subscribed kline intervals for the symbol.
func (s *Server) klineStreams(symbol string) []string {
	prefix := strings.ToLower(symbol) + "@" + klinePrefix
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for stream := range s.streamRefs {
		if strings.HasPrefix(stream, prefix) {
			out = append(out, stream[len(prefix):])
		}
	}
	return out
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// CloseAll detaches from the event hub and disconnects every client.
func (s *Server) CloseAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.sub.Close()
	for _, c := range clients {
		c.close()
		c.conn.Close()
	}
}

// dispatchLoop translates hub events into stream frames. Runs until the
// hub subscription closes.
func (s *Server) dispatchLoop() {
	for ev := range s.sub.Events() {
		s.dispatch(ev)
	}
}

func (s *Server) dispatch(ev core.Event) {
	switch ev.Type {
	case core.EventTrade:
		if ev.Trade == nil {
			return
		}
		sym := strings.ToLower(ev.Symbol)
		if s.wanted(sym + "@" + suffixTrade) {
			s.broadcast(sym+"@"+suffixTrade, "", tradeEvent(ev.Trade, ev.Time))
		}
		s.marketFrames(ev.Symbol, ev.Time)

	case core.EventDepthUpdate:
		if ev.Depth == nil {
			return
		}
		stream := strings.ToLower(ev.Symbol) + "@" + suffixDepth
		if s.wanted(stream) {
			s.broadcast(stream, "", depthEvent(ev.Depth, ev.Time))
		}

	case core.EventMarketData:
		s.marketFrames(ev.Symbol, ev.Time)

	case core.EventOrderUpdate:
		if ev.Order == nil {
			return
		}
		s.broadcast(userDataStream, ev.UserID, executionReport(ev.Order, ev.Exec, ev.Time))

	case core.EventAccountUpdate:
		s.broadcast(userDataStream, ev.UserID, accountPosition(ev.Balances, ev.Time))
	}
}

// marketFrames pushes the derived streams that update on every price
// movement: klines, the 24h ticker, and the rolling average price.
func (s *Server) marketFrames(symbol string, eventTime int64) {
	sym := strings.ToLower(symbol)

	for _, interval := range s.klineStreams(symbol) {
		if k, ok := s.ve.MarketData.CurrentKline(symbol, interval); ok {
			s.broadcast(sym+"@"+klinePrefix+interval, "", klineEvent(k, eventTime))
		}
	}
	if s.wanted(sym + "@" + suffixTicker) {
		if tk, err := s.ve.MarketData.Ticker24h(symbol); err == nil {
			s.broadcast(sym+"@"+suffixTicker, "", tickerEvent(tk, eventTime))
		}
	}
	if s.wanted(sym + "@" + suffixAvgPrice) {
		if ap, err := s.ve.MarketData.AvgPrice(symbol); err == nil {
			s.broadcast(sym+"@"+suffixAvgPrice, "", avgPriceEvent(symbol, ap, eventTime))
		}
	}
}

// broadcast wraps the payload in the combined-stream envelope and
// queues it on every interested client. userID scopes private frames.
func (s *Server) broadcast(stream, userID string, data interface{}) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var payload []byte
	for _, c := range clients {
		if !c.subscribed(stream, userID) {
			continue
		}
		if payload == nil {
			var err error
			payload, err = marshalFrame(stream, data)
			if err != nil {
				s.logger.Error("frame marshal failed", "stream", stream, "error", err.Error())
				return
			}
		}
		c.enqueue(payload)
	}
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
