package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"deriflow/config"
	"deriflow/internal/metrics"
	"deriflow/logger"
	"deriflow/models"
)

// UpstreamHook is invoked when a symbol gains its first subscriber or loses
// its last one. It runs outside the server lock.
type UpstreamHook func(symbol string, active bool)

// Server accepts downstream websocket clients and fans market events out to
// the ones subscribed to the event's symbol. One mutex guards the client
// set, the per-client subscription sets and the reference counts; every
// mutation of that aggregate happens under it.
type Server struct {
	addr      string
	rateLimit config.RateLimitConfig
	hook      UpstreamHook
	log       *logger.Log
	upgrader  websocket.Upgrader

	httpSrv  *http.Server
	listener net.Listener

	mu        sync.Mutex
	clients   map[*Client]struct{}
	refCounts map[string]int
	closed    bool
}

func NewServer(cfg config.ServerConfig, hook UpstreamHook) *Server {
	s := &Server{
		addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		rateLimit: cfg.RateLimit,
		hook:      hook,
		log:       logger.GetLogger(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:   make(map[*Client]struct{}),
		refCounts: make(map[string]int),
	}
	if s.hook == nil {
		s.hook = func(symbol string, active bool) {
			s.log.WithComponent("server").WithFields(logger.Fields{
				"symbol": symbol,
				"active": active,
			}).Info("symbol subscription state changed")
		}
	}
	return s
}

// Start brings the listener up. It returns once the server is accepting.
func (s *Server) Start() error {
	log := s.log.WithComponent("server")

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.handleConnection)}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server stopped")
		}
	}()
	log.WithFields(logger.Fields{"addr": ln.Addr().String()}).Info("broadcast server listening")
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and disconnects every client.
func (s *Server) Stop(ctx context.Context) {
	log := s.log.WithComponent("server")

	s.mu.Lock()
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("server shutdown did not complete cleanly")
		}
	}
	log.Info("broadcast server stopped")
}

// handleConnection upgrades the request and runs the client's read loop on
// the handler goroutine. Any path is accepted.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	log := s.log.WithComponent("server")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newClient(s, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.shutdown()
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	metrics.ClientConnected()
	log.WithFields(logger.Fields{"remote": conn.RemoteAddr().String()}).Info("client connected")

	go client.writePump()
	client.readPump()
}

// removeClient drops a client and releases its subscriptions. Symbols whose
// count reaches zero fire the upstream hook.
func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	released := s.releaseLocked(c, nil)
	s.mu.Unlock()

	metrics.ClientDisconnected()
	for _, symbol := range released {
		s.hook(symbol, false)
	}
	s.log.WithComponent("server").Info("client disconnected")
}

// releaseLocked removes the given symbols from the client's subscription set
// and decrements their counts. A nil list releases every subscription. It
// returns the symbols whose count dropped to zero.
func (s *Server) releaseLocked(c *Client, symbols []string) []string {
	if symbols == nil {
		symbols = make([]string, 0, len(c.subscriptions))
		for symbol := range c.subscriptions {
			symbols = append(symbols, symbol)
		}
	}
	var deactivated []string
	for _, symbol := range symbols {
		if _, ok := c.subscriptions[symbol]; !ok {
			continue
		}
		delete(c.subscriptions, symbol)
		s.refCounts[symbol]--
		if s.refCounts[symbol] <= 0 {
			delete(s.refCounts, symbol)
			deactivated = append(deactivated, symbol)
		}
	}
	return deactivated
}

// handleMessage processes one inbound client frame. Malformed requests get
// an error reply and the connection stays open.
func (s *Server) handleMessage(c *Client, raw []byte) {
	log := s.log.WithComponent("server")

	if c.limiter != nil && !c.limiter.Allow() {
		c.sendJSON(models.ClientError{Error: "rate limited"})
		return
	}

	var req models.ClientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		log.WithError(err).Warn("malformed client request")
		c.sendJSON(models.ClientError{Error: "malformed request"})
		return
	}
	if req.Action != models.ActionSubscribe && req.Action != models.ActionUnsubscribe {
		c.sendJSON(models.ClientError{Error: "unknown action"})
		return
	}
	if len(req.Symbols) == 0 {
		c.sendJSON(models.ClientError{Error: "symbols required"})
		return
	}
	for _, symbol := range req.Symbols {
		if symbol == "" {
			c.sendJSON(models.ClientError{Error: "empty symbol"})
			return
		}
	}

	var activated, deactivated []string
	s.mu.Lock()
	// A request racing the client's removal must not touch the counts;
	// eviction or shutdown already released them.
	if _, ok := s.clients[c]; !ok || s.closed {
		s.mu.Unlock()
		return
	}
	switch req.Action {
	case models.ActionSubscribe:
		for _, symbol := range req.Symbols {
			if _, ok := c.subscriptions[symbol]; ok {
				continue
			}
			c.subscriptions[symbol] = struct{}{}
			s.refCounts[symbol]++
			if s.refCounts[symbol] == 1 {
				activated = append(activated, symbol)
			}
		}
	case models.ActionUnsubscribe:
		deactivated = s.releaseLocked(c, req.Symbols)
	}
	s.mu.Unlock()

	for _, symbol := range activated {
		s.hook(symbol, true)
	}
	for _, symbol := range deactivated {
		s.hook(symbol, false)
	}

	c.sendJSON(models.ClientAck{Result: req.Symbols, Action: req.Action})
}

// Route delivers a raw payload to every client subscribed to the symbol,
// verbatim. Clients whose send buffer is full are evicted rather than
// letting one slow consumer stall the fan-out. It returns the number of
// deliveries.
func (s *Server) Route(symbol string, payload []byte) int {
	var evicted []*Client
	delivered := 0

	s.mu.Lock()
	for c := range s.clients {
		if _, ok := c.subscriptions[symbol]; !ok {
			continue
		}
		select {
		case c.send <- payload:
			delivered++
		default:
			evicted = append(evicted, c)
		}
	}
	var deactivated []string
	for _, c := range evicted {
		delete(s.clients, c)
		deactivated = append(deactivated, s.releaseLocked(c, nil)...)
	}
	s.mu.Unlock()

	for _, c := range evicted {
		c.shutdown()
		metrics.ClientDisconnected()
		s.log.WithComponent("server").Warn("evicted slow client")
	}
	for _, sym := range deactivated {
		s.hook(sym, false)
	}

	if delivered > 0 {
		logger.IncrementEventRouted(delivered)
		metrics.RecordEventRouted(symbol)
	}
	return delivered
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// SubscriberCounts returns a copy of the per-symbol reference counts.
func (s *Server) SubscriberCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.refCounts))
	for symbol, n := range s.refCounts {
		out[symbol] = n
	}
	return out
}

func (s *Server) newLimiter() *rate.Limiter {
	if !s.rateLimit.Enabled {
		return nil
	}
	burst := s.rateLimit.BurstSize
	if burst <= 0 {
		burst = s.rateLimit.RequestsPerSecond
	}
	return rate.NewLimiter(rate.Limit(s.rateLimit.RequestsPerSecond), burst)
}
