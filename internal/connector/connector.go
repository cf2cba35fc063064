package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deriflow/config"
	"deriflow/internal/channel"
	"deriflow/internal/metrics"
	"deriflow/internal/session"
	"deriflow/logger"
	"deriflow/models"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second
)

const (
	methodSubscribe   = "public/subscribe"
	methodUnsubscribe = "public/unsubscribe"
)

// Connector maintains the streaming connection to the venue. It reconnects
// for as long as its context lives, replays the subscription set after every
// reconnect, and publishes market-data notifications onto the event channel.
// One-shot venue calls go through the HTTP transport so they never contend
// with the stream.
type Connector struct {
	wsURL    string
	policy   config.ReconnectConfig
	session  *session.Manager
	remote   *RemoteClient
	channels *channel.Channels
	log      *logger.Log

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions map[string]struct{}
}

func NewConnector(cfg config.DeribitConfig, sess *session.Manager, remote *RemoteClient, ch *channel.Channels) *Connector {
	return &Connector{
		wsURL:         cfg.WebsocketURL,
		policy:        cfg.Reconnect,
		session:       sess,
		remote:        remote,
		channels:      ch,
		log:           logger.GetLogger(),
		subscriptions: make(map[string]struct{}),
	}
}

// Run drives the connect, authenticate, resubscribe, read cycle until the
// context is cancelled or the retry budget is exhausted.
func (c *Connector) Run(ctx context.Context) {
	log := c.log.WithComponent("connector")

	delay := c.policy.Delay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"url": c.wsURL}).Warn("failed to connect to venue websocket")
			attempts++
			logger.IncrementReconnect()
			metrics.RecordReconnect()
			if c.policy.MaxAttempts > 0 && attempts >= c.policy.MaxAttempts {
				log.WithFields(logger.Fields{"attempts": attempts}).Error("reconnect attempts exhausted")
				return
			}
			if waitForReconnect(ctx, delay) {
				return
			}
			delay = nextDelay(delay, c.policy)
			continue
		}

		attempts = 0
		delay = c.policy.Delay
		if delay <= 0 {
			delay = defaultReconnectDelay
		}

		if !c.session.EnsureValid(ctx) {
			log.Error("authentication failed after connect")
			conn.Close()
			logger.IncrementReconnect()
			metrics.RecordReconnect()
			if waitForReconnect(ctx, delay) {
				return
			}
			continue
		}

		c.attach(conn)
		log.WithFields(logger.Fields{"url": c.wsURL}).Info("connected to venue websocket")

		pingCancel := startPingLoop(ctx, conn, defaultKeepAlive, log)

		// Cancellation must unblock the read loop, which only notices the
		// context between frames.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-watchDone:
			}
		}()

		readErr := c.readLoop(ctx, conn)

		pingCancel()
		close(watchDone)
		c.detach(conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if readErr != nil {
			log.WithError(readErr).Warn("venue websocket closed, reconnecting")
		}
		logger.IncrementReconnect()
		metrics.RecordReconnect()
		if waitForReconnect(ctx, delay) {
			return
		}
	}
}

// attach installs the live connection and replays the subscription set, one
// frame per channel so a single rejected channel is attributable in the log.
func (c *Connector) attach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn

	log := c.log.WithComponent("connector")
	for name := range c.subscriptions {
		if err := c.writeSubscribeLocked(methodSubscribe, []string{name}); err != nil {
			log.WithError(err).WithFields(logger.Fields{"channel": name}).Warn("failed to replay subscription")
			continue
		}
		log.WithFields(logger.Fields{"channel": name}).Info("replayed subscription")
	}
}

func (c *Connector) detach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

// Subscribe adds the given channels to the upstream subscription set. The
// set is only mutated after the frame was written; a failed write leaves the
// set unchanged so a later reconnect does not replay channels the venue
// never accepted.
func (c *Connector) Subscribe(channels []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]string, 0, len(channels))
	for _, name := range channels {
		if _, ok := c.subscriptions[name]; !ok {
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := c.writeSubscribeLocked(methodSubscribe, pending); err != nil {
		return err
	}
	for _, name := range pending {
		c.subscriptions[name] = struct{}{}
	}
	return nil
}

// Unsubscribe removes the given channels from the subscription set.
func (c *Connector) Unsubscribe(channels []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]string, 0, len(channels))
	for _, name := range channels {
		if _, ok := c.subscriptions[name]; ok {
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := c.writeSubscribeLocked(methodUnsubscribe, pending); err != nil {
		return err
	}
	for _, name := range pending {
		delete(c.subscriptions, name)
	}
	return nil
}

// UnsubscribeAll drops every upstream subscription.
func (c *Connector) UnsubscribeAll() error {
	c.mu.Lock()
	names := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		names = append(names, name)
	}
	c.mu.Unlock()
	return c.Unsubscribe(names)
}

func (c *Connector) writeSubscribeLocked(method string, channels []string) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	frame := models.RPCRequest{
		JSONRPC: "2.0",
		ID:      fmt.Sprintf("%d", time.Now().UnixNano()),
		Method:  method,
		Params:  map[string]interface{}{"channels": channels},
	}
	return c.conn.WriteJSON(frame)
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(raw)
	}
}

// handleFrame demultiplexes a single inbound frame. Streaming notifications
// become market events; everything else is acknowledgement or venue error
// traffic and is only logged. Malformed frames are dropped.
func (c *Connector) handleFrame(raw []byte) {
	log := c.log.WithComponent("connector")

	var frame struct {
		Method string `json:"method"`
		Params struct {
			Channel string          `json:"channel"`
			Data    json.RawMessage `json:"data"`
		} `json:"params"`
		ID     json.RawMessage  `json:"id"`
		Result json.RawMessage  `json:"result"`
		Error  *models.RPCError `json:"error"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.WithError(err).Warn("dropping malformed frame")
		return
	}

	switch {
	case frame.Method == "subscription":
		logger.IncrementEventReceived(len(raw))
		c.channels.Publish(models.MarketEvent{
			Channel:   frame.Params.Channel,
			Symbol:    models.SymbolFromChannel(frame.Params.Channel),
			Data:      frame.Params.Data,
			Timestamp: time.Now().UTC(),
		})
	case frame.Error != nil:
		log.WithFields(logger.Fields{
			"id":    string(frame.ID),
			"code":  frame.Error.Code,
			"error": frame.Error.Message,
		}).Warn("venue rejected request")
	case len(frame.Result) > 0:
		log.WithFields(logger.Fields{"id": string(frame.ID)}).Debug("request acknowledged")
	default:
		log.Debug("ignoring frame without method, result or error")
	}
}

// SendRequest issues a one-shot venue call. Private methods get a freshness
// check and a bearer token first; a failed refresh short-circuits to an empty
// response without touching the wire.
func (c *Connector) SendRequest(ctx context.Context, method string, params interface{}, private bool) models.RPCResponse {
	token := ""
	if private {
		if !c.session.EnsureValid(ctx) {
			c.log.WithComponent("connector").WithFields(logger.Fields{"method": method}).Error("no valid session for private request")
			return models.RPCResponse{}
		}
		token, _ = c.session.Token()
	}
	return c.remote.Call(ctx, method, params, token)
}

// SubmitOrder places an order; the method is chosen by side.
func (c *Connector) SubmitOrder(ctx context.Context, side models.Side, instrument string, quantity, price float64) models.RPCResponse {
	method := "private/buy"
	if side == models.SideSell {
		method = "private/sell"
	}
	return c.SendRequest(ctx, method, map[string]interface{}{
		"instrument_name": instrument,
		"amount":          quantity,
		"price":           price,
	}, true)
}

// CancelOrder cancels a previously placed order by id.
func (c *Connector) CancelOrder(ctx context.Context, orderID string) models.RPCResponse {
	return c.SendRequest(ctx, "private/cancel", map[string]interface{}{
		"order_id": orderID,
	}, true)
}

// ModifyOrder amends quantity and price of an open order.
func (c *Connector) ModifyOrder(ctx context.Context, orderID string, quantity, price float64) models.RPCResponse {
	return c.SendRequest(ctx, "private/modify", map[string]interface{}{
		"order_id": orderID,
		"quantity": quantity,
		"price":    price,
	}, true)
}

// OrderBook fetches an order-book snapshot for one instrument.
func (c *Connector) OrderBook(ctx context.Context, instrument string, depth int) models.RPCResponse {
	return c.SendRequest(ctx, "public/get_order_book", map[string]interface{}{
		"instrument_name": instrument,
		"depth":           depth,
	}, false)
}

// Positions fetches the open positions for a currency.
func (c *Connector) Positions(ctx context.Context, currency string) models.RPCResponse {
	return c.SendRequest(ctx, "private/get_positions", map[string]interface{}{
		"currency": currency,
	}, true)
}

// Connected reports whether a live streaming connection is attached.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// State returns a human-readable connection state for the dashboard.
func (c *Connector) State() string {
	if c.Connected() {
		return "connected"
	}
	return "disconnected"
}

// Subscriptions returns the current upstream channel set, sorted.
func (c *Connector) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// startPingLoop keeps the venue connection alive. A failed ping stops the
// loop; the broken connection surfaces as a read error and triggers a
// reconnect.
func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func nextDelay(current time.Duration, policy config.ReconnectConfig) time.Duration {
	if policy.BackoffMultiplier <= 1 {
		return current
	}
	next := current * time.Duration(policy.BackoffMultiplier)
	if policy.MaxDelay > 0 && next > policy.MaxDelay {
		return policy.MaxDelay
	}
	return next
}
