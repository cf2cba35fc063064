package connector

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"deriflow/config"
	"deriflow/internal/channel"
	"deriflow/internal/session"
	"deriflow/models"
)

type authCaller struct{}

func (authCaller) Call(_ context.Context, method string, _ interface{}, _ string) models.RPCResponse {
	if method != "public/auth" {
		return models.RPCResponse{}
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"access_token": "tok-1",
		"expires_in":   900,
	})
	return models.RPCResponse{Result: raw}
}

type venueFrame struct {
	Method string `json:"method"`
	Params struct {
		Channels []string `json:"channels"`
	} `json:"params"`
}

// fakeVenue is a websocket endpoint that records every frame the connector
// writes and exposes the accepted connections so tests can drop them.
type fakeVenue struct {
	srv    *httptest.Server
	frames chan venueFrame

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	v := &fakeVenue{frames: make(chan venueFrame, 16)}
	upgrader := websocket.Upgrader{}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.conns = append(v.conns, conn)
		v.mu.Unlock()
		for {
			var frame venueFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			v.frames <- frame
		}
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVenue) url() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func (v *fakeVenue) dropConnections() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, conn := range v.conns {
		conn.Close()
	}
	v.conns = nil
}

func (v *fakeVenue) nextFrame(t *testing.T) venueFrame {
	t.Helper()
	select {
	case frame := <-v.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return venueFrame{}
	}
}

func newTestConnector(t *testing.T, wsURL string, ch *channel.Channels) *Connector {
	t.Helper()
	cfg := config.DeribitConfig{
		WebsocketURL: wsURL,
		Reconnect:    config.ReconnectConfig{Delay: 20 * time.Millisecond},
	}
	sess := session.NewManager(authCaller{}, "id", "secret")
	return NewConnector(cfg, sess, NewRemoteClient("http://127.0.0.1:0", time.Second), ch)
}

func waitConnected(t *testing.T, c *Connector) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Connected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connector never connected")
}

func TestSubscribeNotConnected(t *testing.T) {
	c := newTestConnector(t, "ws://127.0.0.1:0", channel.NewChannels(8))
	if err := c.Subscribe([]string{"book.BTC-PERPETUAL.100ms"}); err == nil {
		t.Fatal("subscribe without a connection must fail")
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	venue := newFakeVenue(t)
	c := newTestConnector(t, venue.url(), channel.NewChannels(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitConnected(t, c)

	if err := c.Subscribe([]string{"book.BTC-PERPETUAL.100ms"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	frame := venue.nextFrame(t)
	if frame.Method != "public/subscribe" || len(frame.Params.Channels) != 1 {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	// Repeating the same subscription sends nothing.
	if err := c.Subscribe([]string{"book.BTC-PERPETUAL.100ms"}); err != nil {
		t.Fatalf("repeat subscribe failed: %v", err)
	}
	select {
	case frame := <-venue.frames:
		t.Fatalf("duplicate subscription sent a frame: %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeRemovesChannel(t *testing.T) {
	venue := newFakeVenue(t)
	c := newTestConnector(t, venue.url(), channel.NewChannels(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitConnected(t, c)

	if err := c.Subscribe([]string{"trades.ETH-PERPETUAL.raw"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	venue.nextFrame(t)

	if err := c.Unsubscribe([]string{"trades.ETH-PERPETUAL.raw"}); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	frame := venue.nextFrame(t)
	if frame.Method != "public/unsubscribe" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if got := c.Subscriptions(); len(got) != 0 {
		t.Fatalf("subscription set not cleared: %v", got)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	venue := newFakeVenue(t)
	c := newTestConnector(t, venue.url(), channel.NewChannels(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitConnected(t, c)

	if err := c.Subscribe([]string{"book.BTC-PERPETUAL.100ms", "trades.ETH-PERPETUAL.raw"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	venue.nextFrame(t)

	if err := c.UnsubscribeAll(); err != nil {
		t.Fatalf("unsubscribe all failed: %v", err)
	}
	frame := venue.nextFrame(t)
	if frame.Method != "public/unsubscribe" || len(frame.Params.Channels) != 2 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if got := c.Subscriptions(); len(got) != 0 {
		t.Fatalf("subscription set not emptied: %v", got)
	}

	// Empty set is a no-op.
	if err := c.UnsubscribeAll(); err != nil {
		t.Fatalf("idle unsubscribe all failed: %v", err)
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	venue := newFakeVenue(t)
	c := newTestConnector(t, venue.url(), channel.NewChannels(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitConnected(t, c)

	if err := c.Subscribe([]string{"book.BTC-PERPETUAL.100ms"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	venue.nextFrame(t)

	venue.dropConnections()

	// The new connection replays the full set.
	frame := venue.nextFrame(t)
	if frame.Method != "public/subscribe" {
		t.Fatalf("unexpected frame after reconnect: %+v", frame)
	}
	if len(frame.Params.Channels) != 1 || frame.Params.Channels[0] != "book.BTC-PERPETUAL.100ms" {
		t.Fatalf("unexpected replayed channels: %v", frame.Params.Channels)
	}
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	venue := newFakeVenue(t)
	c := newTestConnector(t, venue.url(), channel.NewChannels(8))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	waitConnected(t, c)

	// The read loop is blocked on an idle connection; cancellation must
	// still get Run to return.
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	if c.Connected() {
		t.Fatal("connection still attached after shutdown")
	}
}

func TestRunStopsAfterMaxAttempts(t *testing.T) {
	// An address nothing listens on, so every dial fails.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := config.DeribitConfig{
		WebsocketURL: "ws://" + addr,
		Reconnect:    config.ReconnectConfig{Delay: 10 * time.Millisecond, MaxAttempts: 2},
	}
	sess := session.NewManager(authCaller{}, "id", "secret")
	c := NewConnector(cfg, sess, NewRemoteClient("http://127.0.0.1:0", time.Second), channel.NewChannels(8))

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after exhausting its attempts")
	}
}

func TestNextDelay(t *testing.T) {
	cases := []struct {
		name    string
		current time.Duration
		policy  config.ReconnectConfig
		want    time.Duration
	}{
		{"default policy keeps a fixed delay", 5 * time.Second, config.ReconnectConfig{Delay: 5 * time.Second, BackoffMultiplier: 1}, 5 * time.Second},
		{"zero multiplier keeps the delay", 5 * time.Second, config.ReconnectConfig{}, 5 * time.Second},
		{"multiplier grows the delay", 2 * time.Second, config.ReconnectConfig{BackoffMultiplier: 2}, 4 * time.Second},
		{"cap bounds the growth", 4 * time.Second, config.ReconnectConfig{BackoffMultiplier: 2, MaxDelay: 6 * time.Second}, 6 * time.Second},
		{"growth below the cap passes through", time.Second, config.ReconnectConfig{BackoffMultiplier: 3, MaxDelay: 10 * time.Second}, 3 * time.Second},
	}
	for _, tc := range cases {
		if got := nextDelay(tc.current, tc.policy); got != tc.want {
			t.Errorf("%s: nextDelay(%v) = %v, want %v", tc.name, tc.current, got, tc.want)
		}
	}
}

func TestVenueHelpers(t *testing.T) {
	var gotReq models.RPCRequest
	var gotAuth string
	httpVenue := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"order":{"order_id":"ord-1"}}}`))
	}))
	defer httpVenue.Close()

	cfg := config.DeribitConfig{WebsocketURL: "ws://127.0.0.1:0"}
	sess := session.NewManager(authCaller{}, "id", "secret")
	c := NewConnector(cfg, sess, NewRemoteClient(httpVenue.URL, time.Second), channel.NewChannels(8))
	ctx := context.Background()

	resp := c.SubmitOrder(ctx, models.SideSell, "BTC-PERPETUAL", 10, 50000)
	if resp.IsEmpty() {
		t.Fatal("expected order response")
	}
	if gotReq.Method != "private/sell" {
		t.Fatalf("unexpected method %q", gotReq.Method)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("private call without bearer token: %q", gotAuth)
	}
	params := gotReq.Params.(map[string]interface{})
	if params["instrument_name"] != "BTC-PERPETUAL" || params["price"].(float64) != 50000 {
		t.Fatalf("unexpected params: %v", params)
	}

	c.OrderBook(ctx, "ETH-PERPETUAL", 5)
	if gotReq.Method != "public/get_order_book" || gotAuth != "" {
		t.Fatalf("public call wrong shape: method=%q auth=%q", gotReq.Method, gotAuth)
	}

	c.Positions(ctx, "BTC")
	if gotReq.Method != "private/get_positions" {
		t.Fatalf("unexpected method %q", gotReq.Method)
	}

	c.CancelOrder(ctx, "ord-1")
	if gotReq.Method != "private/cancel" {
		t.Fatalf("unexpected method %q", gotReq.Method)
	}

	c.ModifyOrder(ctx, "ord-1", 20, 51000)
	if gotReq.Method != "private/modify" {
		t.Fatalf("unexpected method %q", gotReq.Method)
	}
}

func TestHandleFrameSubscription(t *testing.T) {
	ch := channel.NewChannels(8)
	c := newTestConnector(t, "ws://127.0.0.1:0", ch)

	c.handleFrame([]byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC-PERPETUAL.100ms","data":{"bids":[]}}}`))

	select {
	case ev := <-ch.Events:
		if ev.Symbol != "BTC-PERPETUAL" || ev.Channel != "book.BTC-PERPETUAL.100ms" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("subscription frame did not publish an event")
	}
}

func TestHandleFrameNonStreaming(t *testing.T) {
	ch := channel.NewChannels(8)
	c := newTestConnector(t, "ws://127.0.0.1:0", ch)

	c.handleFrame([]byte(`{"jsonrpc":"2.0","id":"7","result":["book.BTC-PERPETUAL.100ms"]}`))
	c.handleFrame([]byte(`{"jsonrpc":"2.0","id":"8","error":{"code":11050,"message":"bad_request"}}`))
	c.handleFrame([]byte(`not json`))

	select {
	case ev := <-ch.Events:
		t.Fatalf("non-streaming frame published an event: %+v", ev)
	default:
	}
}
