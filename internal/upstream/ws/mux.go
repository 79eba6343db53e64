// Package ws maintains the single WebSocket connection to the upstream and
// demultiplexes inbound frames onto per-subscription queues. Subscribes are
// queued while the connection is down and replayed, staggered, on reconnect.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/net/budget"
	"github.com/perpfolio/perpfolio/internal/upstream"
)

// UserFillsCap is the upstream's limit on distinct userFills subscriptions
// per connection. Traders beyond the cap fall back to polling-only coverage.
const UserFillsCap = 10

// ErrUserFillsCapReached is returned when a userFills subscribe would exceed
// the per-connection cap.
var ErrUserFillsCapReached = errors.New("ws: userFills subscription cap reached")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("ws: multiplexer closed")

// Channel names used on the wire.
const (
	ChannelUserFills  = "userFills"
	ChannelTrades     = "trades"
	ChannelAllMids    = "allMids"
	ChannelUserEvents = "userEvents"
)

// Subscription identifies one channel stream. Coin is set for trades,
// User for userFills and userEvents.
type Subscription struct {
	Channel string `json:"type"`
	Coin    string `json:"coin,omitempty"`
	User    string `json:"user,omitempty"`
}

// Message is one demultiplexed frame.
type Message struct {
	Sub  Subscription
	Data json.RawMessage
}

type wireRequest struct {
	Method       string       `json:"method"`
	Subscription Subscription `json:"subscription"`
}

type wireFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type subEntry struct {
	sub    Subscription
	out    chan Message
	closed bool
}

// Config configures the multiplexer.
type Config struct {
	URL string

	PingInterval     time.Duration // default 30s
	MaxMissedPongs   int           // default 2
	ReconnectBase    time.Duration // default 1s
	ReconnectMax     time.Duration // default 30s
	ReconnectJitter  float64       // default 0.2
	ResubPerTick     int           // subscribes replayed per stagger tick, default 5
	ResubTick        time.Duration // default 250ms
	QueueSize        int           // per-subscription buffer, default 256
	HandshakeTimeout time.Duration // default 10s
}

func (c *Config) defaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = 2
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectJitter <= 0 {
		c.ReconnectJitter = 0.2
	}
	if c.ResubPerTick <= 0 {
		c.ResubPerTick = 5
	}
	if c.ResubTick <= 0 {
		c.ResubTick = 250 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Mux owns the single upstream WebSocket connection.
type Mux struct {
	cfg     Config
	budget  *budget.Budget
	metrics *metrics.Metrics
	log     zerolog.Logger

	state atomic.Int32

	mu            sync.Mutex
	subs          map[Subscription]*subEntry
	userFillSubs  int
	sendq         chan []byte
	closed        bool
	missedPongs   int
	reconnects    atomic.Int64
	droppedFrames atomic.Int64
}

// NewMux creates a multiplexer; Run must be started for traffic to flow.
func NewMux(cfg Config, b *budget.Budget, m *metrics.Metrics, log zerolog.Logger) *Mux {
	cfg.defaults()
	return &Mux{
		cfg:     cfg,
		budget:  b,
		metrics: m,
		log:     log.With().Str("component", "ws").Logger(),
		subs:    make(map[Subscription]*subEntry),
		sendq:   make(chan []byte, 512),
	}
}

// State returns the connection state.
func (m *Mux) State() State {
	return State(m.state.Load())
}

// Reconnects returns the number of reconnects since start.
func (m *Mux) Reconnects() int64 { return m.reconnects.Load() }

// UserFillsAvailable reports how many more userFills subscriptions the
// connection cap allows.
func (m *Mux) UserFillsAvailable() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return UserFillsCap - m.userFillSubs
}

// Subscribe registers a subscription and returns its message queue. While
// the connection is not open the subscribe frame is deferred until the next
// successful connect. Subscribing twice returns the existing queue.
func (m *Mux) Subscribe(ctx context.Context, sub Subscription) (<-chan Message, error) {
	sub = normalize(sub)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if entry, ok := m.subs[sub]; ok {
		m.mu.Unlock()
		return entry.out, nil
	}
	if sub.Channel == ChannelUserFills && m.userFillSubs >= UserFillsCap {
		m.mu.Unlock()
		return nil, ErrUserFillsCapReached
	}
	entry := &subEntry{sub: sub, out: make(chan Message, m.cfg.QueueSize)}
	m.subs[sub] = entry
	if sub.Channel == ChannelUserFills {
		m.userFillSubs++
	}
	open := m.State() == StateOpen
	m.mu.Unlock()

	if open {
		if err := m.budget.Wait(ctx, budget.WeightWSSubscribe); err != nil {
			return entry.out, err
		}
		m.metrics.WeightConsumed.Add(budget.WeightWSSubscribe)
		m.enqueue(wireRequest{Method: "subscribe", Subscription: sub})
	}
	return entry.out, nil
}

// Unsubscribe sends an unsubscribe frame, drops the queue and closes it so
// downstream readers terminate.
func (m *Mux) Unsubscribe(sub Subscription) {
	sub = normalize(sub)

	m.mu.Lock()
	entry, ok := m.subs[sub]
	if ok {
		delete(m.subs, sub)
		if sub.Channel == ChannelUserFills {
			m.userFillSubs--
		}
		if !entry.closed {
			entry.closed = true
			close(entry.out)
		}
	}
	open := m.State() == StateOpen
	m.mu.Unlock()

	if ok && open {
		m.enqueue(wireRequest{Method: "unsubscribe", Subscription: sub})
	}
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (m *Mux) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			m.shutdown()
			return ctx.Err()
		}

		m.state.Store(int32(StateConnecting))
		conn, err := m.dial(ctx)
		if err != nil {
			m.state.Store(int32(StateReconnecting))
			attempt++
			wait := m.reconnectDelay(attempt)
			m.log.Warn().Err(err).Dur("retry_in", wait).Msg("websocket dial failed")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				m.shutdown()
				return ctx.Err()
			}
		}

		attempt = 0
		m.state.Store(int32(StateOpen))
		m.log.Info().Str("url", m.cfg.URL).Msg("websocket connected")

		m.runConnection(ctx, conn)

		if ctx.Err() != nil {
			m.shutdown()
			return ctx.Err()
		}
		m.reconnects.Add(1)
		m.metrics.WSReconnects.Inc()
		m.state.Store(int32(StateReconnecting))
		attempt++
		wait := m.reconnectDelay(attempt)
		m.log.Warn().Dur("retry_in", wait).Msg("websocket disconnected, reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		}
	}
}

func (m *Mux) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}
	return conn, nil
}

// runConnection owns one live connection: a writer goroutine draining the
// send queue, a ping ticker, the staggered subscription replay, and the
// read loop. Returns when the connection dies or ctx is cancelled.
func (m *Mux) runConnection(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	m.mu.Lock()
	m.missedPongs = 0
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.writeLoop(connCtx, conn, cancel)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.replaySubscriptions(connCtx)
	}()

	m.readLoop(connCtx, conn)
	cancel()
	wg.Wait()
}

// writeLoop is the single writer for the connection. It also owns the
// heartbeat: a ping every PingInterval, and a forced disconnect after
// MaxMissedPongs consecutive pings without a pong.
func (m *Mux) writeLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()

	pingFrame := []byte(`{"method":"ping"}`)

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-m.sendq:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				m.log.Warn().Err(err).Msg("websocket write failed")
				cancel()
				return
			}
		case <-ping.C:
			m.mu.Lock()
			m.missedPongs++
			missed := m.missedPongs
			m.mu.Unlock()
			if missed > m.cfg.MaxMissedPongs {
				m.log.Warn().Int("missed_pongs", missed-1).Msg("heartbeat lost, forcing reconnect")
				cancel()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
				cancel()
				return
			}
		}
	}
}

// replaySubscriptions re-sends every registered subscription after a
// connect, at most ResubPerTick per tick so a reconnect storm stays inside
// the rate budget.
func (m *Mux) replaySubscriptions(ctx context.Context) {
	m.mu.Lock()
	pending := make([]Subscription, 0, len(m.subs))
	for sub := range m.subs {
		pending = append(pending, sub)
	}
	m.mu.Unlock()

	for i := 0; i < len(pending); i += m.cfg.ResubPerTick {
		end := i + m.cfg.ResubPerTick
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[i:end]
		if err := m.budget.Wait(ctx, len(batch)*budget.WeightWSSubscribe); err != nil {
			return
		}
		m.metrics.WeightConsumed.Add(float64(len(batch) * budget.WeightWSSubscribe))
		for _, sub := range batch {
			m.enqueue(wireRequest{Method: "subscribe", Subscription: sub})
		}
		if end < len(pending) {
			select {
			case <-time.After(m.cfg.ResubTick):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Mux) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		m.dispatch(raw)
	}
}

// dispatch demultiplexes one inbound frame by (channel, coin|user) and
// publishes it to the matching subscription queue. Unroutable or malformed
// frames are logged once per occurrence and skipped; ingestion never stops
// on a bad record.
func (m *Mux) dispatch(raw []byte) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.log.Warn().Err(err).Str("sample", truncate(raw, 256)).Msg("unparseable websocket frame")
		return
	}

	switch frame.Channel {
	case "pong":
		m.mu.Lock()
		m.missedPongs = 0
		m.mu.Unlock()
		return
	case "subscriptionResponse":
		return
	case "error":
		m.log.Warn().Str("payload", truncate(frame.Data, 256)).Msg("upstream websocket error frame")
		return
	}

	sub, ok := m.routeKey(frame)
	if !ok {
		return
	}

	m.mu.Lock()
	entry, exists := m.subs[sub]
	m.mu.Unlock()
	if !exists {
		return
	}

	select {
	case entry.out <- Message{Sub: sub, Data: frame.Data}:
	default:
		// Bounded fan-in: a stalled consumer drops frames rather than
		// blocking the reader for every other subscription.
		m.droppedFrames.Add(1)
	}
}

// routeKey extracts the demux key from a channel message payload.
func (m *Mux) routeKey(frame wireFrame) (Subscription, bool) {
	switch frame.Channel {
	case ChannelAllMids:
		return Subscription{Channel: ChannelAllMids}, true
	case ChannelTrades:
		var trades []upstream.MarketTrade
		if err := json.Unmarshal(frame.Data, &trades); err != nil || len(trades) == 0 {
			if err != nil {
				m.log.Warn().Err(err).Msg("trades frame decode failed")
			}
			return Subscription{}, false
		}
		return Subscription{Channel: ChannelTrades, Coin: trades[0].Coin}, true
	case ChannelUserFills:
		var payload struct {
			User string `json:"user"`
		}
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			m.log.Warn().Err(err).Msg("userFills frame decode failed")
			return Subscription{}, false
		}
		return Subscription{Channel: ChannelUserFills, User: upstream.NormalizeAddress(payload.User)}, true
	case ChannelUserEvents:
		var payload struct {
			User string `json:"user"`
		}
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return Subscription{}, false
		}
		return Subscription{Channel: ChannelUserEvents, User: upstream.NormalizeAddress(payload.User)}, true
	default:
		return Subscription{}, false
	}
}

func (m *Mux) enqueue(req wireRequest) {
	frame, err := json.Marshal(req)
	if err != nil {
		return
	}
	select {
	case m.sendq <- frame:
	default:
		m.log.Warn().Str("method", req.Method).Msg("send queue full, dropping frame")
	}
}

func (m *Mux) reconnectDelay(attempt int) time.Duration {
	d := m.cfg.ReconnectBase << uint(attempt-1)
	if d > m.cfg.ReconnectMax || d <= 0 {
		d = m.cfg.ReconnectMax
	}
	spread := float64(d) * m.cfg.ReconnectJitter
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// shutdown closes every subscription queue and marks the mux closed.
func (m *Mux) shutdown() {
	m.state.Store(int32(StateClosing))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, entry := range m.subs {
		if !entry.closed {
			entry.closed = true
			close(entry.out)
		}
	}
	m.subs = make(map[Subscription]*subEntry)
	m.userFillSubs = 0
	m.state.Store(int32(StateDisconnected))
}

func normalize(sub Subscription) Subscription {
	if sub.User != "" {
		sub.User = upstream.NormalizeAddress(sub.User)
	}
	return sub
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
