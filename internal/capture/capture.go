// Package capture watches the coin-level trades channels. Every print
// names its buyer and seller, which serves two purposes: unknown
// addresses feed the discovery queue, and prints involving a tracked
// trader without a userFills subscription become synthesized fills.
package capture

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perpfolio/perpfolio/internal/ingest"
	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/pnl"
	"github.com/perpfolio/perpfolio/internal/upstream"
	"github.com/perpfolio/perpfolio/internal/upstream/ws"
)

// Config tunes the capture worker.
type Config struct {
	// Coins is the static list of trades channels to watch.
	Coins []string
	// FlushInterval is how often buffered discoveries hit the queue.
	FlushInterval time.Duration
}

// DefaultConfig watches the majors.
func DefaultConfig() Config {
	return Config{
		Coins:         []string{"BTC", "ETH", "SOL", "ARB", "AVAX", "DOGE", "LINK", "OP"},
		FlushInterval: 5 * time.Second,
	}
}

// Capture consumes trades channels and feeds discovery and fill capture.
type Capture struct {
	cfg     Config
	mux     *ws.Mux
	stream  *ingest.Stream
	repos   *persistence.Repository
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	known   map[string]struct{} // every address already in traders or the queue
	pending []persistence.DiscoveryItem
}

// NewCapture assembles the capture worker.
func NewCapture(cfg Config, mux *ws.Mux, stream *ingest.Stream, repos *persistence.Repository,
	m *metrics.Metrics, log zerolog.Logger) *Capture {
	def := DefaultConfig()
	if len(cfg.Coins) == 0 {
		cfg.Coins = def.Coins
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &Capture{
		cfg:     cfg,
		mux:     mux,
		stream:  stream,
		repos:   repos,
		metrics: m,
		log:     log.With().Str("component", "capture").Logger(),
		known:   make(map[string]struct{}),
	}
}

// Run hydrates the known-address set, subscribes to each coin channel and
// consumes until ctx is cancelled.
func (c *Capture) Run(ctx context.Context) error {
	if err := c.hydrateKnown(ctx); err != nil {
		// A cold known-set just means some duplicate enqueue attempts,
		// which the queue's address uniqueness absorbs.
		c.log.Warn().Err(err).Msg("hydrating known addresses failed")
	}

	var wg sync.WaitGroup
	for _, coin := range c.cfg.Coins {
		ch, err := c.mux.Subscribe(ctx, ws.Subscription{Channel: ws.ChannelTrades, Coin: coin})
		if err != nil {
			c.log.Warn().Err(err).Str("coin", coin).Msg("trades subscribe failed")
			continue
		}
		wg.Add(1)
		go func(coin string, ch <-chan ws.Message) {
			defer wg.Done()
			c.consume(ctx, coin, ch)
		}(coin, ch)
	}

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

// hydrateKnown seeds the in-memory set from the traders table and the
// discovery queue so restarts do not re-enqueue the whole market.
func (c *Capture) hydrateKnown(ctx context.Context) error {
	traders, err := c.repos.Traders.ListActive(ctx)
	if err != nil {
		return err
	}
	queued, err := c.repos.Discovery.KnownAddresses(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range traders {
		c.known[t.Address] = struct{}{}
	}
	for _, addr := range queued {
		c.known[addr] = struct{}{}
	}
	c.log.Info().Int("known", len(c.known)).Msg("known address set hydrated")
	return nil
}

func (c *Capture) consume(ctx context.Context, coin string, ch <-chan ws.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var trades []upstream.MarketTrade
			if err := json.Unmarshal(msg.Data, &trades); err != nil {
				c.log.Warn().Err(err).Str("coin", coin).Msg("trades payload decode failed")
				continue
			}
			for i := range trades {
				c.observe(ctx, &trades[i])
			}
		}
	}
}

// observe handles one print: capture a fill for a tracked side, queue an
// unknown side for discovery.
func (c *Capture) observe(ctx context.Context, mt *upstream.MarketTrade) {
	// Buyer is long the print, seller short.
	c.observeSide(ctx, mt, mt.Buyer(), pnl.SideBuy)
	c.observeSide(ctx, mt, mt.Seller(), pnl.SideSell)
}

func (c *Capture) observeSide(ctx context.Context, mt *upstream.MarketTrade, address, side string) {
	if !upstream.ValidAddress(address) {
		return
	}
	if c.stream.Tracked(address) {
		c.stream.ApplyMarketFill(ctx, address, *mt, side)
		return
	}
	c.remember(address)
}

// remember buffers a newly seen address for the next discovery flush.
func (c *Capture) remember(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.known[address]; ok {
		return
	}
	c.known[address] = struct{}{}
	c.pending = append(c.pending, persistence.DiscoveryItem{
		ID:           uuid.NewString(),
		Address:      address,
		Source:       persistence.SourceMarketTrade,
		DiscoveredAt: time.Now().UTC(),
	})
}

func (c *Capture) flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := c.repos.Discovery.InsertBatch(ctx, batch); err != nil {
		c.log.Error().Err(err).Int("addresses", len(batch)).Msg("discovery flush failed")
		// Re-buffer so the addresses are not lost; the set already marks
		// them known so no duplicates accumulate.
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.mu.Unlock()
		return
	}
	c.metrics.DiscoveryQueued.Add(float64(len(batch)))
	c.log.Debug().Int("addresses", len(batch)).Msg("discoveries enqueued")
}
