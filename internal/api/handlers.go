package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfolio/perpfolio/internal/gaps"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/pnl"
	"github.com/perpfolio/perpfolio/internal/upstream"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"tracked_traders": s.store.Size(),
	})
}

type pnlResponse struct {
	Address          string          `json:"address"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	TotalPnl         decimal.Decimal `json:"total_pnl"`
	TradingPnl       decimal.Decimal `json:"trading_pnl"`
	FundingPnl       decimal.Decimal `json:"funding_pnl"`
	TotalFees        decimal.Decimal `json:"total_fees"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
	OpenPositions    int             `json:"open_positions"`
	TradeCount       int64           `json:"trade_count"`
	LiquidationCount int64           `json:"liquidation_count"`
	FlipCount        int64           `json:"flip_count"`
	LastUpdated      time.Time       `json:"last_updated"`
	Live             bool            `json:"live"`
	DataStatus       *gaps.Status    `json:"data_status,omitempty"`
}

// handlePnl serves the running PnL breakdown. In-memory state is
// preferred; an untracked trader with history falls back to the latest
// persisted snapshot.
func (s *Server) handlePnl(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	status := s.dataStatus(r, address, requestWindow(r))

	if st := s.store.Get(address); st != nil {
		s.respond(w, http.StatusOK, pnlResponse{
			Address:          address,
			RealizedPnl:      st.RealizedPnl(),
			UnrealizedPnl:    st.UnrealizedPnl(),
			TotalPnl:         st.TotalPnl(),
			TradingPnl:       st.RealizedTradingPnl,
			FundingPnl:       st.RealizedFundingPnl,
			TotalFees:        st.TotalFees,
			TotalVolume:      st.TotalVolume,
			OpenPositions:    st.OpenPositions(),
			TradeCount:       st.TradeCount,
			LiquidationCount: st.LiquidationCount,
			FlipCount:        st.FlipCount,
			LastUpdated:      st.LastUpdated,
			Live:             true,
			DataStatus:       status,
		})
		return
	}

	snap, err := s.latestSnapshot(r, address)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "snapshot lookup failed")
		return
	}
	if snap == nil {
		s.respondError(w, http.StatusNotFound, "trader not tracked")
		return
	}
	s.respond(w, http.StatusOK, pnlResponse{
		Address:       address,
		RealizedPnl:   snap.RealizedPnl,
		UnrealizedPnl: snap.UnrealizedPnl,
		TotalPnl:      snap.TotalPnl,
		TradingPnl:    snap.TradingPnl,
		FundingPnl:    snap.FundingPnl,
		TotalFees:     snap.TotalFees,
		TotalVolume:   snap.TotalVolume,
		OpenPositions: snap.OpenPositions,
		LastUpdated:   snap.Timestamp,
		DataStatus:    status,
	})
}

// requestWindow derives the [from, to) window from from/to unix-ms query
// parameters, falling back to the last `days` days (default 30).
func requestWindow(r *http.Request) persistence.TimeRange {
	q := r.URL.Query()
	if from, errF := strconv.ParseInt(q.Get("from"), 10, 64); errF == nil {
		if to, errT := strconv.ParseInt(q.Get("to"), 10, 64); errT == nil && to > from {
			return persistence.TimeRange{
				From: time.UnixMilli(from).UTC(),
				To:   time.UnixMilli(to).UTC(),
			}
		}
	}
	days := queryInt(r, "days", 30, 365)
	now := time.Now().UTC()
	return persistence.TimeRange{From: now.AddDate(0, 0, -days), To: now}
}

// dataStatus grades the recorded series for the requested window. Status
// lookups are best effort; a storage error degrades to no status rather
// than failing the PnL read.
func (s *Server) dataStatus(r *http.Request, address string, window persistence.TimeRange) *gaps.Status {
	ctx := r.Context()
	_, wsMode, fillsCapped := s.stream.Coverage(address)
	cov := gaps.Coverage{WsMode: wsMode, FillsCapped: fillsCapped}

	trader, err := s.repos.Traders.GetByAddress(ctx, address)
	if err != nil {
		s.log.Warn().Err(err).Str("address", address).Msg("data status lookup failed")
		return nil
	}
	if trader == nil {
		st := gaps.BuildStatus(nil, window, 0, 0, nil, cov)
		return &st
	}

	fills, err := s.repos.Trades.CountInRange(ctx, trader.ID, window)
	if err != nil {
		s.log.Warn().Err(err).Str("address", address).Msg("data status lookup failed")
		return nil
	}
	snaps, err := s.repos.Snapshots.CountInRange(ctx, trader.ID, window)
	if err != nil {
		s.log.Warn().Err(err).Str("address", address).Msg("data status lookup failed")
		return nil
	}
	known, err := s.repos.Gaps.InRange(ctx, trader.ID, window)
	if err != nil {
		s.log.Warn().Err(err).Str("address", address).Msg("data status lookup failed")
		return nil
	}

	st := gaps.BuildStatus(trader, window, fills, snaps, known, cov)
	return &st
}

func (s *Server) latestSnapshot(r *http.Request, address string) (*pnl.Snapshot, error) {
	ctx := r.Context()
	trader, err := s.repos.Traders.GetByAddress(ctx, address)
	if err != nil || trader == nil {
		return nil, err
	}
	last, err := s.repos.Snapshots.LastTimestamp(ctx, trader.ID)
	if err != nil {
		return nil, err
	}
	if last.IsZero() {
		return nil, nil
	}
	snaps, err := s.repos.Snapshots.History(ctx, trader.ID,
		persistence.TimeRange{From: last, To: last.Add(time.Millisecond)}, 1)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return &snaps[0], nil
}

type positionResponse struct {
	Coin             string           `json:"coin"`
	Size             decimal.Decimal  `json:"size"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	Leverage         decimal.Decimal  `json:"leverage"`
	MarginType       string           `json:"margin_type,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	MarginUsed       decimal.Decimal  `json:"margin_used"`
	UnrealizedPnl    decimal.Decimal  `json:"unrealized_pnl"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	st := s.store.Get(address)
	if st == nil {
		s.respondError(w, http.StatusNotFound, "trader not tracked")
		return
	}

	positions := make([]positionResponse, 0, len(st.Positions))
	for _, pos := range st.Positions {
		positions = append(positions, positionResponse{
			Coin:             pos.Coin,
			Size:             pos.Size,
			EntryPrice:       pos.EntryPrice,
			Leverage:         pos.Leverage,
			MarginType:       pos.MarginType,
			LiquidationPrice: pos.LiquidationPrice,
			MarginUsed:       pos.MarginUsed,
			UnrealizedPnl:    pos.UnrealizedPnl,
		})
	}
	s.respond(w, http.StatusOK, map[string]any{
		"address":   address,
		"positions": positions,
	})
}

type statsResponse struct {
	Address     string          `json:"address"`
	WindowDays  int             `json:"window_days"`
	PeakPnl     decimal.Decimal `json:"peak_pnl"`
	TroughPnl   decimal.Decimal `json:"trough_pnl"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`
	TradeCount  int64           `json:"trade_count"`
	FundingPnl  decimal.Decimal `json:"funding_pnl"`
	Snapshots   int             `json:"snapshots"`
}

// handleStats computes summary statistics over the snapshot history.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	trader, err := s.repos.Traders.GetByAddress(ctx, address)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "trader lookup failed")
		return
	}
	if trader == nil {
		s.respondError(w, http.StatusNotFound, "trader not tracked")
		return
	}

	days := queryInt(r, "days", 30, 365)
	now := time.Now().UTC()
	window := persistence.TimeRange{From: now.AddDate(0, 0, -days), To: now}

	snaps, err := s.repos.Snapshots.History(ctx, trader.ID, window, 50000)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}

	series := make([]pnl.SeriesPoint, 0, len(snaps))
	for _, snap := range snaps {
		series = append(series, pnl.SeriesPoint{Timestamp: snap.Timestamp, Value: snap.TotalPnl})
	}
	stats := pnl.CalculateSummaryStats(series)

	tradeCount, err := s.repos.Trades.CountInRange(ctx, trader.ID, window)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "trade count failed")
		return
	}
	fundingPnl, err := s.repos.Funding.SumInRange(ctx, trader.ID, window)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "funding sum failed")
		return
	}

	s.respond(w, http.StatusOK, statsResponse{
		Address:     address,
		WindowDays:  days,
		PeakPnl:     stats.PeakPnl,
		TroughPnl:   stats.TroughPnl,
		MaxDrawdown: stats.MaxDrawdown,
		TradeCount:  tradeCount,
		FundingPnl:  fundingPnl,
		Snapshots:   len(snaps),
	})
}

// handleHistory serves the snapshot series at raw, hourly or daily
// resolution.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	trader, err := s.repos.Traders.GetByAddress(ctx, address)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "trader lookup failed")
		return
	}
	if trader == nil {
		s.respondError(w, http.StatusNotFound, "trader not tracked")
		return
	}

	days := queryInt(r, "days", 7, 365)
	now := time.Now().UTC()
	window := persistence.TimeRange{From: now.AddDate(0, 0, -days), To: now}

	resolution := r.URL.Query().Get("resolution")
	switch resolution {
	case "hourly":
		buckets, err := s.repos.Snapshots.Hourly(ctx, trader.ID, window)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "aggregate lookup failed")
			return
		}
		s.respond(w, http.StatusOK, map[string]any{"address": address, "resolution": resolution, "buckets": buckets})
	case "daily":
		buckets, err := s.repos.Snapshots.Daily(ctx, trader.ID, window)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "aggregate lookup failed")
			return
		}
		s.respond(w, http.StatusOK, map[string]any{"address": address, "resolution": resolution, "buckets": buckets})
	case "", "raw":
		limit := queryInt(r, "limit", 1000, 10000)
		snaps, err := s.repos.Snapshots.History(ctx, trader.ID, window, limit)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "history lookup failed")
			return
		}
		s.respond(w, http.StatusOK, map[string]any{"address": address, "resolution": "raw", "snapshots": snaps})
	default:
		s.respondError(w, http.StatusBadRequest, "resolution must be raw, hourly or daily")
	}
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 25, 100)
	entries, err := s.repos.Snapshots.Leaderboard(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "leaderboard lookup failed")
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

// handleDataStatus reports coverage provenance and confidence for the
// requested window (from/to in unix ms, or days).
func (s *Server) handleDataStatus(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	status := s.dataStatus(r, address, requestWindow(r))
	if status == nil {
		s.respondError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	s.respond(w, http.StatusOK, status)
}

// handlePortfolio proxies the upstream's own per-period PnL summary. The
// data is served as received, with provenance, never recomputed.
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathAddress(w, r)
	if !ok {
		return
	}

	portfolio, err := s.client.Portfolio(r.Context(), address)
	if err != nil {
		s.respondError(w, http.StatusBadGateway, "upstream portfolio fetch failed")
		return
	}

	periods := make([]map[string]any, 0, len(portfolio))
	for _, p := range portfolio {
		periods = append(periods, map[string]any{"period": p.Period, "data": p.Data})
	}
	s.respond(w, http.StatusOK, map[string]any{
		"address": address,
		"source":  gaps.SourceUpstreamPortfolio,
		"periods": periods,
	})
}

type subscribeRequest struct {
	Address      string `json:"address"`
	BackfillDays int    `json:"backfill_days"`
}

// handleSubscribe starts live tracking and schedules a backfill.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !upstream.ValidAddress(req.Address) {
		s.respondError(w, http.StatusBadRequest, "invalid address")
		return
	}
	address := upstream.NormalizeAddress(req.Address)

	if err := s.stream.Track(r.Context(), address, persistence.SourceAPI); err != nil {
		s.respondError(w, http.StatusInternalServerError, "track failed")
		return
	}
	job, err := s.backfill.Schedule(r.Context(), address, req.BackfillDays)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "backfill schedule failed")
		return
	}
	s.respond(w, http.StatusAccepted, map[string]any{
		"address":      address,
		"tracking":     true,
		"backfill_job": job.ID,
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	if err := s.stream.Untrack(r.Context(), address); err != nil {
		s.respondError(w, http.StatusNotFound, "trader not tracked")
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"address": address, "tracking": false})
}

func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	days := queryInt(r, "days", 0, 365)
	job, err := s.backfill.Schedule(r.Context(), address, days)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "backfill schedule failed")
		return
	}
	s.respond(w, http.StatusAccepted, job)
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	job, err := s.backfill.Status(r.Context(), address)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if job == nil {
		s.respondError(w, http.StatusNotFound, "no backfill recorded")
		return
	}
	s.respond(w, http.StatusOK, job)
}
