package upstream

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// infoRequest is the POST body for the upstream /info endpoint. The type
// field selects the operation; the remaining fields apply per operation.
type infoRequest struct {
	Type      string `json:"type"`
	User      string `json:"user,omitempty"`
	Coin      string `json:"coin,omitempty"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
}

// Leverage describes the margin regime of a position.
type Leverage struct {
	Type  string          `json:"type"` // "cross" or "isolated"
	Value decimal.Decimal `json:"value"`
}

// RawPosition is one perpetual position as reported by clearinghouseState.
// Szi is signed: positive long, negative short.
type RawPosition struct {
	Coin           string           `json:"coin"`
	Szi            decimal.Decimal  `json:"szi"`
	EntryPx        decimal.Decimal  `json:"entryPx"`
	PositionValue  decimal.Decimal  `json:"positionValue"`
	UnrealizedPnl  decimal.Decimal  `json:"unrealizedPnl"`
	ReturnOnEquity decimal.Decimal  `json:"returnOnEquity"`
	Leverage       Leverage         `json:"leverage"`
	LiquidationPx  *decimal.Decimal `json:"liquidationPx"`
	MarginUsed     decimal.Decimal  `json:"marginUsed"`
}

// AssetPosition wraps a position with its type tag.
type AssetPosition struct {
	Type     string      `json:"type"`
	Position RawPosition `json:"position"`
}

// MarginSummary aggregates account-level margin figures.
type MarginSummary struct {
	AccountValue    decimal.Decimal `json:"accountValue"`
	TotalNtlPos     decimal.Decimal `json:"totalNtlPos"`
	TotalRawUsd     decimal.Decimal `json:"totalRawUsd"`
	TotalMarginUsed decimal.Decimal `json:"totalMarginUsed"`
}

// ClearinghouseState is the authoritative account snapshot for one address.
type ClearinghouseState struct {
	AssetPositions []AssetPosition `json:"assetPositions"`
	MarginSummary  MarginSummary   `json:"marginSummary"`
	Withdrawable   decimal.Decimal `json:"withdrawable"`
	Time           int64           `json:"time"`
}

// FillLiquidation marks a fill that was part of a liquidation.
type FillLiquidation struct {
	LiquidatedUser string          `json:"liquidatedUser,omitempty"`
	MarkPx         decimal.Decimal `json:"markPx"`
	Method         string          `json:"method"` // "market" or "backstop"
}

// Fill is one filled order attributed to a user. Side "B" is the buyer,
// "A" the seller. ClosedPnl is the realized PnL the upstream attributes to
// this fill; Fee may be negative (rebate). Tid is unique per fill.
type Fill struct {
	Coin          string           `json:"coin"`
	Px            decimal.Decimal  `json:"px"`
	Sz            decimal.Decimal  `json:"sz"`
	Side          string           `json:"side"`
	Time          int64            `json:"time"`
	StartPosition decimal.Decimal  `json:"startPosition"`
	Dir           string           `json:"dir"`
	ClosedPnl     decimal.Decimal  `json:"closedPnl"`
	Hash          string           `json:"hash"`
	Oid           int64            `json:"oid"`
	Crossed       bool             `json:"crossed"`
	Fee           decimal.Decimal  `json:"fee"`
	Tid           int64            `json:"tid"`
	Liquidation   *FillLiquidation `json:"liquidation,omitempty"`
	FeeToken      string           `json:"feeToken"`
}

// IsLiquidation reports whether this fill was part of a liquidation.
func (f *Fill) IsLiquidation() bool {
	return f.Liquidation != nil
}

// FillsCap is the maximum number of entries userFillsByTime returns in one
// response. A response of exactly this length must be treated as truncated.
const FillsCap = 2000

// FundingDelta is the payload of one funding ledger entry. Usdc is the
// signed payment in USD; Szi the position size at payment time.
type FundingDelta struct {
	Type        string          `json:"type"`
	Coin        string          `json:"coin"`
	Usdc        decimal.Decimal `json:"usdc"`
	Szi         decimal.Decimal `json:"szi"`
	FundingRate decimal.Decimal `json:"fundingRate"`
	NSamples    *int64          `json:"nSamples"`
}

// FundingEntry is one userFunding ledger record.
type FundingEntry struct {
	Time  int64        `json:"time"`
	Hash  string       `json:"hash"`
	Delta FundingDelta `json:"delta"`
}

// MarketTrade is one coin-level trade from recentTrades or the trades WS
// channel. Users is [buyer, seller] per upstream documentation.
type MarketTrade struct {
	Coin  string          `json:"coin"`
	Side  string          `json:"side"`
	Px    decimal.Decimal `json:"px"`
	Sz    decimal.Decimal `json:"sz"`
	Time  int64           `json:"time"`
	Hash  string          `json:"hash"`
	Tid   int64           `json:"tid"`
	Users [2]string       `json:"users"`
}

// Buyer returns the normalized buyer address.
func (t *MarketTrade) Buyer() string { return NormalizeAddress(t.Users[0]) }

// Seller returns the normalized seller address.
func (t *MarketTrade) Seller() string { return NormalizeAddress(t.Users[1]) }

// PortfolioSample is one [ms, value] pair from a portfolio history series.
type PortfolioSample struct {
	Time  int64           `json:"time"`
	Value decimal.Decimal `json:"value"`
}

// UnmarshalJSON decodes the upstream's [ms, "value"] pair encoding.
func (s *PortfolioSample) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode portfolio sample: %w", err)
	}
	if err := json.Unmarshal(pair[0], &s.Time); err != nil {
		return fmt.Errorf("decode portfolio sample time: %w", err)
	}
	if err := json.Unmarshal(pair[1], &s.Value); err != nil {
		return fmt.Errorf("decode portfolio sample value: %w", err)
	}
	return nil
}

// PortfolioPeriodData holds the history series for one period.
type PortfolioPeriodData struct {
	AccountValueHistory []PortfolioSample `json:"accountValueHistory"`
	PnlHistory          []PortfolioSample `json:"pnlHistory"`
	Vlm                 decimal.Decimal   `json:"vlm"`
}

// PortfolioPeriod pairs a period label (day, week, month, allTime and the
// perp-prefixed variants) with its history.
type PortfolioPeriod struct {
	Period string
	Data   PortfolioPeriodData
}

// UnmarshalJSON decodes the upstream's [period, {...}] pair encoding.
func (p *PortfolioPeriod) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode portfolio period: %w", err)
	}
	if len(pair) < 2 {
		return fmt.Errorf("portfolio period: want [period, data], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &p.Period); err != nil {
		return fmt.Errorf("decode portfolio period label: %w", err)
	}
	if err := json.Unmarshal(pair[1], &p.Data); err != nil {
		return fmt.Errorf("decode portfolio period data: %w", err)
	}
	return nil
}

// Portfolio is the full portfolio response: one entry per period.
type Portfolio []PortfolioPeriod

// Period returns the data for the named period, if present.
func (p Portfolio) Period(name string) (PortfolioPeriodData, bool) {
	for _, entry := range p {
		if entry.Period == name {
			return entry.Data, true
		}
	}
	return PortfolioPeriodData{}, false
}

// AllMids maps coin to its current mid price.
type AllMids struct {
	Mids map[string]decimal.Decimal `json:"mids"`
}
