package upstream

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillDecodesStringNumbers(t *testing.T) {
	raw := `{
		"coin": "BTC",
		"px": "60000.5",
		"sz": "0.25",
		"side": "B",
		"time": 1756000000000,
		"startPosition": "-1.5",
		"dir": "Close Short",
		"closedPnl": "123.45",
		"hash": "0xdeadbeef",
		"oid": 987,
		"crossed": true,
		"fee": "-0.12",
		"tid": 42,
		"feeToken": "USDC"
	}`

	var f Fill
	require.NoError(t, json.Unmarshal([]byte(raw), &f))

	assert.Equal(t, "BTC", f.Coin)
	assert.True(t, f.Px.Equal(decimal.RequireFromString("60000.5")))
	assert.True(t, f.StartPosition.Equal(decimal.RequireFromString("-1.5")))
	assert.True(t, f.Fee.IsNegative(), "rebates come through as negative fees")
	assert.Equal(t, int64(42), f.Tid)
	assert.False(t, f.IsLiquidation())
}

func TestFillLiquidationTag(t *testing.T) {
	raw := `{"coin":"ETH","px":"3000","sz":"1","side":"A","time":1,"tid":2,
		"liquidation":{"liquidatedUser":"0xabc","markPx":"2990","method":"market"}}`

	var f Fill
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	assert.True(t, f.IsLiquidation())
	assert.Equal(t, "market", f.Liquidation.Method)
}

func TestMarketTradeUsers(t *testing.T) {
	raw := `{"coin":"SOL","side":"B","px":"150","sz":"10","time":1,"hash":"0x1","tid":7,
		"users":["0xAAA0000000000000000000000000000000000aaa","0xBBB0000000000000000000000000000000000bbb"]}`

	var mt MarketTrade
	require.NoError(t, json.Unmarshal([]byte(raw), &mt))
	assert.Equal(t, "0xaaa0000000000000000000000000000000000aaa", mt.Buyer())
	assert.Equal(t, "0xbbb0000000000000000000000000000000000bbb", mt.Seller())
}

func TestPortfolioSamplePairEncoding(t *testing.T) {
	var s PortfolioSample
	require.NoError(t, json.Unmarshal([]byte(`[1756000000000, "1234.56"]`), &s))
	assert.Equal(t, int64(1756000000000), s.Time)
	assert.True(t, s.Value.Equal(decimal.RequireFromString("1234.56")))

	assert.Error(t, json.Unmarshal([]byte(`{"time":1}`), &s))
}

func TestPortfolioPeriodDecoding(t *testing.T) {
	raw := `[
		["day", {"accountValueHistory": [[1000, "10"]], "pnlHistory": [[1000, "2"], [2000, "3"]], "vlm": "500"}],
		["perpAllTime", {"accountValueHistory": [], "pnlHistory": [], "vlm": "0"}]
	]`

	var p Portfolio
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.Len(t, p, 2)

	day, ok := p.Period("day")
	require.True(t, ok)
	assert.Len(t, day.PnlHistory, 2)
	assert.True(t, day.Vlm.Equal(decimal.RequireFromString("500")))

	_, ok = p.Period("week")
	assert.False(t, ok)

	var bad PortfolioPeriod
	assert.Error(t, json.Unmarshal([]byte(`["day"]`), &bad))
}

func TestClearinghouseStateDecoding(t *testing.T) {
	raw := `{
		"assetPositions": [{
			"type": "oneWay",
			"position": {
				"coin": "BTC",
				"szi": "-0.5",
				"entryPx": "61000",
				"positionValue": "30500",
				"unrealizedPnl": "-120.5",
				"returnOnEquity": "-0.02",
				"leverage": {"type": "cross", "value": "10"},
				"liquidationPx": "72000",
				"marginUsed": "3050"
			}
		}],
		"marginSummary": {"accountValue": "9879.5", "totalNtlPos": "30500", "totalRawUsd": "9879.5", "totalMarginUsed": "3050"},
		"withdrawable": "6829.5",
		"time": 1756000000000
	}`

	var cs ClearinghouseState
	require.NoError(t, json.Unmarshal([]byte(raw), &cs))
	require.Len(t, cs.AssetPositions, 1)

	pos := cs.AssetPositions[0].Position
	assert.True(t, pos.Szi.IsNegative(), "short position is signed")
	require.NotNil(t, pos.LiquidationPx)
	assert.True(t, pos.LiquidationPx.Equal(decimal.RequireFromString("72000")))
	assert.True(t, cs.MarginSummary.AccountValue.Equal(decimal.RequireFromString("9879.5")))
}
