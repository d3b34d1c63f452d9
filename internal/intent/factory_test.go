package intent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/masterevent"
	"copytrade-relay/internal/signal"
)

func baseSpec() exchange.SymbolSpec {
	return exchange.SymbolSpec{
		ContractSize:      1,
		VolUnit:           1,
		ContractPrecision: 0,
		PricePrecision:    2,
		MaxLeverage:       125,
	}
}

func TestBuildOpenPassthroughWithoutSizingConfig(t *testing.T) {
	cfg := follower.Config{Coef: 1.0}
	mev := masterevent.Event{
		Event: masterevent.Buy, Method: masterevent.Market, Symbol: "BTC_USDT",
		PosSide: signal.Long, Closed: false, SigType: masterevent.Copy,
		Payload: masterevent.Payload{Qty: 5, Price: 50000, Leverage: 10, OpenType: 1},
	}
	got, err := Factory{}.Build(cfg, mev, follower.PositionVar{}, baseSpec())
	require.NoError(t, err)
	require.Equal(t, 5.0, got.Contracts)
	require.Equal(t, Buy, got.Side)
	require.Equal(t, 10, got.Leverage)
}

func TestBuildOpenZeroQtyDropped(t *testing.T) {
	cfg := follower.Config{Coef: 1.0}
	mev := masterevent.Event{
		Event: masterevent.Buy, Method: masterevent.Market, Symbol: "BTC_USDT",
		PosSide: signal.Long, Closed: false,
		Payload: masterevent.Payload{Qty: 0, Price: 50000, Leverage: 10, OpenType: 1},
	}
	_, err := Factory{}.Build(cfg, mev, follower.PositionVar{}, baseSpec())
	require.Error(t, err)
	var de *DropError
	require.ErrorAs(t, err, &de)
	require.Equal(t, DropQtyPayloadInvalid, de.Reason)
}

func TestBuildOpenClampByMaxMarginReducesQty(t *testing.T) {
	cfg := follower.Config{Coef: 1.0, MaxPositionSize: 10000} // cap margin at $10000
	mev := masterevent.Event{
		Event: masterevent.Buy, Method: masterevent.Market, Symbol: "BTC_USDT",
		PosSide: signal.Long, Closed: false,
		Payload: masterevent.Payload{Qty: 5, Price: 50000, Leverage: 10, OpenType: 1},
	}
	// unclamped margin = 5*1*50000/10 = 25000, above max_margin=10000
	got, err := Factory{}.Build(cfg, mev, follower.PositionVar{}, baseSpec())
	require.NoError(t, err)
	require.Less(t, got.Contracts, 5.0)
	require.Greater(t, got.Contracts, 0.0)
}

func TestBuildCloseUsesPayloadQtyWhenNotResized(t *testing.T) {
	cfg := follower.Config{Coef: 1.0}
	mev := masterevent.Event{
		Event: masterevent.Sell, Method: masterevent.Market, Symbol: "BTC_USDT",
		PosSide: signal.Long, Closed: true,
		Payload: masterevent.Payload{Qty: 3, Leverage: 10, OpenType: 1, ReduceOnly: true},
	}
	copyPV := follower.PositionVar{Qty: 7, Leverage: 10, MarginMode: 1}
	got, err := Factory{}.Build(cfg, mev, copyPV, baseSpec())
	require.NoError(t, err)
	require.Equal(t, 3.0, got.Contracts)
}

func TestBuildCloseUsesTrackedQtyWhenResized(t *testing.T) {
	cfg := follower.Config{Coef: 0.5}
	mev := masterevent.Event{
		Event: masterevent.Sell, Method: masterevent.Market, Symbol: "BTC_USDT",
		PosSide: signal.Long, Closed: true,
		Payload: masterevent.Payload{Qty: 3, Leverage: 10, OpenType: 1, ReduceOnly: true},
	}
	copyPV := follower.PositionVar{Qty: 1.5, Leverage: 10, MarginMode: 1}
	got, err := Factory{}.Build(cfg, mev, copyPV, baseSpec())
	require.NoError(t, err)
	require.Equal(t, 1.5, got.Contracts)
}

func TestBuildCloseZeroTrackedQtyDropped(t *testing.T) {
	cfg := follower.Config{Coef: 0.5}
	mev := masterevent.Event{
		Event: masterevent.Sell, Method: masterevent.Market, Symbol: "BTC_USDT",
		PosSide: signal.Long, Closed: true,
		Payload: masterevent.Payload{Qty: 3, Leverage: 10, OpenType: 1},
	}
	copyPV := follower.PositionVar{Qty: 0}
	_, err := Factory{}.Build(cfg, mev, copyPV, baseSpec())
	require.Error(t, err)
	var de *DropError
	require.ErrorAs(t, err, &de)
	require.Equal(t, DropCloseQtyInvalid, de.Reason)
}

func TestLeverageClampedToSymbolMax(t *testing.T) {
	cfg := follower.Config{Coef: 1.0, Leverage: 200}
	mev := masterevent.Event{
		Event: masterevent.Buy, Method: masterevent.Market, Symbol: "BTC_USDT",
		PosSide: signal.Long, Closed: false,
		Payload: masterevent.Payload{Qty: 1, Price: 100, Leverage: 0, OpenType: 1},
	}
	got, err := Factory{}.Build(cfg, mev, follower.PositionVar{}, baseSpec())
	require.NoError(t, err)
	require.Equal(t, 125, got.Leverage)
}

func TestFmtPriceStripsTrailingZerosAndNoScientificNotation(t *testing.T) {
	require.Equal(t, "50000", fmtPrice(50000, 2))
	require.Equal(t, "50000.5", fmtPrice(50000.50, 2))
	require.Equal(t, "", fmtPrice(0, 2))
}
