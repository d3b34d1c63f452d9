package translator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"copytrade-relay/internal/masterevent"
	"copytrade-relay/internal/signal"
)

func drainOne(t *testing.T, tr *Translator) masterevent.Event {
	t.Helper()
	select {
	case ev := <-tr.Out():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for translated event")
		return masterevent.Event{}
	}
}

func TestLimitPlacedThenSelfEchoSuppressed(t *testing.T) {
	cache := signal.NewCache()
	tr := New(cache, 8)
	stop := make(chan struct{})
	go tr.Run(stop)
	defer close(stop)

	cache.Push(signal.Event{
		Symbol: "BTC_USDT", PosSide: signal.Long, EventType: signal.LimitPlaced,
		Raw: map[string]any{"orderId": "L1", "vol": 1.0, "price": 50000.0},
	})
	ev := drainOne(t, tr)
	require.Equal(t, masterevent.Buy, ev.Event)
	require.Equal(t, masterevent.Limit, ev.Method)
	require.False(t, ev.Closed)

	cache.Push(signal.Event{
		Symbol: "BTC_USDT", PosSide: signal.Long, EventType: signal.LimitFilled,
		Raw: map[string]any{"orderId": "L1"},
	})

	select {
	case got := <-tr.Out():
		t.Fatalf("expected self-echo to be suppressed, got %+v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestLimitFilledWithoutPriorPlacementEmits(t *testing.T) {
	cache := signal.NewCache()
	tr := New(cache, 8)
	stop := make(chan struct{})
	go tr.Run(stop)
	defer close(stop)

	cache.Push(signal.Event{
		Symbol: "ETH_USDT", PosSide: signal.Short, EventType: signal.LimitFilled,
		Raw: map[string]any{"orderId": "L9", "vol": 2.0, "price": 3000.0},
	})
	ev := drainOne(t, tr)
	require.Equal(t, masterevent.Buy, ev.Event)
	require.Equal(t, "L9", ev.Payload.OrderID)
}

func TestMarketFilledReduceOnlyFlipsSideAndConsumesStash(t *testing.T) {
	cache := signal.NewCache()
	tr := New(cache, 8)
	stop := make(chan struct{})
	go tr.Run(stop)
	defer close(stop)

	cache.Push(signal.Event{
		Symbol: "BTC_USDT", PosSide: signal.Long, EventType: signal.OCOAttached,
		Raw: map[string]any{"tp": 55000.0, "sl": 48000.0},
	})

	cache.Push(signal.Event{
		Symbol: "BTC_USDT", PosSide: signal.Long, EventType: signal.MarketFilled,
		Raw: map[string]any{"orderId": "M1", "vol": 1.0, "dealAvgPrice": 51000.0, "reduceOnly": true},
	})

	ev := drainOne(t, tr)
	require.True(t, ev.Closed)
	require.Equal(t, signal.Short, ev.PosSide)
	require.Equal(t, masterevent.Sell, ev.Event)
	require.NotNil(t, ev.Payload.TPPrice)
	require.Equal(t, 55000.0, *ev.Payload.TPPrice)
	require.NotNil(t, ev.Payload.SLPrice)
}

func TestTriggerFilledReduceOnlyFlipsPosSideCloseShort(t *testing.T) {
	cache := signal.NewCache()
	tr := New(cache, 8)
	stop := make(chan struct{})
	go tr.Run(stop)
	defer close(stop)

	cache.Push(signal.Event{
		Symbol: "BTC_USDT", PosSide: signal.Short, EventType: signal.TriggerFilled,
		Raw: map[string]any{"side": 1.0, "reduceOnly": true, "orderId": "T1", "vol": 1.0, "dealAvgPrice": 100.0},
	})

	ev := drainOne(t, tr)
	require.Equal(t, masterevent.Buy, ev.Event)
	require.Equal(t, masterevent.Trigger, ev.Method)
	require.Equal(t, signal.Long, ev.PosSide)
	require.True(t, ev.Closed)
}

func TestOrderCancelledDiscardsIntentAndEmitsCanceled(t *testing.T) {
	cache := signal.NewCache()
	tr := New(cache, 8)
	stop := make(chan struct{})
	go tr.Run(stop)
	defer close(stop)

	cache.Push(signal.Event{
		Symbol: "BTC_USDT", PosSide: signal.Long, EventType: signal.LimitPlaced,
		Raw: map[string]any{"orderId": "L2", "vol": 1.0, "price": 10.0},
	})
	drainOne(t, tr)

	cache.Push(signal.Event{
		Symbol: "BTC_USDT", PosSide: signal.Long, EventType: signal.OrderCanceled,
		Raw: map[string]any{"orderId": "L2"},
	})
	ev := drainOne(t, tr)
	require.Equal(t, masterevent.Canceled, ev.Event)
	require.Equal(t, "L2", ev.Payload.OrderID)

	require.False(t, tr.intents.TakeIfPresent("L2", time.Now()))
}

func TestPositionAndDealEventsAreNotEmitted(t *testing.T) {
	cache := signal.NewCache()
	tr := New(cache, 8)
	stop := make(chan struct{})
	go tr.Run(stop)
	defer close(stop)

	cache.Push(signal.Event{Symbol: "BTC_USDT", PosSide: signal.Long, EventType: signal.PositionOpen, Raw: map[string]any{}})
	cache.Push(signal.Event{Symbol: "BTC_USDT", PosSide: signal.Long, EventType: signal.Deal, Raw: map[string]any{}})

	select {
	case got := <-tr.Out():
		t.Fatalf("expected no emission for observability-only events, got %+v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestExecTsNormalizesSecondsToMs(t *testing.T) {
	raw := map[string]any{"updateTime": 1700000000.0} // < 1e10, seconds
	got := execTs(raw)
	require.Equal(t, int64(1700000000000), got)
}

func TestMinTsPrefersSmaller(t *testing.T) {
	require.Equal(t, int64(100), minTs(100, 200))
	require.Equal(t, int64(100), minTs(200, 100))
	require.Equal(t, int64(50), minTs(0, 50))
}
