package position

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/signal"
)

func TestUnpackRejectsNonHoldingOrZeroVolume(t *testing.T) {
	_, ok := Unpack(exchange.PositionSnapshot{State: 3, Symbol: "BTC_USDT", PositionType: 1, HoldVol: 5})
	require.False(t, ok)

	_, ok = Unpack(exchange.PositionSnapshot{State: 1, Symbol: "BTC_USDT", PositionType: 1, HoldVol: 0})
	require.False(t, ok)
}

func TestUnpackDefaultsLeverageAndMarginMode(t *testing.T) {
	info, ok := Unpack(exchange.PositionSnapshot{State: 1, Symbol: "BTC_USDT", PositionType: 2, HoldVol: 3})
	require.True(t, ok)
	require.Equal(t, signal.Short, info.PosSide)
	require.Equal(t, 1, info.Leverage)
	require.Equal(t, 1, info.MarginMode)
}

func TestRefreshNewEntryMarksInPosition(t *testing.T) {
	rt := follower.NewRuntime(follower.Config{ID: 1})
	rt.PV("BTC_USDT", signal.Long) // pre-create the tracked slot

	mon := New(rt, func(ctx context.Context) ([]exchange.PositionSnapshot, error) {
		return []exchange.PositionSnapshot{
			{State: 1, Symbol: "BTC_USDT", PositionType: 1, HoldVol: 2, OpenAvgPrice: 100, HoldAvgPrice: 101, Leverage: 10, OpenType: 1},
		}, nil
	})
	require.NoError(t, mon.Refresh(context.Background()))

	pv := rt.PV("BTC_USDT", signal.Long)
	require.True(t, pv.InPosition)
	require.Equal(t, 2.0, pv.Qty)
	require.Equal(t, 100.0, pv.EntryPrice)
	require.NotZero(t, pv.EntryTsMs)
}

func TestRefreshContinuePreservesEntryPrice(t *testing.T) {
	rt := follower.NewRuntime(follower.Config{ID: 1})
	pv := rt.PV("BTC_USDT", signal.Long)
	*pv = follower.PositionVar{InPosition: true, Qty: 1, EntryPrice: 100, AvgPrice: 100, Leverage: 10, MarginMode: 1, EntryTsMs: 12345}

	mon := New(rt, func(ctx context.Context) ([]exchange.PositionSnapshot, error) {
		return []exchange.PositionSnapshot{
			{State: 1, Symbol: "BTC_USDT", PositionType: 1, HoldVol: 3, OpenAvgPrice: 999, HoldAvgPrice: 150, Leverage: 10, OpenType: 1},
		}, nil
	})
	require.NoError(t, mon.Refresh(context.Background()))

	got := rt.PV("BTC_USDT", signal.Long)
	require.Equal(t, 3.0, got.Qty)
	require.Equal(t, 150.0, got.AvgPrice)
	require.Equal(t, 100.0, got.EntryPrice) // unchanged on continue
	require.EqualValues(t, 12345, got.EntryTsMs)
}

func TestRefreshDisappearedPositionResetsToClosedPending(t *testing.T) {
	rt := follower.NewRuntime(follower.Config{ID: 1})
	pv := rt.PV("BTC_USDT", signal.Long)
	*pv = follower.PositionVar{InPosition: true, Qty: 1, EntryPrice: 100, EntryTsMs: 555}

	mon := New(rt, func(ctx context.Context) ([]exchange.PositionSnapshot, error) {
		return nil, nil
	})
	require.NoError(t, mon.Refresh(context.Background()))

	got := rt.PV("BTC_USDT", signal.Long)
	require.False(t, got.InPosition)
	require.Equal(t, "CLOSED_PENDING", got.State)
	require.EqualValues(t, 555, got.EntryTsMs)
}

func TestRefreshLeavesCacheUntouchedOnFetchError(t *testing.T) {
	rt := follower.NewRuntime(follower.Config{ID: 1})
	pv := rt.PV("BTC_USDT", signal.Long)
	*pv = follower.PositionVar{InPosition: true, Qty: 1}

	mon := New(rt, func(ctx context.Context) ([]exchange.PositionSnapshot, error) {
		return nil, errors.New("network down")
	})
	err := mon.Refresh(context.Background())
	require.Error(t, err)

	got := rt.PV("BTC_USDT", signal.Long)
	require.True(t, got.InPosition)
	require.Equal(t, 1.0, got.Qty)
}
