package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/masterevent"
	"copytrade-relay/internal/signal"
)

func TestOnCloseFiltersMasterAndEnqueues(t *testing.T) {
	ch := make(chan ManualClose, 1)
	bus := New(ch, nil, func() int64 { return 42 }, func() bool { return false })

	bus.OnClose([]int{0, 1, 2})
	cmd := <-ch
	require.ElementsMatch(t, []int{1, 2}, cmd.FollowerIDs)
	require.Equal(t, int64(42), cmd.TsMs)
}

func TestOnCloseNoopWhenOnlyMasterRequested(t *testing.T) {
	ch := make(chan ManualClose, 1)
	bus := New(ch, nil, func() int64 { return 1 }, func() bool { return false })

	bus.OnClose([]int{0})
	select {
	case got := <-ch:
		t.Fatalf("expected no command, got %+v", got)
	default:
	}
}

func TestOnCloseNoopWhenStopped(t *testing.T) {
	ch := make(chan ManualClose, 1)
	bus := New(ch, nil, func() int64 { return 1 }, func() bool { return true })

	bus.OnClose([]int{1})
	select {
	case got := <-ch:
		t.Fatalf("expected no command while stopped, got %+v", got)
	default:
	}
}

func TestExpandManualCloseSkipsMasterAndEmptyPositions(t *testing.T) {
	rt1 := follower.NewRuntime(follower.Config{ID: 1})
	*rt1.PV("BTC_USDT", signal.Long) = follower.PositionVar{InPosition: true, Qty: 2, Leverage: 10, MarginMode: 1}
	*rt1.PV("ETH_USDT", signal.Short) = follower.PositionVar{InPosition: false, Qty: 0}

	followers := map[int]*follower.Runtime{1: rt1}

	events := ExpandManualClose(ManualClose{FollowerIDs: []int{0, 1, 99}, TsMs: 100}, followers)
	require.Len(t, events, 1)
	require.Equal(t, 1, events[0].CID)
	require.True(t, events[0].HasCID)
	require.Equal(t, "BTC_USDT", events[0].Symbol)
	require.True(t, events[0].Payload.ReduceOnly)
	require.Equal(t, masterevent.Sell, events[0].Event)
	require.True(t, events[0].Closed)
}
