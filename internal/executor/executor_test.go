package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/intent"
	"copytrade-relay/internal/masterevent"
	"copytrade-relay/internal/signal"
)

type fakeGateway struct {
	createOrderFn   func(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error)
	createTriggerFn func(ctx context.Context, req exchange.TriggerOrderRequest) (exchange.OrderResult, error)
	cancelOrdersFn  func(ctx context.Context, ids []string) error
	cancelTrigFn    func(ctx context.Context, refs []exchange.TriggerCancelRef) error

	nextOrderID int
}

func (f *fakeGateway) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if f.createOrderFn != nil {
		return f.createOrderFn(ctx, req)
	}
	f.nextOrderID++
	return exchange.OrderResult{OrderID: "C1"}, nil
}
func (f *fakeGateway) CreateTriggerOrder(ctx context.Context, req exchange.TriggerOrderRequest) (exchange.OrderResult, error) {
	if f.createTriggerFn != nil {
		return f.createTriggerFn(ctx, req)
	}
	return exchange.OrderResult{OrderID: "T1"}, nil
}
func (f *fakeGateway) CancelOrders(ctx context.Context, ids []string) error {
	if f.cancelOrdersFn != nil {
		return f.cancelOrdersFn(ctx, ids)
	}
	return nil
}
func (f *fakeGateway) CancelTriggerOrders(ctx context.Context, refs []exchange.TriggerCancelRef) error {
	if f.cancelTrigFn != nil {
		return f.cancelTrigFn(ctx, refs)
	}
	return nil
}
func (f *fakeGateway) CancelAllOrders(ctx context.Context, symbol string) error { return nil }
func (f *fakeGateway) GetOpenPositions(ctx context.Context, symbol string) ([]exchange.PositionSnapshot, error) {
	return nil, nil
}
func (f *fakeGateway) GetHistoricalOrdersReport(ctx context.Context, symbol string, sinceMs, untilMs int64) ([]exchange.PnLRecord, error) {
	return nil, nil
}
func (f *fakeGateway) GetSymbolSpec(ctx context.Context, symbol string) (exchange.SymbolSpec, error) {
	return exchange.SymbolSpec{}, nil
}
func (f *fakeGateway) Ping(ctx context.Context) error { return nil }

func readyRuntime(gw exchange.Gateway) *follower.Runtime {
	rt := follower.NewRuntime(follower.Config{ID: 1, Enabled: true})
	rt.Gateway = gw
	rt.InitState = follower.Ready
	rt.NetworkReady = true
	return rt
}

func TestDispatchNotReadyDrops(t *testing.T) {
	rt := follower.NewRuntime(follower.Config{ID: 1})
	ex := New(nil)
	mev := masterevent.Event{Event: masterevent.Buy, Method: masterevent.Market, Symbol: "BTC_USDT", PosSide: signal.Long}
	err := ex.Dispatch(context.Background(), rt, mev, &intent.Intent{Contracts: 1, Method: intent.MethodMarket})
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestDispatchOpenLimitRecordsOrderRef(t *testing.T) {
	gw := &fakeGateway{}
	rt := readyRuntime(gw)
	ex := New(nil)

	mev := masterevent.Event{
		Event: masterevent.Buy, Method: masterevent.Limit, Symbol: "BTC_USDT", PosSide: signal.Long,
		Payload: masterevent.Payload{OrderID: "L1"},
	}
	in := &intent.Intent{Contracts: 2, Method: intent.MethodLimit, Price: "50000", Side: intent.Buy, PositionSide: signal.Long}

	err := ex.Dispatch(context.Background(), rt, mev, in)
	require.NoError(t, err)

	ov := rt.Orders("BTC_USDT", signal.Long)
	ref, ok := ov.Limit["L1"]
	require.True(t, ok)
	require.Equal(t, "C1", ref.CopyOrderID)
	require.Equal(t, "OPEN", ref.Status)
}

func TestDispatchCancelMissWhenUnknown(t *testing.T) {
	gw := &fakeGateway{}
	rt := readyRuntime(gw)
	ex := New(nil)

	mev := masterevent.Event{Event: masterevent.Canceled, Symbol: "BTC_USDT", PosSide: signal.Long, Payload: masterevent.Payload{OrderID: "ghost"}}
	err := ex.Dispatch(context.Background(), rt, mev, nil)
	require.ErrorIs(t, err, ErrCancelMiss)
}

func TestDispatchCancelHitRemovesEntry(t *testing.T) {
	gw := &fakeGateway{}
	rt := readyRuntime(gw)
	ex := New(nil)

	ov := rt.Orders("BTC_USDT", signal.Long)
	ov.Limit["L1"] = &follower.OrderRef{CopyOrderID: "C1", Status: "OPEN"}

	mev := masterevent.Event{Event: masterevent.Canceled, Symbol: "BTC_USDT", PosSide: signal.Long, Payload: masterevent.Payload{OrderID: "L1"}}
	err := ex.Dispatch(context.Background(), rt, mev, nil)
	require.NoError(t, err)
	_, ok := ov.Limit["L1"]
	require.False(t, ok)
}

func TestDispatchManualCloseBulkCancelsOpenOrders(t *testing.T) {
	cancelled := 0
	gw := &fakeGateway{cancelOrdersFn: func(ctx context.Context, ids []string) error {
		cancelled += len(ids)
		return nil
	}}
	rt := readyRuntime(gw)
	ex := New(nil)

	ov := rt.Orders("BTC_USDT", signal.Long)
	ov.Limit["L1"] = &follower.OrderRef{CopyOrderID: "C1", Status: "OPEN"}
	ov.Limit["L2"] = &follower.OrderRef{CopyOrderID: "C2", Status: "OPEN"}

	mev := masterevent.Event{
		Event: masterevent.Sell, Method: masterevent.Market, Symbol: "BTC_USDT", PosSide: signal.Long,
		Closed: true, SigType: masterevent.Manual,
	}
	in := &intent.Intent{Contracts: 1, Method: intent.MethodMarket, Side: intent.Sell, PositionSide: signal.Long}
	err := ex.Dispatch(context.Background(), rt, mev, in)
	require.NoError(t, err)
	require.Equal(t, 2, cancelled)
	require.Empty(t, ov.Limit)
}

func TestDispatchOpenFailureSetsRuntimeError(t *testing.T) {
	gw := &fakeGateway{createOrderFn: func(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
		return exchange.OrderResult{}, errors.New("boom")
	}}
	rt := readyRuntime(gw)
	ex := New(nil)

	mev := masterevent.Event{Event: masterevent.Buy, Method: masterevent.Market, Symbol: "BTC_USDT", PosSide: signal.Long}
	in := &intent.Intent{Contracts: 1, Method: intent.MethodMarket, Side: intent.Buy, PositionSide: signal.Long}
	err := ex.Dispatch(context.Background(), rt, mev, in)
	require.Error(t, err)
	require.Equal(t, "boom", rt.LastError)
}

func TestOrderSideForMapping(t *testing.T) {
	require.Equal(t, exchange.OpenLong, orderSideFor(intent.Buy, signal.Long, false))
	require.Equal(t, exchange.CloseLong, orderSideFor(intent.Sell, signal.Long, true))
	require.Equal(t, exchange.OpenShort, orderSideFor(intent.Sell, signal.Short, false))
	require.Equal(t, exchange.CloseShort, orderSideFor(intent.Buy, signal.Short, true))
}
