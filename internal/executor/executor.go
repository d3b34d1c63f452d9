// Package executor dispatches sized intent.Intent values against a
// follower's exchange.Gateway, serialized per (follower, symbol, pos_side)
// per spec §4.6. Grounded on the teacher's order.Executor dispatch-and-record
// pattern (internal/order/executor.go) and gateway.Manager's map+mutex
// allocate-on-miss locking (internal/gateway/manager.go).
package executor

import (
	"context"
	"fmt"
	"time"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/intent"
	"copytrade-relay/internal/masterevent"
	"copytrade-relay/internal/signal"
)

// Logger receives one UI log line per dispatch outcome.
type Logger func(line string)

// Executor owns the lock manager shared across all followers.
type Executor struct {
	locks  *lockManager
	logger Logger
}

func New(logger Logger) *Executor {
	if logger == nil {
		logger = func(string) {}
	}
	return &Executor{locks: newLockManager(), logger: logger}
}

// Dispatch runs mev/in against rt's gateway, serialized against any other
// in-flight action for the same (follower, symbol, pos_side). The gateway
// is snapshotted once at the top so a concurrent NetworkSession recreate
// can't swap it mid-dispatch. A non-close intent with a positive DelayMs
// first waits that long, returning ctx's error if ctx ends sooner.
func (e *Executor) Dispatch(ctx context.Context, rt *follower.Runtime, mev masterevent.Event, in *intent.Intent) error {
	if in != nil && in.DelayMs > 0 && !mev.Closed && mev.Event != masterevent.Canceled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(in.DelayMs) * time.Millisecond):
		}
	}
	if !rt.Ready() {
		rt.SetError("NOT_READY", time.Now().UnixMilli())
		e.logf(mev, "DROPPED: follower not ready")
		return ErrNoCredentials
	}
	gw := rt.GatewaySnapshot()

	lock := e.locks.lockFor(rt.ID, mev.Symbol, mev.PosSide)
	lock.Lock()
	defer lock.Unlock()

	ov := rt.Orders(mev.Symbol, mev.PosSide)
	ov.Lock()
	defer ov.Unlock()

	if mev.Event == masterevent.Canceled {
		return e.dispatchCancel(ctx, gw, rt, mev, ov)
	}

	if in == nil {
		e.logf(mev, "DROPPED: no intent")
		return ErrIntentDropped
	}

	if mev.Closed {
		return e.dispatchClose(ctx, gw, rt, mev, in, ov)
	}

	switch in.Method {
	case intent.MethodTrigger:
		return e.dispatchTrigger(ctx, gw, rt, mev, in, ov)
	default:
		return e.dispatchOpen(ctx, gw, rt, mev, in, ov)
	}
}

func (e *Executor) dispatchCancel(ctx context.Context, gw exchange.Gateway, rt *follower.Runtime, mev masterevent.Event, ov *follower.OrdersVars) error {
	masterOID := mev.Payload.OrderID

	if ref, ok := ov.Limit[masterOID]; ok {
		if err := gw.CancelOrders(ctx, []string{ref.CopyOrderID}); err != nil {
			e.fail(rt, mev, err)
			return err
		}
		delete(ov.Limit, masterOID)
		e.logf(mev, "CANCEL OK (limit)")
		return nil
	}
	if ref, ok := ov.Trigger[masterOID]; ok {
		if err := gw.CancelTriggerOrders(ctx, []exchange.TriggerCancelRef{{OrderID: ref.CopyOrderID, Symbol: mev.Symbol}}); err != nil {
			e.fail(rt, mev, err)
			return err
		}
		delete(ov.Trigger, masterOID)
		e.logf(mev, "CANCEL OK (trigger)")
		return nil
	}

	e.logf(mev, "CANCEL MISS")
	return ErrCancelMiss
}

func (e *Executor) dispatchClose(ctx context.Context, gw exchange.Gateway, rt *follower.Runtime, mev masterevent.Event, in *intent.Intent, ov *follower.OrdersVars) error {
	req := exchange.OrderRequest{
		Symbol:   mev.Symbol,
		Vol:      in.Contracts,
		Side:     orderSideFor(in.Side, mev.PosSide, true),
		OpenType: exchange.OpenType(in.OpenType),
		Type:     exchange.MarketOrder,
		Leverage: in.Leverage,
	}
	if _, err := gw.CreateOrder(ctx, req); err != nil {
		e.fail(rt, mev, err)
		return err
	}
	e.logf(mev, "CLOSE MARKET OK")

	if mev.SigType == masterevent.Manual {
		e.bulkCancelAll(ctx, gw, rt, mev, ov)
	}
	return nil
}

func (e *Executor) bulkCancelAll(ctx context.Context, gw exchange.Gateway, rt *follower.Runtime, mev masterevent.Event, ov *follower.OrdersVars) {
	var limitIDs []string
	for _, ref := range ov.Limit {
		limitIDs = append(limitIDs, ref.CopyOrderID)
	}
	var triggerRefs []exchange.TriggerCancelRef
	for _, ref := range ov.Trigger {
		triggerRefs = append(triggerRefs, exchange.TriggerCancelRef{OrderID: ref.CopyOrderID, Symbol: mev.Symbol})
	}

	ok := true
	if len(limitIDs) > 0 {
		if err := gw.CancelOrders(ctx, limitIDs); err != nil {
			e.fail(rt, mev, err)
			ok = false
		}
	}
	if len(triggerRefs) > 0 {
		if err := gw.CancelTriggerOrders(ctx, triggerRefs); err != nil {
			e.fail(rt, mev, err)
			ok = false
		}
	}
	if ok {
		ov.Limit = make(map[string]*follower.OrderRef)
		ov.Trigger = make(map[string]*follower.OrderRef)
		e.logf(mev, "MANUAL CLOSE: bulk-cancel OK")
	}
}

func (e *Executor) dispatchOpen(ctx context.Context, gw exchange.Gateway, rt *follower.Runtime, mev masterevent.Event, in *intent.Intent, ov *follower.OrdersVars) error {
	req := exchange.OrderRequest{
		Symbol:          mev.Symbol,
		Vol:             in.Contracts,
		Side:            orderSideFor(in.Side, mev.PosSide, mev.Closed),
		OpenType:        exchange.OpenType(in.OpenType),
		Leverage:        in.Leverage,
		StopLossPrice:   in.SLPrice,
		TakeProfitPrice: in.TPPrice,
	}
	if in.Method == intent.MethodLimit {
		req.Type = exchange.PriceLimited
		req.Price = in.Price
	} else {
		req.Type = exchange.MarketOrder
	}

	res, err := gw.CreateOrder(ctx, req)
	if err != nil {
		e.fail(rt, mev, err)
		return err
	}
	e.logf(mev, fmt.Sprintf("%s OK id=%s", in.Method, res.OrderID))

	if in.Method == intent.MethodLimit && mev.Payload.OrderID != "" {
		ov.Limit[mev.Payload.OrderID] = &follower.OrderRef{
			CopyOrderID: res.OrderID,
			Price:       floatFromStr(in.Price),
			Qty:         in.Contracts,
			Status:      "OPEN",
		}
	}
	return nil
}

func (e *Executor) dispatchTrigger(ctx context.Context, gw exchange.Gateway, rt *follower.Runtime, mev masterevent.Event, in *intent.Intent, ov *follower.OrdersVars) error {
	side := orderSideFor(in.Side, mev.PosSide, mev.Closed)
	triggerType := exchange.GreaterThanOrEqual
	if side == exchange.OpenLong || side == exchange.CloseShort {
		triggerType = exchange.LessThanOrEqual
	}
	executeType := exchange.MarketOrder
	if mev.Payload.TriggerExec == 1 {
		executeType = exchange.PriceLimited
	}

	req := exchange.TriggerOrderRequest{
		Symbol:        mev.Symbol,
		Vol:           in.Contracts,
		Side:          side,
		OpenType:      exchange.OpenType(in.OpenType),
		Leverage:      in.Leverage,
		TriggerPrice:  in.TriggerPrice,
		TriggerType:   triggerType,
		ExecuteType:   executeType,
		Trend:         exchange.LatestPriceTrend,
		ExecuteCycle:  exchange.UntilCanceled,
	}

	res, err := gw.CreateTriggerOrder(ctx, req)
	if err != nil {
		e.fail(rt, mev, err)
		return err
	}
	e.logf(mev, fmt.Sprintf("TRIGGER OK id=%s", res.OrderID))

	if mev.Payload.OrderID != "" {
		ov.Trigger[mev.Payload.OrderID] = &follower.OrderRef{
			CopyOrderID:  res.OrderID,
			TriggerPrice: floatFromStr(in.TriggerPrice),
			Qty:          in.Contracts,
			Status:       "OPEN",
		}
	}
	return nil
}

func orderSideFor(side intent.Side, posSide signal.PosSide, closed bool) exchange.OrderSide {
	switch {
	case side == intent.Buy && posSide == signal.Long && !closed:
		return exchange.OpenLong
	case side == intent.Sell && posSide == signal.Long && closed:
		return exchange.CloseLong
	case side == intent.Sell && posSide == signal.Short && !closed:
		return exchange.OpenShort
	default:
		return exchange.CloseShort
	}
}

func (e *Executor) fail(rt *follower.Runtime, mev masterevent.Event, err error) {
	rt.SetError(err.Error(), time.Now().UnixMilli())
	e.logf(mev, fmt.Sprintf("%s FAILED: %v", mev.Method, err))
}

func (e *Executor) logf(mev masterevent.Event, msg string) {
	e.logger(fmt.Sprintf("%s %s :: %s", mev.Symbol, mev.PosSide, msg))
}

func floatFromStr(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%g", &f)
	return f
}
