// Package translator turns the normalized signal.Event stream into
// canonical masterevent.Event values, applying the self-echo suppression,
// OCO stashing and timestamp normalization rules of spec §4.4. Grounded on
// original_source/MASTER/stream_.go's classification (which this package
// continues downstream of internal/masterstream) — the actual translation
// of signal events into order intents is this package's own addition,
// since the original repo's MASTER/payload_.py is a stub.
package translator

import (
	"sync"
	"time"

	"copytrade-relay/internal/masterevent"
	"copytrade-relay/internal/signal"
)

// ocoStash tracks pending TP/SL injected by a prior oco_attached push,
// consumed exactly once by the next market_filled/limit_filled/
// trigger_filled event for the same (symbol, pos_side).
type ocoStash struct {
	tp *float64
	sl *float64
}

type symside struct {
	symbol string
	side   signal.PosSide
}

// Translator is single-consumer: Run must not be called concurrently.
type Translator struct {
	cache *signal.Cache
	out   chan masterevent.Event

	intents *limitIntents

	mu    sync.Mutex
	stash map[symside]*ocoStash
}

// New builds a Translator draining cache and publishing onto an
// internally owned, bounded out channel.
func New(cache *signal.Cache, outBuf int) *Translator {
	return &Translator{
		cache:   cache,
		out:     make(chan masterevent.Event, outBuf),
		intents: newLimitIntents(),
		stash:   make(map[symside]*ocoStash),
	}
}

// Out is the channel of canonical MasterEvents; the Supervisor reads it.
func (t *Translator) Out() <-chan masterevent.Event { return t.out }

// Reset clears the master-side OCO stash, used when the Supervisor enters
// HARD_STOP or RELOAD and must discard any in-flight attached TP/SL state.
func (t *Translator) Reset() {
	t.mu.Lock()
	t.stash = make(map[symside]*ocoStash)
	t.mu.Unlock()
}

// Run drains the cache until stop is closed. It never blocks the
// producer beyond the cache's own lock: events are processed and
// forwarded to out one at a time, in arrival order.
func (t *Translator) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.cache.Notify():
		}
		for _, ev := range t.cache.Pop() {
			t.handle(ev)
		}
	}
}

func (t *Translator) handle(ev signal.Event) {
	switch ev.EventType {
	case signal.OCOAttached:
		t.handleOCOAttached(ev)
	case signal.MarketFilled:
		t.handleMarketFilled(ev)
	case signal.LimitFilled:
		t.handleLimitFilled(ev)
	case signal.LimitPlaced:
		t.handleLimitPlaced(ev)
	case signal.TriggerFilled:
		t.handleTriggerFilled(ev)
	case signal.OrderCanceled, signal.OrderInvalid:
		t.handleCancelledOrInvalid(ev)
	default:
		// position_*, plan_*, deal: observability only, not emitted.
	}
}

func (t *Translator) handleOCOAttached(ev signal.Event) {
	key := symside{ev.Symbol, ev.PosSide}
	tp := floatPtr(ev.Raw["tp"])
	sl := floatPtr(ev.Raw["sl"])

	t.mu.Lock()
	t.stash[key] = &ocoStash{tp: tp, sl: sl}
	t.mu.Unlock()
}

// takeStash consumes any pending TP/SL for (symbol,side), clearing it.
func (t *Translator) takeStash(symbol string, side signal.PosSide) (tp, sl *float64) {
	key := symside{symbol, side}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stash[key]
	if !ok {
		return nil, nil
	}
	delete(t.stash, key)
	return s.tp, s.sl
}

func (t *Translator) emit(e masterevent.Event) {
	select {
	case t.out <- e:
	default:
		// out is a bounded channel read by the single Supervisor consumer;
		// a full channel means the Supervisor is stalled, which should
		// never happen in steady state. Block rather than drop: the
		// Translator is the only producer so this self-resolves once the
		// Supervisor resumes draining.
		t.out <- e
	}
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	default:
		return 0
	}
}

func floatPtr(v any) *float64 {
	f, ok := v.(float64)
	if !ok || f == 0 {
		return nil
	}
	return &f
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	f, _ := v.(float64)
	return int(f)
}

// execTs extracts the best exchange-provided timestamp across the fields
// MEXC has been observed to use, normalizing values below 1e10 (seconds)
// to milliseconds.
func execTs(raw map[string]any) int64 {
	for _, k := range []string{"updateTime", "createTime", "timestamp", "time", "ts"} {
		v, ok := raw[k]
		if !ok {
			continue
		}
		f, ok := v.(float64)
		if !ok || f == 0 {
			continue
		}
		if f < 1e10 {
			f *= 1000
		}
		return int64(f)
	}
	return 0
}

func opposite(side signal.PosSide) signal.PosSide {
	if side == signal.Long {
		return signal.Short
	}
	return signal.Long
}

func kindFor(side signal.PosSide, isClose bool) masterevent.Kind {
	sell := side == signal.Short
	if isClose {
		sell = !sell
	}
	if sell {
		return masterevent.Sell
	}
	return masterevent.Buy
}

func (t *Translator) handleMarketFilled(ev signal.Event) {
	reduceOnly := boolOf(ev.Raw["reduceOnly"])
	emitSide := ev.PosSide
	if reduceOnly {
		emitSide = opposite(ev.PosSide)
	}

	tp, sl := t.takeStash(ev.Symbol, ev.PosSide)
	payload := masterevent.Payload{
		OrderID:    strOf(ev.Raw["orderId"]),
		Qty:        floatOf(ev.Raw["vol"]),
		Price:      floatOf(ev.Raw["dealAvgPrice"]),
		Leverage:   intOf(ev.Raw["leverage"]),
		OpenType:   intOf(ev.Raw["openType"]),
		ReduceOnly: reduceOnly,
		TPPrice:    tp,
		SLPrice:    sl,
		ExecTsMs:   execTs(ev.Raw),
	}

	t.emit(masterevent.Event{
		Event:   kindFor(ev.PosSide, reduceOnly),
		Method:  masterevent.Market,
		Symbol:  ev.Symbol,
		PosSide: emitSide,
		Closed:  reduceOnly,
		Payload: payload,
		SigType: masterevent.Copy,
		TsMs:    minTs(payload.ExecTsMs, ev.TsMs),
	})
}

func (t *Translator) handleLimitFilled(ev signal.Event) {
	orderID := strOf(ev.Raw["orderId"])
	if t.intents.TakeIfPresent(orderID, time.Now()) {
		return // self-echo, already accounted for at placement time
	}

	tp, sl := t.takeStash(ev.Symbol, ev.PosSide)
	payload := masterevent.Payload{
		OrderID:  orderID,
		Qty:      floatOf(ev.Raw["vol"]),
		Price:    floatOf(ev.Raw["price"]),
		Leverage: intOf(ev.Raw["leverage"]),
		OpenType: intOf(ev.Raw["openType"]),
		TPPrice:  tp,
		SLPrice:  sl,
		ExecTsMs: execTs(ev.Raw),
	}
	t.emit(masterevent.Event{
		Event:   masterevent.Buy,
		Method:  masterevent.Limit,
		Symbol:  ev.Symbol,
		PosSide: ev.PosSide,
		Closed:  false,
		Payload: payload,
		SigType: masterevent.Copy,
		TsMs:    minTs(payload.ExecTsMs, ev.TsMs),
	})
}

func (t *Translator) handleLimitPlaced(ev signal.Event) {
	orderID := strOf(ev.Raw["orderId"])
	t.intents.Add(orderID, time.Now())

	payload := masterevent.Payload{
		OrderID:  orderID,
		Qty:      floatOf(ev.Raw["vol"]),
		Price:    floatOf(ev.Raw["price"]),
		Leverage: intOf(ev.Raw["leverage"]),
		OpenType: intOf(ev.Raw["openType"]),
		ExecTsMs: execTs(ev.Raw),
	}
	t.emit(masterevent.Event{
		Event:   masterevent.Buy,
		Method:  masterevent.Limit,
		Symbol:  ev.Symbol,
		PosSide: ev.PosSide,
		Closed:  false,
		Payload: payload,
		SigType: masterevent.Copy,
		TsMs:    minTs(payload.ExecTsMs, ev.TsMs),
	})
}

func (t *Translator) handleTriggerFilled(ev signal.Event) {
	sideCode := intOf(ev.Raw["side"])
	isSell := sideCode != 1 && sideCode != 3
	reduceOnly := boolOf(ev.Raw["reduceOnly"])
	emitSide := ev.PosSide
	if reduceOnly {
		emitSide = opposite(ev.PosSide)
	}
	kind := masterevent.Buy
	if isSell {
		kind = masterevent.Sell
	}

	tp, sl := t.takeStash(ev.Symbol, ev.PosSide)
	payload := masterevent.Payload{
		OrderID:      strOf(ev.Raw["orderId"]),
		Qty:          floatOf(ev.Raw["vol"]),
		Price:        floatOf(ev.Raw["dealAvgPrice"]),
		Leverage:     intOf(ev.Raw["leverage"]),
		OpenType:     intOf(ev.Raw["openType"]),
		ReduceOnly:   reduceOnly,
		TPPrice:      tp,
		SLPrice:      sl,
		TriggerPrice: floatPtr(ev.Raw["triggerPrice"]),
		ExecTsMs:     execTs(ev.Raw),
		TriggerExec:  intOf(ev.Raw["trigger_exec"]),
	}
	t.emit(masterevent.Event{
		Event:   kind,
		Method:  masterevent.Trigger,
		Symbol:  ev.Symbol,
		PosSide: emitSide,
		Closed:  reduceOnly,
		Payload: payload,
		SigType: masterevent.Copy,
		TsMs:    minTs(payload.ExecTsMs, ev.TsMs),
	})
}

func (t *Translator) handleCancelledOrInvalid(ev signal.Event) {
	orderID := strOf(ev.Raw["orderId"])
	t.intents.Discard(orderID)

	t.emit(masterevent.Event{
		Event:   masterevent.Canceled,
		Method:  masterevent.Limit,
		Symbol:  ev.Symbol,
		PosSide: ev.PosSide,
		SigType: masterevent.Copy,
		Payload: masterevent.Payload{OrderID: orderID, ExecTsMs: execTs(ev.Raw)},
		TsMs:    minTs(execTs(ev.Raw), ev.TsMs),
	})
}

func minTs(execTsMs, techTsMs int64) int64 {
	if execTsMs == 0 {
		return techTsMs
	}
	if execTsMs < techTsMs {
		return execTsMs
	}
	return techTsMs
}
