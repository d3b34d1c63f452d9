// Package position implements the diff-based position-monitor FSM that
// reconciles a follower's exchange.PositionSnapshot feed against its
// tracked PositionVar state. Ported from
// original_source/COPY/pv_fsm_.go's PosMonitorFSM.unpack/refresh.
package position

import (
	"context"
	"math"
	"time"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/signal"
)

// Info is the normalized view of one open exchange position.
type Info struct {
	Symbol     string
	PosSide    signal.PosSide
	Qty        float64
	EntryPrice float64
	AvgPrice   float64
	Leverage   int
	MarginMode int
}

// Unpack normalizes a raw snapshot, rejecting non-holding, zero-volume or
// unrecognized-side rows. state: 1=holding, 2=system-held, 3=closed — only
// 1 is treated as an active position.
func Unpack(p exchange.PositionSnapshot) (Info, bool) {
	if p.State != 1 {
		return Info{}, false
	}
	vol := math.Abs(p.HoldVol)
	if p.Symbol == "" || vol <= 0 {
		return Info{}, false
	}

	var side signal.PosSide
	switch p.PositionType {
	case 1:
		side = signal.Long
	case 2:
		side = signal.Short
	default:
		return Info{}, false
	}

	leverage := p.Leverage
	if leverage == 0 {
		leverage = 1
	}
	marginMode := p.OpenType
	if marginMode == 0 {
		marginMode = 1
	}

	return Info{
		Symbol:     p.Symbol,
		PosSide:    side,
		Qty:        vol,
		EntryPrice: p.OpenAvgPrice,
		AvgPrice:   p.HoldAvgPrice,
		Leverage:   leverage,
		MarginMode: marginMode,
	}, true
}

// FetchFunc retrieves the current open positions for one follower. A
// non-nil error means "API/network error" — the cache is left untouched.
type FetchFunc func(ctx context.Context) ([]exchange.PositionSnapshot, error)

// Monitor reconciles one follower's PositionVar map against its live
// exchange position snapshot on each Refresh call.
type Monitor struct {
	rt    *follower.Runtime
	fetch FetchFunc
}

func New(rt *follower.Runtime, fetch FetchFunc) *Monitor {
	return &Monitor{rt: rt, fetch: fetch}
}

type symside struct {
	symbol string
	side   signal.PosSide
}

// Refresh pulls the live snapshot and folds it into the PositionVar slots
// already in rt's map: a slot not yet in_position whose (symbol, side) is
// present on the venue starts tracking (new entry), one present on both
// sides continues (metrics refreshed, entry preserved), and one that
// disappears from the venue while still marked in_position resets to a
// CLOSED_PENDING template so the reconcile layer can pick up its realized
// PnL. A venue position with no slot in the runtime's map is not tracked.
func (m *Monitor) Refresh(ctx context.Context) error {
	snaps, err := m.fetch(ctx)
	if err != nil {
		return err
	}

	active := make(map[symside]Info, len(snaps))
	for _, s := range snaps {
		info, ok := Unpack(s)
		if !ok {
			continue
		}
		active[symside{info.Symbol, info.PosSide}] = info
	}

	nowMs := time.Now().UnixMilli()

	for _, entry := range m.rt.AllPVs() {
		pv := entry.PV
		key := symside{entry.Symbol, entry.Side}
		wasInPosition := pv.InPosition

		if info, ok := active[key]; ok && info.Qty > 0 {
			if !wasInPosition {
				*pv = follower.PositionVar{
					InPosition: true,
					Qty:        info.Qty,
					EntryPrice: info.EntryPrice,
					AvgPrice:   info.AvgPrice,
					Leverage:   info.Leverage,
					MarginMode: info.MarginMode,
					EntryTsMs:  nowMs,
				}
			} else {
				pv.Qty = info.Qty
				pv.AvgPrice = info.AvgPrice
				pv.Leverage = info.Leverage
				pv.MarginMode = info.MarginMode
			}
			continue
		}

		if wasInPosition {
			entryTs := pv.EntryTsMs
			*pv = follower.BaseTemplate()
			pv.EntryTsMs = entryTs
			pv.State = "CLOSED_PENDING"
		}
	}

	return nil
}
