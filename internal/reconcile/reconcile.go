// Package reconcile implements the hash-convergence polling loop that
// waits for a follower's reported positions to reflect a just-dispatched
// MasterEvent, then batches the realized-PnL report for any position that
// closed in the process. Ported from
// original_source/COPY/pv_fsm_.go's assum_positions/pv_cleanup.
package reconcile

import (
	"context"
	"math"
	"sync"
	"time"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/position"
	"copytrade-relay/internal/signal"
)

const (
	initialDelay = 50 * time.Millisecond
	maxDelay     = 500 * time.Millisecond
	delayFactor  = 1.25
	deadline     = 5 * time.Second
)

// Report is one realized-PnL record produced when a CLOSED_PENDING
// position's reconciliation has been assembled.
type Report struct {
	FollowerID int
	Symbol     string
	PosSide    signal.PosSide
	PnLUSDT    *float64
	EntryTsMs  int64
	ExitTsMs   int64
	Err        string
}

// OnStable receives one follower's realized-PnL reports once its position
// snapshot has changed since the pre-dispatch hash and it holds
// CLOSED_PENDING positions (reports is nil when none of those carries an
// entry timestamp). A follower whose changed snapshot holds no
// CLOSED_PENDING position produces no call.
type OnStable func(reports []Report)

type tracked struct {
	rt      *follower.Runtime
	monitor *position.Monitor
}

// Coordinator owns one background convergence loop per fan-out burst.
type Coordinator struct {
	mu       sync.Mutex
	tracked  map[int]tracked
	onStable OnStable
}

func New(onStable OnStable) *Coordinator {
	if onStable == nil {
		onStable = func([]Report) {}
	}
	return &Coordinator{tracked: make(map[int]tracked), onStable: onStable}
}

// Register attaches a follower's runtime and position monitor so Trigger
// can refresh and hash it.
func (c *Coordinator) Register(followerID int, rt *follower.Runtime, mon *position.Monitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked[followerID] = tracked{rt: rt, monitor: mon}
}

// Trigger starts the convergence loop for the given follower ids,
// recording their pre-dispatch hashes immediately (the caller must call
// this right after the executor issues all orders for a MasterEvent, so
// the "before" hash reflects pre-fill state).
func (c *Coordinator) Trigger(ctx context.Context, followerIDs []int) {
	c.mu.Lock()
	prevHash := make(map[int]uint64, len(followerIDs))
	pending := make(map[int]bool, len(followerIDs))
	for _, id := range followerIDs {
		if t, ok := c.tracked[id]; ok {
			prevHash[id] = snapshotHash(t.rt)
			pending[id] = true
		}
	}
	c.mu.Unlock()

	delay := initialDelay
	deadlineAt := time.Now().Add(deadline)

	for len(pending) > 0 && time.Now().Before(deadlineAt) {
		var wg sync.WaitGroup
		for id := range pending {
			id := id
			c.mu.Lock()
			t, ok := c.tracked[id]
			c.mu.Unlock()
			if !ok || t.monitor == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = t.monitor.Refresh(ctx)
			}()
		}
		wg.Wait()

		for id := range pending {
			c.mu.Lock()
			t, ok := c.tracked[id]
			c.mu.Unlock()
			if !ok {
				delete(pending, id)
				continue
			}
			h := snapshotHash(t.rt)
			if h != prevHash[id] {
				prevHash[id] = h
				delete(pending, id)
				c.onFollowerStable(ctx, id, t.rt)
			}
		}

		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = time.Duration(math.Min(float64(delay)*delayFactor, float64(maxDelay)))
	}
}

// onFollowerStable gathers every CLOSED_PENDING PV for this follower,
// fetches its realized-PnL report in one batched call, matches rows by
// (symbol, direction), falls back to a narrower per-position fetch on a
// batch miss, and fully clears each reconciled PV.
func (c *Coordinator) onFollowerStable(ctx context.Context, followerID int, rt *follower.Runtime) {
	type closedEntry struct {
		symbol string
		side   signal.PosSide
		pv     *follower.PositionVar
	}
	var closed []closedEntry
	var minEntryTs int64

	for _, entry := range rt.AllPVs() {
		if entry.PV.State != "CLOSED_PENDING" {
			continue
		}
		closed = append(closed, closedEntry{entry.Symbol, entry.Side, entry.PV})
		if minEntryTs == 0 || entry.PV.EntryTsMs < minEntryTs {
			minEntryTs = entry.PV.EntryTsMs
		}
	}
	if len(closed) == 0 {
		return
	}
	if minEntryTs == 0 {
		c.onStable(nil)
		return
	}

	nowMs := time.Now().UnixMilli()
	gw := rt.GatewaySnapshot()

	var batch []exchange.PnLRecord
	if gw != nil {
		batch, _ = gw.GetHistoricalOrdersReport(ctx, "", minEntryTs, nowMs)
	}
	batchByKey := make(map[symDir]exchange.PnLRecord, len(batch))
	for _, r := range batch {
		batchByKey[symDir{r.Symbol, r.Direction}] = r
	}

	reports := make([]Report, 0, len(closed))
	for _, ce := range closed {
		direction := 1
		if ce.side == signal.Short {
			direction = 2
		}

		report := Report{
			FollowerID: followerID,
			Symbol:     ce.symbol,
			PosSide:    ce.side,
			EntryTsMs:  ce.pv.EntryTsMs,
			ExitTsMs:   nowMs,
		}

		if rec, ok := batchByKey[symDir{ce.symbol, direction}]; ok {
			pnl := rec.PnLUSDT
			report.PnLUSDT = &pnl
		} else {
			report = c.fallbackFetch(ctx, rt, ce.symbol, direction, ce.pv.EntryTsMs, nowMs, report)
		}

		*ce.pv = follower.BaseTemplate()
		reports = append(reports, report)
	}

	c.onStable(reports)
}

type symDir struct {
	symbol    string
	direction int
}

func (c *Coordinator) fallbackFetch(ctx context.Context, rt *follower.Runtime, symbol string, direction int, sinceMs, untilMs int64, report Report) Report {
	gw := rt.GatewaySnapshot()
	if gw == nil {
		report.Err = "PNL_FETCH_FAILED"
		return report
	}
	recs, err := gw.GetHistoricalOrdersReport(ctx, symbol, sinceMs, untilMs)
	if err != nil {
		report.Err = "PNL_FETCH_FAILED"
		return report
	}
	for _, r := range recs {
		if r.Symbol == symbol && r.Direction == direction {
			pnl := r.PnLUSDT
			report.PnLUSDT = &pnl
			return report
		}
	}
	report.Err = "PNL_FETCH_FAILED"
	return report
}
