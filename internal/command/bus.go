// Package command implements the manual-close command surface described in
// spec §4.10, ported from original_source/COPY/cmd_.go's CmdDestrib.on_close.
// The bus itself never touches the exchange or follower state: it only
// produces a ManualClose command that the dispatch layer expands into
// per-follower, per-position MasterEvents (ExpandManualClose).
package command

// AllOpenedSymbols is the sentinel symbol on the synthetic manual-close
// MasterEvent, matching the original's "ALL OPENED SYMBOLS" marker.
const AllOpenedSymbols = "ALL OPENED SYMBOLS"

// ManualClose is the operator-issued close-all-positions command for a set
// of follower ids.
type ManualClose struct {
	FollowerIDs []int
	TsMs        int64
}

// LogSink receives one UI-facing log line per command.
type LogSink func(cid int, line string)

// Bus accepts manual commands from the operator surface (internal/api) and
// queues them for expansion.
type Bus struct {
	out     chan<- ManualClose
	log     LogSink
	nowMs   func() int64
	stopped func() bool
}

func New(out chan<- ManualClose, log LogSink, nowMs func() int64, stopped func() bool) *Bus {
	if log == nil {
		log = func(int, string) {}
	}
	return &Bus{out: out, log: log, nowMs: nowMs, stopped: stopped}
}

// OnClose is the single entry point for a manual close: ids names the
// follower ids to close, with 0 (the master) filtered out and forbidden as
// a target.
func (b *Bus) OnClose(ids []int) {
	if b.stopped != nil && b.stopped() {
		return
	}

	filtered := make([]int, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		return
	}

	b.log(0, "CLOSE INTENT: manual button")
	b.out <- ManualClose{FollowerIDs: filtered, TsMs: b.nowMs()}
}
