package command

import (
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/masterevent"
)

// ExpandManualClose turns one ManualClose command into one atomic
// per-position MasterEvent per follower: for every (symbol, side) the
// follower is actually holding (in_position && qty>0), emit a sell/close
// event bound to that follower's id. Master close (id 0) is never a valid
// target — Bus.OnClose already filters it, this is a second, defensive
// check against a caller bypassing the bus.
func ExpandManualClose(cmd ManualClose, followers map[int]*follower.Runtime) []masterevent.Event {
	var events []masterevent.Event

	for _, id := range cmd.FollowerIDs {
		if id == 0 {
			continue
		}
		rt, ok := followers[id]
		if !ok {
			continue
		}

		for _, entry := range rt.AllPVs() {
			pv := entry.PV
			if !pv.InPosition || pv.Qty <= 0 {
				continue
			}

			events = append(events, masterevent.Event{
				Event:   masterevent.Sell,
				Method:  masterevent.Market,
				Symbol:  entry.Symbol,
				PosSide: entry.Side,
				Closed:  true,
				SigType: masterevent.Manual,
				TsMs:    cmd.TsMs,
				CID:     id,
				HasCID:  true,
				Payload: masterevent.Payload{
					Qty:        pv.Qty,
					ReduceOnly: true,
					Leverage:   pv.Leverage,
					OpenType:   pv.MarginMode,
				},
			})
		}
	}

	return events
}
