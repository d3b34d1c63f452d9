package reconcile

import (
	"fmt"
	"hash/fnv"

	"copytrade-relay/internal/follower"
)

// snapshotHash is an order-independent digest of a follower's open
// positions: XOR of hash(symbol, side, qty) over every PV with qty>0, so
// adding/removing/resizing any single position changes the result
// regardless of map iteration order.
func snapshotHash(rt *follower.Runtime) uint64 {
	var result uint64
	for _, entry := range rt.AllPVs() {
		if entry.PV.Qty <= 0 {
			continue
		}
		h := fnv.New64a()
		fmt.Fprintf(h, "%s|%s|%.8f", entry.Symbol, entry.Side, entry.PV.Qty)
		result ^= h.Sum64()
	}
	return result
}
