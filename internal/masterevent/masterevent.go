// Package masterevent defines the canonical MasterEvent record that the
// translator emits and the executor and command bus consume.
package masterevent

import "copytrade-relay/internal/signal"

// Kind is the canonical event kind on the output side of the translator.
type Kind string

const (
	Buy      Kind = "buy"
	Sell     Kind = "sell"
	Canceled Kind = "canceled"
)

// Method is the execution method requested for this event.
type Method string

const (
	Market  Method = "market"
	Limit   Method = "limit"
	Trigger Method = "trigger"
)

// SigType distinguishes stream-derived signals from synthetic manual-close
// events produced by the command bus.
type SigType string

const (
	Copy   SigType = "copy"
	Manual SigType = "manual"
)

// Payload carries the execution-relevant fields extracted from the raw
// stream message (see spec §3).
type Payload struct {
	OrderID       string
	Qty           float64
	Price         float64
	Leverage      int
	OpenType      int
	ReduceOnly    bool
	TPPrice       *float64
	SLPrice       *float64
	TriggerPrice  *float64
	ExecTsMs      int64
	TriggerExec   int // 1 = limit-exec on trigger, else market
}

// Event is the canonical translator output.
type Event struct {
	Event    Kind
	Method   Method
	Symbol   string
	PosSide  signal.PosSide
	Closed   bool
	Payload  Payload
	SigType  SigType
	TsMs     int64

	// CID binds a manual-close expansion to one specific follower id.
	// Zero means "not bound" (stream-derived events; master cid=0 is
	// reserved and forbidden as a manual-close target).
	CID       int
	HasCID    bool
}
