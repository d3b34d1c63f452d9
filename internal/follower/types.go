// Package follower holds the per-follower configuration, runtime state and
// position/order bookkeeping described in spec §3.
package follower

import (
	"sync"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/signal"
)

// InitState is the FollowerRuntime lifecycle state.
type InitState string

const (
	Init   InitState = "INIT"
	Ready  InitState = "READY"
	Failed InitState = "FAILED"
)

// Config is the persisted per-follower configuration of spec §3.
type Config struct {
	ID  int
	Name string

	APIKey    string
	APISecret string
	Proxy     string

	// EncryptedAPIKey/EncryptedAPISecret hold ENC[vN]:... ciphertext when
	// a KeyManager is configured; APIKey/APISecret above are the decrypted
	// in-memory values used at runtime (see pkg/crypto).
	EncryptedAPIKey    string
	EncryptedAPISecret string
	KeyVersion         int

	Coef            float64
	Leverage        int // 0 = unset, fall back to payload/pv
	MarginMode      int // 0 = unset
	MaxPositionSize float64
	RandomSizePct   [2]float64
	DelayMs         [2]float64
	Enabled         bool
}

// PositionVar is the per-(follower,symbol,pos_side) state of spec §3.
type PositionVar struct {
	InPosition bool
	Qty        float64
	EntryPrice float64
	AvgPrice   float64
	Leverage   int
	MarginMode int

	EntryTsMs int64
	State     string // "", "CLOSED_PENDING"

	AttachedTP *float64
	AttachedSL *float64
}

// BaseTemplate resets a PV to its zero state while preserving nothing.
func BaseTemplate() PositionVar {
	return PositionVar{}
}

// OrderRef tracks one copy order placed against a master order id.
type OrderRef struct {
	CopyOrderID  string
	Price        float64
	TriggerPrice float64
	Qty          float64
	Status       string // OPEN, CANCELED, FILLED
}

// OrdersVars is the per-(symbol,pos_side) open-order bookkeeping of spec §3.
type OrdersVars struct {
	mu      sync.Mutex
	Limit   map[string]*OrderRef // master_oid -> ref
	Trigger map[string]*OrderRef
}

func NewOrdersVars() *OrdersVars {
	return &OrdersVars{
		Limit:   make(map[string]*OrderRef),
		Trigger: make(map[string]*OrderRef),
	}
}

// Lock/Unlock expose the execution-serialization mutex for this
// (symbol,pos_side) pair; Executor holds this for the duration of one
// dispatch.
func (o *OrdersVars) Lock()   { o.mu.Lock() }
func (o *OrdersVars) Unlock() { o.mu.Unlock() }

// Runtime is the live lifecycle state of one follower (spec §3).
type Runtime struct {
	mu sync.RWMutex

	ID     int
	Config Config

	Gateway exchange.Gateway

	InitState    InitState
	NetworkReady bool

	LastError   string
	LastErrorTs int64

	posMu        sync.RWMutex
	positionVars map[string]map[signal.PosSide]*PositionVar // symbol -> side -> pv

	ordersMu   sync.RWMutex
	ordersVars map[string]map[signal.PosSide]*OrdersVars

	CmdClosing bool
}

// NewRuntime builds an empty runtime skeleton for cfg.
func NewRuntime(cfg Config) *Runtime {
	return &Runtime{
		ID:           cfg.ID,
		Config:       cfg,
		InitState:    Init,
		positionVars: make(map[string]map[signal.PosSide]*PositionVar),
		ordersVars:   make(map[string]map[signal.PosSide]*OrdersVars),
	}
}

// PV returns (creating if absent) the PositionVar for (symbol, side).
func (r *Runtime) PV(symbol string, side signal.PosSide) *PositionVar {
	r.posMu.Lock()
	defer r.posMu.Unlock()
	sides, ok := r.positionVars[symbol]
	if !ok {
		sides = make(map[signal.PosSide]*PositionVar)
		r.positionVars[symbol] = sides
	}
	pv, ok := sides[side]
	if !ok {
		pv = &PositionVar{}
		sides[side] = pv
	}
	return pv
}

// AllPVs returns a snapshot of all (symbol,side,pv) triples.
func (r *Runtime) AllPVs() []struct {
	Symbol string
	Side   signal.PosSide
	PV     *PositionVar
} {
	r.posMu.RLock()
	defer r.posMu.RUnlock()
	var out []struct {
		Symbol string
		Side   signal.PosSide
		PV     *PositionVar
	}
	for sym, sides := range r.positionVars {
		for side, pv := range sides {
			out = append(out, struct {
				Symbol string
				Side   signal.PosSide
				PV     *PositionVar
			}{sym, side, pv})
		}
	}
	return out
}

// Orders returns (creating if absent) the OrdersVars for (symbol, side).
func (r *Runtime) Orders(symbol string, side signal.PosSide) *OrdersVars {
	r.ordersMu.Lock()
	defer r.ordersMu.Unlock()
	sides, ok := r.ordersVars[symbol]
	if !ok {
		sides = make(map[signal.PosSide]*OrdersVars)
		r.ordersVars[symbol] = sides
	}
	ov, ok := sides[side]
	if !ok {
		ov = NewOrdersVars()
		sides[side] = ov
	}
	return ov
}

// SetError records the follower's last execution error.
func (r *Runtime) SetError(reason string, tsMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastError = reason
	r.LastErrorTs = tsMs
}

// Ready reports whether the runtime has a usable network + client.
func (r *Runtime) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.InitState == Ready && r.NetworkReady && r.Gateway != nil
}

// SetGateway installs the live exchange.Gateway, e.g. after a NetworkSession
// initialize or recreate.
func (r *Runtime) SetGateway(gw exchange.Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Gateway = gw
}

// GatewaySnapshot returns the currently installed gateway, safe for
// concurrent reads against a recreate swapping it out from under callers.
func (r *Runtime) GatewaySnapshot() exchange.Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Gateway
}

// SetNetworkReady flips the network_ready flag a NetworkSession toggles as
// it initializes, degrades, and recreates.
func (r *Runtime) SetNetworkReady(ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.NetworkReady = ready
}

// SetInitState transitions the runtime's init_state (spec §3).
func (r *Runtime) SetInitState(s InitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.InitState = s
}
