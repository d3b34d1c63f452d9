// Package exchange abstracts the outbound REST surface of §6 behind a
// Gateway interface, generalized from the teacher's spot/futures gateway
// contract (pkg/exchanges/common/gateway.go) to this spec's verb set.
package exchange

import "context"

// OrderSide is the exchange's four-way open/close x long/short encoding.
// Matches the wire's actual numbering: 1=open long, 2=close short,
// 3=open short, 4=close long (see SideFromOrderSide).
type OrderSide int

const (
	OpenLong   OrderSide = 1
	CloseShort OrderSide = 2
	OpenShort  OrderSide = 3
	CloseLong  OrderSide = 4
)

// OpenType is the margin mode.
type OpenType int

const (
	Isolated OpenType = 1
	Crossed  OpenType = 2
)

// OrderType distinguishes limit vs market requests.
type OrderType int

const (
	PriceLimited OrderType = 1
	MarketOrder  OrderType = 5
)

// TriggerType is the trigger comparison direction.
type TriggerType int

const (
	LessThanOrEqual    TriggerType = 1
	GreaterThanOrEqual TriggerType = 2
)

// ExecuteCycle controls trigger-order lifetime.
type ExecuteCycle string

const (
	UntilCanceled ExecuteCycle = "UNTIL_CANCELED"
)

// Trend pins the trigger comparison to the latest traded price.
const LatestPriceTrend = "LatestPrice"

// OrderRequest is the semantic surface of create_order (§6).
type OrderRequest struct {
	Symbol         string
	Vol            float64 // contracts
	Side           OrderSide
	OpenType       OpenType
	Type           OrderType
	Leverage       int
	Price          string // decimal string, LIMIT only
	StopLossPrice  string
	TakeProfitPrice string
	ClientOrderID  string
}

// TriggerOrderRequest is the semantic surface of create_trigger_order.
type TriggerOrderRequest struct {
	Symbol        string
	Vol           float64
	Side          OrderSide
	OpenType      OpenType
	Leverage      int
	TriggerPrice  string
	TriggerType   TriggerType
	ExecuteType   OrderType // MarketOrder unless payload.trigger_exec == 1
	Trend         string
	ExecuteCycle  ExecuteCycle
	ClientOrderID string
}

// OrderResult is the exchange ack.
type OrderResult struct {
	OrderID string
}

// PositionSnapshot is a single open-position row from get_open_positions.
type PositionSnapshot struct {
	Symbol       string
	PositionType int // 1=LONG, 2=SHORT
	State        int // 1=holding
	HoldVol      float64
	OpenAvgPrice float64
	HoldAvgPrice float64
	Leverage     int
	OpenType     int
}

// PnLRecord is one row of a realized-PnL report.
type PnLRecord struct {
	Symbol    string
	Direction int // 1=LONG, 2=SHORT
	PnLUSDT   float64
}

// SymbolSpec is the contract-grid metadata used by the intent clamp.
type SymbolSpec struct {
	ContractSize     float64
	VolUnit          float64
	ContractPrecision int
	PricePrecision   int
	MaxLeverage      int
}

// Gateway abstracts a single follower's (or the master's) trading venue.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CreateTriggerOrder(ctx context.Context, req TriggerOrderRequest) (OrderResult, error)
	CancelOrders(ctx context.Context, orderIDs []string) error
	CancelTriggerOrders(ctx context.Context, ids []TriggerCancelRef) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenPositions(ctx context.Context, symbol string) ([]PositionSnapshot, error)
	// GetHistoricalOrdersReport returns realized-PnL rows for symbol (all
	// symbols if empty) updated within [sinceMs, untilMs]; untilMs==0 means
	// no upper bound.
	GetHistoricalOrdersReport(ctx context.Context, symbol string, sinceMs, untilMs int64) ([]PnLRecord, error)
	GetSymbolSpec(ctx context.Context, symbol string) (SymbolSpec, error)
	Ping(ctx context.Context) error
}

// TriggerCancelRef identifies a trigger order for bulk cancel.
type TriggerCancelRef struct {
	OrderID string
	Symbol  string
}
