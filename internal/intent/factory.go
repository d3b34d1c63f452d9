package intent

import (
	"math"
	"math/rand"
	"strings"

	"github.com/shopspring/decimal"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/masterevent"
)

// FallbackLeverage and FallbackMarginMode are used when neither the
// follower config, the master payload, nor the follower's own PV carry a
// usable value.
const (
	FallbackLeverage   = 10
	FallbackMarginMode = 1 // Isolated
)

// Factory is the single customization point for initiating copy orders;
// close intents use the master's quantity unless the follower resizes
// (coef, random size or max position size), in which case they close the
// follower's own tracked quantity.
type Factory struct{}

func firstPositiveInt(vals ...int) (int, bool) {
	for _, v := range vals {
		if v > 0 {
			return v, true
		}
	}
	return 0, false
}

// Build produces a sized, priced Intent for one follower from mev, or
// returns a *DropError when the event cannot be copied as-is.
func (Factory) Build(cfg follower.Config, mev masterevent.Event, copyPV follower.PositionVar, spec exchange.SymbolSpec) (*Intent, error) {
	p := mev.Payload

	var leverage int
	if !mev.Closed {
		leverage, _ = firstPositiveInt(cfg.Leverage, p.Leverage, copyPV.Leverage, FallbackLeverage)
	} else {
		leverage, _ = firstPositiveInt(copyPV.Leverage, p.Leverage, cfg.Leverage, FallbackLeverage)
	}
	if leverage <= 0 {
		return nil, &DropError{Reason: DropBadLeverage}
	}
	if spec.MaxLeverage > 0 && leverage > spec.MaxLeverage {
		leverage = spec.MaxLeverage
	}

	var openType int
	if !mev.Closed {
		openType, _ = firstPositiveInt(cfg.MarginMode, p.OpenType, copyPV.MarginMode, FallbackMarginMode)
	} else {
		openType, _ = firstPositiveInt(copyPV.MarginMode, p.OpenType, cfg.MarginMode, FallbackMarginMode)
	}
	if openType <= 0 {
		return nil, &DropError{Reason: DropBadOpenType}
	}

	maxMargin := cfg.MaxPositionSize

	coef := cfg.Coef
	if coef == 0 {
		coef = 1.0
	}

	rndPct := 100.0
	lo, hi := cfg.RandomSizePct[0], cfg.RandomSizePct[1]
	if (lo != 0 || hi != 0) && hi > lo {
		rndPct = lo + rand.Float64()*(hi-lo)
	}

	payloadQty := p.Qty
	copyPVQty := copyPV.Qty
	changingQty := (coef != 0 && coef != 1) || lo != 0 || hi != 0 || maxMargin != 0

	delayMs := 0
	if mev.SigType != masterevent.Manual {
		dLo, dHi := math.Abs(cfg.DelayMs[0]), math.Abs(cfg.DelayMs[1])
		if dHi > dLo {
			delayMs = int(dLo + rand.Float64()*(dHi-dLo))
		}
	}

	price := fmtPrice(p.Price, spec.PricePrecision)

	var qty float64
	if mev.Closed {
		qty = payloadQty
		if changingQty {
			qty = copyPVQty
		}
		if qty <= 0 {
			return nil, &DropError{Reason: DropCloseQtyInvalid}
		}

		return &Intent{
			Symbol:       mev.Symbol,
			Side:         sideOf(mev.Event),
			PositionSide: mev.PosSide,
			Contracts:    qty,
			Method:       methodOf(mev.Method),
			Price:        price,
			Leverage:     leverage,
			OpenType:     openType,
			DelayMs:      delayMs,
		}, nil
	}

	qty = payloadQty
	if qty <= 0 {
		return nil, &DropError{Reason: DropQtyPayloadInvalid}
	}

	if changingQty {
		priceForClamp := p.Price
		if priceForClamp == 0 {
			priceForClamp = copyPV.EntryPrice
		}
		qty = clampByMaxMargin(qty, maxMargin, priceForClamp, leverage, coef, rndPct, spec)
		if qty <= 0 {
			return nil, &DropError{Reason: DropQtyAfterClampInvalid}
		}
	}

	var triggerPrice, slPrice, tpPrice string
	if p.TriggerPrice != nil {
		triggerPrice = fmtPrice(*p.TriggerPrice, spec.PricePrecision)
	}
	if p.SLPrice != nil {
		slPrice = fmtPrice(*p.SLPrice, spec.PricePrecision)
	}
	if p.TPPrice != nil {
		tpPrice = fmtPrice(*p.TPPrice, spec.PricePrecision)
	}

	return &Intent{
		Symbol:       mev.Symbol,
		Side:         sideOf(mev.Event),
		PositionSide: mev.PosSide,
		Contracts:    qty,
		Method:       methodOf(mev.Method),
		Price:        price,
		TriggerPrice: triggerPrice,
		SLPrice:      slPrice,
		TPPrice:      tpPrice,
		Leverage:     leverage,
		OpenType:     openType,
		DelayMs:      delayMs,
	}, nil
}

func sideOf(k masterevent.Kind) Side {
	if k == masterevent.Buy {
		return Buy
	}
	return Sell
}

func methodOf(m masterevent.Method) Method {
	switch m {
	case masterevent.Market:
		return MethodMarket
	case masterevent.Trigger:
		return MethodTrigger
	default:
		return MethodLimit
	}
}

// clampByMaxMargin reduces contracts so the implied margin never exceeds
// maxMargin, snapping the result to the symbol's contract grid. Ported
// verbatim from CopyOrderIntentFactory._clamp_by_max_margin.
func clampByMaxMargin(contracts, maxMargin, price float64, leverage int, coef, rndPct float64, spec exchange.SymbolSpec) float64 {
	if math.IsNaN(contracts) || math.IsInf(contracts, 0) {
		return 0
	}
	if price <= 0 || leverage <= 0 {
		return contracts
	}
	if spec.ContractSize == 0 || spec.VolUnit == 0 {
		return contracts
	}

	margin := (contracts * spec.ContractSize * price) / float64(leverage)

	if coef != 0 && coef != 1 {
		margin *= math.Abs(coef)
	}
	if rndPct != 0 && rndPct != 100 {
		margin *= math.Abs(rndPct / 100)
	}

	if margin != 0 && maxMargin != 0 && margin >= maxMargin {
		margin = math.Abs(maxMargin)
	} else if margin == 0 {
		return 0
	}

	baseQty := (margin * float64(leverage)) / price
	contracts = baseQty / spec.ContractSize
	contracts = math.Floor(contracts/spec.VolUnit) * spec.VolUnit
	contracts = roundTo(contracts, spec.ContractPrecision)

	if math.IsNaN(contracts) || math.IsInf(contracts, 0) || contracts <= 0 {
		return 0
	}
	return contracts
}

func roundTo(v float64, precision int) float64 {
	d := decimal.NewFromFloat(v).Round(int32(precision))
	f, _ := d.Float64()
	return f
}

// fmtPrice renders value as the canonical decimal string: rounded to
// precision (if given), no trailing zeros, no scientific notation. A
// zero value is treated as "not set" and formats to "". Ported from
// c_utils.py's Utils.to_human_digit.
func fmtPrice(value float64, precision int) string {
	if value == 0 {
		return ""
	}
	d := decimal.NewFromFloat(value)
	if precision > 0 {
		d = d.Round(int32(precision))
	}
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}
