package sandbox

import (
	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/symbols"
)

// marginPrice picks the price the margin is computed against: market orders
// use the live touch, limit orders their limit, stop orders their trigger.
func marginPrice(req *broker.OrderRequest, ltp decimal.Decimal) decimal.Decimal {
	switch req.PriceType {
	case broker.PriceTypeLimit:
		return decimal.NewFromFloat(req.Price)
	case broker.PriceTypeSL, broker.PriceTypeSLMarket:
		return decimal.NewFromFloat(req.TriggerPrice)
	default:
		return ltp
	}
}

// contractMultiplier is the per-unit contract size. Equities carry 1.
func contractMultiplier(inst *symbols.Instrument) int64 {
	if inst.LotSize > 1 {
		return int64(inst.LotSize)
	}
	return 1
}

// marginRequired computes the margin blocked for an order.
//
// Equity MIS divides by the intraday leverage, CNC/NRML equity is fully
// funded, futures divide the contract notional by the futures leverage,
// option buys block the full premium, and option sells block the underlying
// notional divided by the short-option leverage.
func marginRequired(cfg *Config, inst *symbols.Instrument, req *broker.OrderRequest,
	ltp, underlyingLTP decimal.Decimal) decimal.Decimal {

	price := marginPrice(req, ltp)
	qty := decimal.NewFromInt(int64(req.Quantity))
	mult := decimal.NewFromInt(contractMultiplier(inst))
	notional := price.Mul(mult).Mul(qty)

	switch inst.InstrumentType {
	case "FUT":
		return ltp.Mul(mult).Mul(qty).Div(cfg.FuturesLeverage)
	case "CE", "PE":
		if req.Action == broker.ActionBuy {
			return price.Mul(mult).Mul(qty).Div(cfg.OptionBuyLeverage)
		}
		return underlyingLTP.Mul(mult).Mul(qty).Div(cfg.OptionSellLeverage)
	default:
		if req.Product == broker.ProductMIS {
			return notional.Div(cfg.EquityMISLeverage)
		}
		return notional.Div(cfg.EquityCNCLeverage)
	}
}

// triggered reports whether a resting order fires against the current LTP.
// Market orders always fire.
func triggered(priceType, action string, price, trigger, ltp decimal.Decimal) bool {
	switch priceType {
	case broker.PriceTypeLimit:
		if action == broker.ActionBuy {
			return ltp.LessThanOrEqual(price)
		}
		return ltp.GreaterThanOrEqual(price)
	case broker.PriceTypeSL, broker.PriceTypeSLMarket:
		if action == broker.ActionBuy {
			return ltp.GreaterThanOrEqual(trigger)
		}
		return ltp.LessThanOrEqual(trigger)
	default:
		return true
	}
}
