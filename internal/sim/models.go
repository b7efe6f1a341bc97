package sim

import (
	"fmt"

	"github.com/shopspring/decimal"

	"margin_trader/internal/config"
	"margin_trader/internal/event"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// CommissionModel prices the fee for one fill.
type CommissionModel interface {
	Commission(quantity, price decimal.Decimal) decimal.Decimal
}

type fixedCommission struct{ amount decimal.Decimal }

func (m fixedCommission) Commission(decimal.Decimal, decimal.Decimal) decimal.Decimal {
	return m.amount
}

type perUnitCommission struct{ rate decimal.Decimal }

func (m perUnitCommission) Commission(quantity, _ decimal.Decimal) decimal.Decimal {
	return quantity.Mul(m.rate)
}

type bpsCommission struct{ rate decimal.Decimal }

func (m bpsCommission) Commission(quantity, price decimal.Decimal) decimal.Decimal {
	return quantity.Mul(price).Mul(m.rate).Div(bpsDivisor)
}

// NewCommissionModel builds the model selected by cfg.
func NewCommissionModel(cfg config.CommissionConfig) (CommissionModel, error) {
	rate := decimal.NewFromFloat(cfg.Rate)
	switch cfg.Model {
	case "fixed":
		return fixedCommission{amount: rate}, nil
	case "per_unit":
		return perUnitCommission{rate: rate}, nil
	case "bps":
		return bpsCommission{rate: rate}, nil
	default:
		return nil, fmt.Errorf("unknown commission model %q", cfg.Model)
	}
}

// SlippageModel degrades the reference price in the adverse direction:
// buys execute higher, sells lower.
type SlippageModel interface {
	Adjust(side event.Side, quantity, price, barVolume decimal.Decimal) decimal.Decimal
}

type fixedBpsSlippage struct{ bps decimal.Decimal }

func (m fixedBpsSlippage) Adjust(side event.Side, _, price, _ decimal.Decimal) decimal.Decimal {
	delta := price.Mul(m.bps).Div(bpsDivisor)
	if side == event.SideBuy {
		return price.Add(delta)
	}
	return price.Sub(delta)
}

// volumeImpactSlippage scales the concession with the order's share of the
// bar volume, so large orders in thin bars pay more.
type volumeImpactSlippage struct{ impact decimal.Decimal }

func (m volumeImpactSlippage) Adjust(side event.Side, quantity, price, barVolume decimal.Decimal) decimal.Decimal {
	if barVolume.LessThanOrEqual(decimal.Zero) {
		return price
	}
	delta := price.Mul(m.impact).Mul(quantity.Div(barVolume))
	if side == event.SideBuy {
		return price.Add(delta)
	}
	return price.Sub(delta)
}

// NewSlippageModel builds the model selected by cfg.
func NewSlippageModel(cfg config.SlippageConfig) (SlippageModel, error) {
	switch cfg.Model {
	case "fixed_bps":
		return fixedBpsSlippage{bps: decimal.NewFromFloat(cfg.BasisPoints)}, nil
	case "volume_impact":
		return volumeImpactSlippage{impact: decimal.NewFromFloat(cfg.ImpactFactor)}, nil
	default:
		return nil, fmt.Errorf("unknown slippage model %q", cfg.Model)
	}
}
