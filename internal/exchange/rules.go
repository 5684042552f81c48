package exchange

import (
	"binance-mm-bot-go/internal/models"
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolRules 缓存了交易对的价格与数量精度规则
type SymbolRules struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// RulesFromSymbolInfo 从交易所返回的过滤器中解析精度规则
func RulesFromSymbolInfo(info *models.SymbolInfo) (*SymbolRules, error) {
	rules := &SymbolRules{Symbol: info.Symbol}
	for _, f := range info.Filters {
		var err error
		switch f.FilterType {
		case "PRICE_FILTER":
			rules.TickSize, err = decimal.NewFromString(f.TickSize)
		case "LOT_SIZE":
			if rules.StepSize, err = decimal.NewFromString(f.StepSize); err == nil && f.MinQty != "" {
				rules.MinQty, err = decimal.NewFromString(f.MinQty)
			}
		case "MIN_NOTIONAL":
			if f.MinNotional != "" {
				rules.MinNotional, err = decimal.NewFromString(f.MinNotional)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("解析 %s 过滤器失败: %w", f.FilterType, err)
		}
	}
	if rules.TickSize.IsZero() || rules.StepSize.IsZero() {
		return nil, fmt.Errorf("交易对 %s 缺少 PRICE_FILTER 或 LOT_SIZE 规则", info.Symbol)
	}
	return rules, nil
}

// quantize 将 v 向下取整到 step 的整数倍，避免浮点误差导致的精度拒单
func quantize(v float64, step decimal.Decimal) float64 {
	if step.IsZero() {
		return v
	}
	d := decimal.NewFromFloat(v)
	q, _ := d.Div(step).Floor().Mul(step).Float64()
	return q
}

// QuantizePrice 将价格对齐到 tickSize
func (r *SymbolRules) QuantizePrice(price float64) float64 {
	return quantize(price, r.TickSize)
}

// QuantizeQty 将数量对齐到 stepSize
func (r *SymbolRules) QuantizeQty(qty float64) float64 {
	return quantize(qty, r.StepSize)
}

// ValidOrder 检查数量和名义价值是否满足交易所下限
func (r *SymbolRules) ValidOrder(price, qty float64) bool {
	dq := decimal.NewFromFloat(qty)
	if !r.MinQty.IsZero() && dq.LessThan(r.MinQty) {
		return false
	}
	if !r.MinNotional.IsZero() {
		notional := decimal.NewFromFloat(price).Mul(dq)
		if notional.LessThan(r.MinNotional) {
			return false
		}
	}
	return qty > 0
}
