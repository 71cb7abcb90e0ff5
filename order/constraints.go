package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolConstraints 描述交易对的数量与名义限制（来自 exchangeInfo 过滤器），零值表示不限制。
type SymbolConstraints struct {
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Validate 检查归一化后的价格/数量是否满足数量与最小名义。
func (c SymbolConstraints) Validate(price, qty decimal.Decimal) error {
	if c.MinQty.IsPositive() && qty.LessThan(c.MinQty) {
		return fmt.Errorf("qty %s < minQty %s", qty, c.MinQty)
	}
	if c.MaxQty.IsPositive() && qty.GreaterThan(c.MaxQty) {
		return fmt.Errorf("qty %s > maxQty %s", qty, c.MaxQty)
	}
	if notional := price.Mul(qty); c.MinNotional.IsPositive() && notional.LessThan(c.MinNotional) {
		return fmt.Errorf("notional %s < minNotional %s", notional, c.MinNotional)
	}
	return nil
}
