package order

import "github.com/shopspring/decimal"

// DefaultPrecision 交易所未给出步长（size<=0）且调用方也没有回退精度时使用的小数位数。
const DefaultPrecision int32 = 8

var ten = decimal.NewFromInt(10)

// Digits 把 tick/step size 换算成小数位数：不断乘 10 直到 >=1，计数即位数。
// 0.001 -> 3，1 -> 0，0.5 -> 1。size<=0 返回 -1 表示无约束。
func Digits(size decimal.Decimal) int32 {
	if !size.IsPositive() {
		return -1
	}
	var digits int32
	for size.LessThan(decimal.NewFromInt(1)) {
		size = size.Mul(ten)
		digits++
	}
	return digits
}

// Round 四舍五入（half away from zero）到 digits 位小数。
func Round(value decimal.Decimal, digits int32) decimal.Decimal {
	return value.Round(digits)
}

// Normalizer 一条精度规则：交易所步长优先，其次回退精度（资产 base/quote precision），最后 DefaultPrecision。
type Normalizer struct {
	Size     decimal.Decimal
	Fallback int32
}

// Digits 该规则生效的小数位数
func (n Normalizer) Digits() int32 {
	if d := Digits(n.Size); d >= 0 {
		return d
	}
	if n.Fallback > 0 {
		return n.Fallback
	}
	return DefaultPrecision
}

// Apply 按规则取整
func (n Normalizer) Apply(value decimal.Decimal) decimal.Decimal {
	return Round(value, n.Digits())
}
