package order

import (
	"strings"

	"github.com/shopspring/decimal"

	"spot-trader-go/gateway"
)

// Event 状态输出的触发点
type Event string

const (
	EventPlacing    Event = "placing"    // 提交前
	EventCancelling Event = "cancelling" // 发出撤单请求前
	EventFilled     Event = "filled"
)

// StatusSink 接收订单状态行，例如控制台输出。
type StatusSink interface {
	OrderStatus(ev Event, v View)
}

// View 订单公开字段的快照
type View struct {
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	CancelThreshold decimal.NullDecimal
	OrderID         int64
	ClientOrderID   string
	Status          Status
	Filled          bool
	Cancelled       bool
	DryRun          bool
}

// State 展示用的状态标记
func (v View) State() string {
	switch {
	case v.Cancelled:
		return "CANCELLED"
	case v.Filled:
		return "FILLED"
	default:
		return "PLACED"
	}
}

// String 形如 "(test) PLACED: BUY: @ 30000.46 totaling 1.235 cancel above 31000."
func (v View) String() string {
	var b strings.Builder
	if v.DryRun {
		b.WriteString("(test) ")
	}
	b.WriteString(v.State())
	b.WriteString(": ")
	b.WriteString(string(v.Side))
	b.WriteString(": @ ")
	b.WriteString(v.Price.String())
	b.WriteString(" totaling ")
	b.WriteString(v.Quantity.String())
	if v.CancelThreshold.Valid {
		b.WriteString(" cancel above ")
		b.WriteString(v.CancelThreshold.Decimal.String())
	}
	b.WriteString(".")
	return b.String()
}

// CancelPredicate 每轮轮询评估一次，返回 true 即撤单。
type CancelPredicate func(View) bool

// Outcome WaitForOrder 的终止方式
type Outcome int

const (
	OutcomeFilled Outcome = iota + 1
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFilled:
		return "filled"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// CancelReason 撤单原因，同时作为 metrics 标签
type CancelReason string

const (
	ReasonPredicate CancelReason = "predicate"
	ReasonThreshold CancelReason = "threshold"
	ReasonExternal  CancelReason = "external" // 交易所侧已关闭（撤单/过期/拒绝）
	ReasonManual    CancelReason = "manual"
)

// WaitResult 成交时 Order 为交易所快照；主动撤单时 Cancel 为撤单回报。
// dry-run 两者都为空。
type WaitResult struct {
	Outcome Outcome
	Order   *gateway.ExchangeOrder
	Cancel  *gateway.CancelAck
	Reason  CancelReason
	Polls   int
}
