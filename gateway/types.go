package gateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// 交易所订单状态
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusPendingCancel   = "PENDING_CANCEL"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
	OrderStatusExpiredInMatch  = "EXPIRED_IN_MATCH"
)

// LimitOrder 限价单请求。
type LimitOrder struct {
	Symbol        string
	Side          string // BUY/SELL
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	TimeInForce   string // 默认 GTC
	ClientOrderID string // 为空时自动生成
}

// OrderAck POST /api/v3/order 的返回。
type OrderAck struct {
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	TransactTime  int64           `json:"transactTime"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	Status        string          `json:"status"`
}

// ExchangeOrder GET /api/v3/order 与 openOrders 的订单视图。
type ExchangeOrder struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	TimeInForce         string          `json:"timeInForce"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	Time                int64           `json:"time"`
	UpdateTime          int64           `json:"updateTime"`
}

// IsFilled 是否已完全成交
func (o ExchangeOrder) IsFilled() bool {
	return o.Status == OrderStatusFilled
}

// IsClosedUnfilled 订单已在交易所侧关闭但未完全成交（外部撤单、过期、拒绝）。
func (o ExchangeOrder) IsClosedUnfilled() bool {
	switch o.Status {
	case OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired, OrderStatusExpiredInMatch:
		return true
	}
	return false
}

// CancelAck DELETE /api/v3/order 的返回。
type CancelAck struct {
	Symbol            string          `json:"symbol"`
	OrigClientOrderID string          `json:"origClientOrderId"`
	OrderID           int64           `json:"orderId"`
	ClientOrderID     string          `json:"clientOrderId"`
	Price             decimal.Decimal `json:"price"`
	OrigQty           decimal.Decimal `json:"origQty"`
	ExecutedQty       decimal.Decimal `json:"executedQty"`
	Status            string          `json:"status"`
}

// Trade 最近成交（REST /api/v3/trades）。
type Trade struct {
	ID           int64           `json:"id"`
	Price        decimal.Decimal `json:"price"`
	Qty          decimal.Decimal `json:"qty"`
	Time         int64           `json:"time"`
	IsBuyerMaker bool            `json:"isBuyerMaker"`
}

// Balance 账户单个资产余额。
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// AccountInfo GET /api/v3/account 的核心字段。
type AccountInfo struct {
	CanTrade   bool      `json:"canTrade"`
	UpdateTime int64     `json:"updateTime"`
	Balances   []Balance `json:"balances"`
}

// AvgPrice GET /api/v3/avgPrice 的返回。
type AvgPrice struct {
	Mins  int             `json:"mins"`
	Price decimal.Decimal `json:"price"`
}

// TradeTick 成交流 <symbol>@trade 的推送。
type TradeTick struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	TradeID   int64           `json:"t"`
	Price     decimal.Decimal `json:"p"`
	Qty       decimal.Decimal `json:"q"`
	TradeTime int64           `json:"T"`
}

// AccountEvent 用户数据流事件，原样保存 payload。
type AccountEvent struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Raw       json.RawMessage `json:"-"`
}
