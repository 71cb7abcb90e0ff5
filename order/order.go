package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-trader-go/gateway"
	"spot-trader-go/infrastructure/logger"
	"spot-trader-go/metrics"
)

var (
	ErrNotPlaced      = errors.New("order not placed")
	ErrInvalidState   = errors.New("invalid order state")
	ErrAlreadyWaiting = errors.New("order is already being waited on")
)

// Exchange 订单依赖的交易所能力；*gateway.Gateway 实现该接口。
type Exchange interface {
	PlaceLimit(ctx context.Context, o gateway.LimitOrder) (gateway.OrderAck, error)
	QueryOrder(ctx context.Context, symbol string, orderID int64) (gateway.ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (gateway.CancelAck, error)
	AveragePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Params 一笔交易意图。TickSize/StepSize 只在构造时用于归一化。
type Params struct {
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	TickSize decimal.Decimal
	StepSize decimal.Decimal

	// tick/step 缺失（<=0）时的回退位数，对应 quote/base asset precision
	PricePrecision    int32
	QuantityPrecision int32

	// 有效时启用自动撤单：均价高于该值即撤
	CancelThreshold decimal.NullDecimal
	Constraints     SymbolConstraints
}

// Options 运行时行为
type Options struct {
	DryRun       bool
	PollInterval time.Duration // 默认 10s
	MaxRetries   int           // 短暂故障的重试次数，0 取默认 3，负数不重试
	RetryBackoff time.Duration // 线性退避基数，默认 2s
	Logger       *logger.Logger
	Status       StatusSink
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// Order 单笔限价单的生命周期：CREATED -> PLACED -> FILLED | CANCELED。
type Order struct {
	symbol          string
	side            Side
	price           decimal.Decimal
	quantity        decimal.Decimal
	tickSize        decimal.Decimal
	stepSize        decimal.Decimal
	cancelThreshold decimal.NullDecimal

	ex   Exchange
	opts Options
	log  *logger.Logger

	// opMu 串行化 Place/Cancel，交易所调用期间不持有 mu
	opMu sync.Mutex

	mu            sync.Mutex
	status        Status
	orderID       int64
	clientOrderID string
	filled        bool
	cancelled     bool
	waiting       bool
}

// New 校验并归一化价格/数量，返回 CREATED 状态的订单。
func New(p Params, ex Exchange, opts Options) (*Order, error) {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if p.Symbol == "" {
		return nil, errors.New("symbol required")
	}
	if !p.Side.Valid() {
		return nil, fmt.Errorf("invalid side %q", p.Side)
	}
	opts.applyDefaults()
	if ex == nil && !opts.DryRun {
		return nil, errors.New("exchange required for live orders")
	}
	price := Normalizer{Size: p.TickSize, Fallback: p.PricePrecision}.Apply(p.Price)
	qty := Normalizer{Size: p.StepSize, Fallback: p.QuantityPrecision}.Apply(p.Quantity)
	if !price.IsPositive() {
		return nil, fmt.Errorf("price %s must be > 0 after normalization", price)
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("quantity %s must be > 0 after normalization", qty)
	}
	if err := p.Constraints.Validate(price, qty); err != nil {
		return nil, err
	}
	if p.CancelThreshold.Valid && !p.CancelThreshold.Decimal.IsPositive() {
		return nil, fmt.Errorf("cancel threshold %s must be > 0", p.CancelThreshold.Decimal)
	}
	o := &Order{
		symbol:          p.Symbol,
		side:            p.Side,
		price:           price,
		quantity:        qty,
		tickSize:        p.TickSize,
		stepSize:        p.StepSize,
		cancelThreshold: p.CancelThreshold,
		ex:              ex,
		opts:            opts,
		status:          StatusCreated,
	}
	o.log = opts.Logger.WithFields(map[string]interface{}{
		"symbol": o.symbol,
		"side":   string(o.side),
	})
	return o, nil
}

func (o *Order) Symbol() string            { return o.symbol }
func (o *Order) Side() Side                { return o.side }
func (o *Order) Price() decimal.Decimal    { return o.price }
func (o *Order) Quantity() decimal.Decimal { return o.quantity }

func (o *Order) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Order) Filled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filled
}

func (o *Order) Cancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// View 当前公开字段的拷贝，可在任意 goroutine 调用
func (o *Order) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewLocked()
}

func (o *Order) viewLocked() View {
	return View{
		Symbol:          o.symbol,
		Side:            o.side,
		Price:           o.price,
		Quantity:        o.quantity,
		CancelThreshold: o.cancelThreshold,
		OrderID:         o.orderID,
		ClientOrderID:   o.clientOrderID,
		Status:          o.status,
		Filled:          o.filled,
		Cancelled:       o.cancelled,
		DryRun:          o.opts.DryRun,
	}
}

func (o *Order) String() string {
	return o.View().String()
}

// Place 提交限价单。dry-run 不发请求、不分配 id，返回 (nil, nil)。
// 交易所拒单时返回错误且订单保持 CREATED，可修正后重试。
func (o *Order) Place(ctx context.Context) (*gateway.OrderAck, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if o.status != StatusCreated {
		st := o.status
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: place in %s", ErrInvalidState, st)
	}
	v := o.viewLocked()
	o.mu.Unlock()

	o.emit(EventPlacing, v)

	if o.opts.DryRun {
		if err := o.transition(StatusPlaced, nil); err != nil {
			return nil, err
		}
		metrics.OrdersPlaced.WithLabelValues(string(o.side)).Inc()
		o.log.LogOrder("placed", "", map[string]interface{}{"dry_run": true, "price": o.price.String(), "qty": o.quantity.String()})
		return nil, nil
	}

	ack, err := o.ex.PlaceLimit(ctx, gateway.LimitOrder{
		Symbol:   o.symbol,
		Side:     string(o.side),
		Price:    o.price,
		Quantity: o.quantity,
	})
	if err != nil {
		o.log.LogError(err, map[string]interface{}{"action": "place"})
		return nil, fmt.Errorf("place %s %s: %w", o.side, o.symbol, err)
	}
	if err := o.transition(StatusPlaced, func() {
		o.orderID = ack.OrderID
		o.clientOrderID = ack.ClientOrderID
	}); err != nil {
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues(string(o.side)).Inc()
	o.log.LogOrder("placed", ack.ClientOrderID, map[string]interface{}{
		"order_id": ack.OrderID,
		"price":    o.price.String(),
		"qty":      o.quantity.String(),
	})
	return &ack, nil
}

// WaitForOrder 轮询订单直到成交或撤单。每轮：先查状态，已成交直接返回；
// 否则评估撤单条件（pred 为真，或设置了阈值且均价高于阈值），满足即撤单并返回 OutcomeCancelled；
// 都不满足则等待 PollInterval。没有内置超时，调用方通过 ctx 或 pred 控制期限。
func (o *Order) WaitForOrder(ctx context.Context, pred CancelPredicate) (WaitResult, error) {
	o.mu.Lock()
	switch {
	case o.status == StatusCreated:
		o.mu.Unlock()
		return WaitResult{}, ErrNotPlaced
	case lifecycle.IsFinalState(o.status):
		st := o.status
		o.mu.Unlock()
		return WaitResult{}, fmt.Errorf("%w: wait in %s", ErrInvalidState, st)
	case o.waiting:
		o.mu.Unlock()
		return WaitResult{}, ErrAlreadyWaiting
	}
	o.waiting = true
	orderID := o.orderID
	clientID := o.clientOrderID
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.waiting = false
		o.mu.Unlock()
	}()

	// dry-run 没有交易所 id 可查，模拟立即成交
	if o.opts.DryRun {
		if err := o.fill(); err != nil {
			return WaitResult{}, err
		}
		return WaitResult{Outcome: OutcomeFilled}, nil
	}

	for polls := 1; ; polls++ {
		// 其他 goroutine 通过 Cancel 撤单后不再轮询
		if o.Status() == StatusCanceled {
			return WaitResult{Outcome: OutcomeCancelled, Reason: ReasonManual, Polls: polls - 1}, nil
		}
		o.log.Debug("awaiting order fill", zap.Int64("order_id", orderID), zap.Int("poll", polls))
		var remote gateway.ExchangeOrder
		err := o.retry(ctx, "query order", func(ctx context.Context) error {
			var err error
			remote, err = o.ex.QueryOrder(ctx, o.symbol, orderID)
			return err
		})
		metrics.OrderPolls.Inc()
		if err != nil {
			return WaitResult{Polls: polls}, err
		}

		if remote.IsFilled() {
			if err := o.fill(); err != nil {
				if o.cancelledElsewhere(err) {
					return WaitResult{Outcome: OutcomeCancelled, Reason: ReasonManual, Polls: polls}, nil
				}
				return WaitResult{Polls: polls}, err
			}
			return WaitResult{Outcome: OutcomeFilled, Order: &remote, Polls: polls}, nil
		}
		if remote.IsClosedUnfilled() {
			if err := o.transition(StatusCanceled, func() { o.cancelled = true }); err != nil {
				if o.cancelledElsewhere(err) {
					return WaitResult{Outcome: OutcomeCancelled, Reason: ReasonManual, Polls: polls}, nil
				}
				return WaitResult{Polls: polls}, err
			}
			metrics.OrdersCancelled.WithLabelValues(string(ReasonExternal)).Inc()
			o.log.LogOrder("cancelled", clientID, map[string]interface{}{"reason": string(ReasonExternal), "remote_status": remote.Status})
			return WaitResult{Outcome: OutcomeCancelled, Order: &remote, Reason: ReasonExternal, Polls: polls}, nil
		}

		reason, err := o.cancelReason(ctx, pred)
		if err != nil {
			return WaitResult{Polls: polls}, err
		}
		if reason != "" {
			ack, err := o.cancel(ctx, reason)
			if err != nil {
				if o.cancelledElsewhere(err) {
					return WaitResult{Outcome: OutcomeCancelled, Reason: ReasonManual, Polls: polls}, nil
				}
				return WaitResult{Polls: polls}, err
			}
			return WaitResult{Outcome: OutcomeCancelled, Cancel: ack, Reason: reason, Polls: polls}, nil
		}

		if err := sleepCtx(ctx, o.opts.PollInterval); err != nil {
			return WaitResult{Polls: polls}, err
		}
	}
}

// cancelledElsewhere 轮询期间其他 goroutine 已 Cancel，本轮的状态转换因此失败
func (o *Order) cancelledElsewhere(err error) bool {
	return errors.Is(err, ErrInvalidState) && o.Status() == StatusCanceled
}

// cancelReason 先看调用方谓词，再看阈值（需要一次均价查询）。
func (o *Order) cancelReason(ctx context.Context, pred CancelPredicate) (CancelReason, error) {
	if pred != nil && pred(o.View()) {
		return ReasonPredicate, nil
	}
	if !o.cancelThreshold.Valid {
		return "", nil
	}
	var avg decimal.Decimal
	err := o.retry(ctx, "average price", func(ctx context.Context) error {
		var err error
		avg, err = o.ex.AveragePrice(ctx, o.symbol)
		return err
	})
	if err != nil {
		return "", err
	}
	if avg.GreaterThan(o.cancelThreshold.Decimal) {
		o.log.Info("cancel threshold breached",
			zap.String("avg_price", avg.String()),
			zap.String("threshold", o.cancelThreshold.Decimal.String()))
		return ReasonThreshold, nil
	}
	return "", nil
}

// Cancel 撤销已提交的订单。未提交返回 ErrNotPlaced，终态返回 ErrInvalidState，均不发请求。
// 撤单请求失败时订单保持 PLACED。
func (o *Order) Cancel(ctx context.Context) (*gateway.CancelAck, error) {
	return o.cancel(ctx, ReasonManual)
}

func (o *Order) cancel(ctx context.Context, reason CancelReason) (*gateway.CancelAck, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	switch {
	case o.status == StatusCreated:
		o.mu.Unlock()
		return nil, ErrNotPlaced
	case !lifecycle.CanCancel(o.status):
		st := o.status
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: cancel in %s", ErrInvalidState, st)
	}
	v := o.viewLocked()
	o.mu.Unlock()

	v.Cancelled = true
	o.emit(EventCancelling, v)

	var ack *gateway.CancelAck
	if !o.opts.DryRun {
		var resp gateway.CancelAck
		err := o.retry(ctx, "cancel order", func(ctx context.Context) error {
			var err error
			resp, err = o.ex.CancelOrder(ctx, o.symbol, v.OrderID)
			return err
		})
		if err != nil {
			o.log.LogError(err, map[string]interface{}{"action": "cancel", "order_id": v.OrderID})
			return nil, err
		}
		ack = &resp
	}
	if err := o.transition(StatusCanceled, func() { o.cancelled = true }); err != nil {
		return nil, err
	}
	metrics.OrdersCancelled.WithLabelValues(string(reason)).Inc()
	o.log.LogOrder("cancelled", v.ClientOrderID, map[string]interface{}{"reason": string(reason), "order_id": v.OrderID})
	return ack, nil
}

// fill 仅由 WaitForOrder 在观察到成交后调用
func (o *Order) fill() error {
	if err := o.transition(StatusFilled, func() { o.filled = true }); err != nil {
		return err
	}
	v := o.View()
	metrics.OrdersFilled.WithLabelValues(string(o.side)).Inc()
	o.log.LogOrder("filled", v.ClientOrderID, map[string]interface{}{"order_id": v.OrderID})
	o.emit(EventFilled, v)
	return nil
}

// transition 在锁内校验并切换状态，apply 随状态一起生效
func (o *Order) transition(to Status, apply func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := lifecycle.ValidateTransition(o.status, to); err != nil {
		return err
	}
	if apply != nil {
		apply()
	}
	o.status = to
	return nil
}

func (o *Order) emit(ev Event, v View) {
	if o.opts.Status != nil {
		o.opts.Status.OrderStatus(ev, v)
	}
}

// retry 对短暂故障按 attempt*RetryBackoff 线性退避，其余错误直接返回。
func (o *Order) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !gateway.IsTransient(err) || attempt >= o.opts.MaxRetries {
			metrics.PollErrors.WithLabelValues("fatal").Inc()
			return fmt.Errorf("%s: %w", op, err)
		}
		metrics.PollErrors.WithLabelValues("transient").Inc()
		backoff := time.Duration(attempt+1) * o.opts.RetryBackoff
		o.log.Warn("transient exchange error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max", o.opts.MaxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
