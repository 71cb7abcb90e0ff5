package order

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader-go/gateway"
)

// fakeExchange 按顺序返回预置的订单状态，最后一个状态会一直重复。
type fakeExchange struct {
	mu sync.Mutex

	statuses  []string
	queryErrs []error
	avgPrices []decimal.Decimal
	placeErr  error
	cancelErr error

	placeCalls  int
	queryCalls  int
	cancelCalls int
	avgCalls    int
	lastPlaced  gateway.LimitOrder

	// 非空时 QueryOrder 返回前先阻塞
	queryGate chan struct{}
	// 非空时在 QueryOrder 读取状态前调用
	onQuery func()
}

func (f *fakeExchange) PlaceLimit(ctx context.Context, o gateway.LimitOrder) (gateway.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	f.lastPlaced = o
	if f.placeErr != nil {
		return gateway.OrderAck{}, f.placeErr
	}
	return gateway.OrderAck{Symbol: o.Symbol, OrderID: 42, ClientOrderID: "st-test", Status: gateway.OrderStatusNew}, nil
}

func (f *fakeExchange) QueryOrder(ctx context.Context, symbol string, orderID int64) (gateway.ExchangeOrder, error) {
	if f.onQuery != nil {
		f.onQuery()
	}
	if f.queryGate != nil {
		select {
		case <-f.queryGate:
		case <-ctx.Done():
			return gateway.ExchangeOrder{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if len(f.queryErrs) > 0 {
		err := f.queryErrs[0]
		f.queryErrs = f.queryErrs[1:]
		if err != nil {
			return gateway.ExchangeOrder{}, err
		}
	}
	status := gateway.OrderStatusNew
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return gateway.ExchangeOrder{Symbol: symbol, OrderID: orderID, Status: status}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) (gateway.CancelAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	if f.cancelErr != nil {
		return gateway.CancelAck{}, f.cancelErr
	}
	return gateway.CancelAck{Symbol: symbol, OrderID: orderID, Status: gateway.OrderStatusCanceled}, nil
}

func (f *fakeExchange) AveragePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avgCalls++
	if len(f.avgPrices) == 0 {
		return decimal.Zero, errors.New("no avg price")
	}
	p := f.avgPrices[0]
	if len(f.avgPrices) > 1 {
		f.avgPrices = f.avgPrices[1:]
	}
	return p, nil
}

func (f *fakeExchange) counts() (place, query, cancel, avg int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls, f.queryCalls, f.cancelCalls, f.avgCalls
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	views  []View
}

func (r *recordingSink) OrderStatus(ev Event, v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.views = append(r.views, v)
}

func btcParams() Params {
	return Params{
		Symbol:   "BTCUSD",
		Side:     SideBuy,
		Price:    d("30000.456"),
		Quantity: d("1.23456"),
		TickSize: d("0.01"),
		StepSize: d("0.001"),
	}
}

func fastOptions() Options {
	return Options{PollInterval: time.Millisecond, RetryBackoff: time.Millisecond}
}

func placedOrder(t *testing.T, p Params, ex *fakeExchange, opts Options) *Order {
	t.Helper()
	o, err := New(p, ex, opts)
	require.NoError(t, err)
	_, err = o.Place(context.Background())
	require.NoError(t, err)
	return o
}

func assertNotBoth(t *testing.T, o *Order) {
	t.Helper()
	assert.False(t, o.Filled() && o.Cancelled(), "filled and cancelled both set")
}

func TestNewNormalizesPriceAndQuantity(t *testing.T) {
	o, err := New(btcParams(), &fakeExchange{}, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, "30000.46", o.Price().String())
	assert.Equal(t, "1.235", o.Quantity().String())
	assert.Equal(t, StatusCreated, o.Status())
	assert.False(t, o.Filled())
	assert.False(t, o.Cancelled())
	assert.Zero(t, o.View().OrderID)
}

func TestNewFallsBackToAssetPrecision(t *testing.T) {
	p := btcParams()
	p.TickSize = decimal.Zero
	p.StepSize = decimal.Zero
	p.PricePrecision = 1
	o, err := New(p, &fakeExchange{}, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, "30000.5", o.Price().String())
	// 数量精度未给出，回退到 DefaultPrecision
	assert.Equal(t, "1.23456", o.Quantity().String())
}

func TestNewRejectsInvalidInput(t *testing.T) {
	cases := map[string]func(p *Params){
		"empty symbol":       func(p *Params) { p.Symbol = " " },
		"bad side":           func(p *Params) { p.Side = "HOLD" },
		"zero price":         func(p *Params) { p.Price = decimal.Zero },
		"rounds to zero qty": func(p *Params) { p.Quantity = d("0.0001") },
		"negative threshold": func(p *Params) { p.CancelThreshold = decimal.NewNullDecimal(d("-1")) },
		"below min notional": func(p *Params) { p.Constraints.MinNotional = d("1000000") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := btcParams()
			mutate(&p)
			_, err := New(p, &fakeExchange{}, fastOptions())
			assert.Error(t, err)
		})
	}

	_, err := New(btcParams(), nil, fastOptions())
	assert.Error(t, err, "live order needs an exchange")
}

func TestPlaceRecordsIDs(t *testing.T) {
	ex := &fakeExchange{}
	sink := &recordingSink{}
	opts := fastOptions()
	opts.Status = sink
	o, err := New(btcParams(), ex, opts)
	require.NoError(t, err)

	ack, err := o.Place(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ack)

	assert.Equal(t, StatusPlaced, o.Status())
	v := o.View()
	assert.Equal(t, int64(42), v.OrderID)
	assert.Equal(t, "st-test", v.ClientOrderID)
	assert.Equal(t, "BTCUSD", ex.lastPlaced.Symbol)
	assert.Equal(t, "BUY", ex.lastPlaced.Side)
	assert.True(t, ex.lastPlaced.Price.Equal(d("30000.46")))
	assert.True(t, ex.lastPlaced.Quantity.Equal(d("1.235")))

	// 提交前输出状态行，此时还没有 id
	require.Equal(t, []Event{EventPlacing}, sink.events)
	assert.Zero(t, sink.views[0].OrderID)

	_, err = o.Place(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	place, _, _, _ := ex.counts()
	assert.Equal(t, 1, place)
}

func TestPlaceFailureStaysCreated(t *testing.T) {
	ex := &fakeExchange{placeErr: &gateway.APIError{HTTPStatus: http.StatusBadRequest, Code: -1013, Msg: "Filter failure: LOT_SIZE"}}
	o, err := New(btcParams(), ex, fastOptions())
	require.NoError(t, err)

	_, err = o.Place(context.Background())
	require.Error(t, err)
	var apiErr *gateway.APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, StatusCreated, o.Status())

	ex.mu.Lock()
	ex.placeErr = nil
	ex.mu.Unlock()
	_, err = o.Place(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPlaced, o.Status())
}

func TestDryRunMakesNoCalls(t *testing.T) {
	ex := &fakeExchange{}
	sink := &recordingSink{}
	opts := fastOptions()
	opts.DryRun = true
	opts.Status = sink
	o, err := New(btcParams(), ex, opts)
	require.NoError(t, err)

	ack, err := o.Place(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ack)
	assert.Equal(t, StatusPlaced, o.Status())
	assert.Zero(t, o.View().OrderID)
	assert.Empty(t, o.View().ClientOrderID)

	res, err := o.WaitForOrder(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.True(t, o.Filled())

	place, query, cancel, avg := ex.counts()
	assert.Zero(t, place+query+cancel+avg)
	assert.Equal(t, []Event{EventPlacing, EventFilled}, sink.events)
	assert.True(t, sink.views[0].DryRun)
}

func TestDryRunWithoutExchange(t *testing.T) {
	opts := fastOptions()
	opts.DryRun = true
	o, err := New(btcParams(), nil, opts)
	require.NoError(t, err)
	_, err = o.Place(context.Background())
	require.NoError(t, err)

	ack, err := o.Cancel(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ack)
	assert.True(t, o.Cancelled())
}

func TestWaitFilledOnFirstPoll(t *testing.T) {
	ex := &fakeExchange{statuses: []string{gateway.OrderStatusFilled}}
	opts := fastOptions()
	opts.PollInterval = time.Hour
	o := placedOrder(t, btcParams(), ex, opts)

	start := time.Now()
	res, err := o.WaitForOrder(context.Background(), nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Minute, "must not sleep after a fill")

	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, 1, res.Polls)
	require.NotNil(t, res.Order)
	assert.Equal(t, gateway.OrderStatusFilled, res.Order.Status)
	assert.Nil(t, res.Cancel)
	assert.True(t, o.Filled())
	assert.Equal(t, StatusFilled, o.Status())
	assertNotBoth(t, o)
}

func TestWaitFillsAfterSeveralPolls(t *testing.T) {
	ex := &fakeExchange{statuses: []string{
		gateway.OrderStatusNew,
		gateway.OrderStatusPartiallyFilled,
		gateway.OrderStatusFilled,
	}}
	o := placedOrder(t, btcParams(), ex, fastOptions())

	res, err := o.WaitForOrder(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, 3, res.Polls)
}

func TestWaitCancelsAboveThreshold(t *testing.T) {
	ex := &fakeExchange{avgPrices: []decimal.Decimal{d("30500"), d("31000.01")}}
	sink := &recordingSink{}
	p := btcParams()
	p.CancelThreshold = decimal.NewNullDecimal(d("31000"))
	opts := fastOptions()
	opts.Status = sink
	o := placedOrder(t, p, ex, opts)

	res, err := o.WaitForOrder(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, ReasonThreshold, res.Reason)
	assert.Nil(t, res.Order, "cancel result carries no order snapshot")
	require.NotNil(t, res.Cancel)
	assert.Equal(t, int64(42), res.Cancel.OrderID)
	assert.Equal(t, 2, res.Polls)

	_, query, cancel, avg := ex.counts()
	assert.Equal(t, 1, cancel)
	assert.Equal(t, 2, query)
	assert.Equal(t, 2, avg)
	assert.True(t, o.Cancelled())
	assert.Equal(t, StatusCanceled, o.Status())
	assertNotBoth(t, o)

	require.Equal(t, []Event{EventPlacing, EventCancelling}, sink.events)
	assert.True(t, sink.views[1].Cancelled)
}

func TestWaitThresholdEqualDoesNotCancel(t *testing.T) {
	ex := &fakeExchange{
		statuses:  []string{gateway.OrderStatusNew, gateway.OrderStatusFilled},
		avgPrices: []decimal.Decimal{d("31000")},
	}
	p := btcParams()
	p.CancelThreshold = decimal.NewNullDecimal(d("31000"))
	o := placedOrder(t, p, ex, fastOptions())

	res, err := o.WaitForOrder(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	_, _, cancel, _ := ex.counts()
	assert.Zero(t, cancel)
}

func TestWaitPredicateOnSecondPoll(t *testing.T) {
	ex := &fakeExchange{}
	o := placedOrder(t, btcParams(), ex, fastOptions())

	calls := 0
	pred := func(v View) bool {
		calls++
		assert.Equal(t, StatusPlaced, v.Status)
		return calls == 2
	}
	res, err := o.WaitForOrder(context.Background(), pred)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, ReasonPredicate, res.Reason)
	assert.Equal(t, 2, res.Polls)
	_, query, cancel, avg := ex.counts()
	assert.Equal(t, 2, query)
	assert.Equal(t, 1, cancel)
	assert.Zero(t, avg, "no threshold means no average price lookup")
}

func TestWaitFillBeatsPredicate(t *testing.T) {
	ex := &fakeExchange{statuses: []string{gateway.OrderStatusFilled}}
	o := placedOrder(t, btcParams(), ex, fastOptions())

	res, err := o.WaitForOrder(context.Background(), func(View) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	_, _, cancel, _ := ex.counts()
	assert.Zero(t, cancel)
	assertNotBoth(t, o)
}

func TestWaitExternalCancel(t *testing.T) {
	for _, status := range []string{gateway.OrderStatusCanceled, gateway.OrderStatusExpired, gateway.OrderStatusRejected} {
		t.Run(status, func(t *testing.T) {
			ex := &fakeExchange{statuses: []string{status}}
			o := placedOrder(t, btcParams(), ex, fastOptions())

			res, err := o.WaitForOrder(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, OutcomeCancelled, res.Outcome)
			assert.Equal(t, ReasonExternal, res.Reason)
			assert.True(t, o.Cancelled())
			_, _, cancel, _ := ex.counts()
			assert.Zero(t, cancel)
		})
	}
}

func TestWaitRetriesTransientErrors(t *testing.T) {
	ex := &fakeExchange{
		statuses: []string{gateway.OrderStatusFilled},
		queryErrs: []error{
			&gateway.APIError{HTTPStatus: http.StatusServiceUnavailable, Code: -1001, Msg: "Internal error"},
			context.DeadlineExceeded,
		},
	}
	o := placedOrder(t, btcParams(), ex, fastOptions())

	res, err := o.WaitForOrder(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, 1, res.Polls)
	_, query, _, _ := ex.counts()
	assert.Equal(t, 3, query)
}

func TestWaitSurfacesFatalError(t *testing.T) {
	ex := &fakeExchange{queryErrs: []error{&gateway.APIError{HTTPStatus: http.StatusBadRequest, Code: -2013, Msg: "Order does not exist."}}}
	o := placedOrder(t, btcParams(), ex, fastOptions())

	_, err := o.WaitForOrder(context.Background(), nil)
	require.Error(t, err)
	var apiErr *gateway.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -2013, apiErr.Code)
	_, query, _, _ := ex.counts()
	assert.Equal(t, 1, query, "fatal errors are not retried")
	assert.Equal(t, StatusPlaced, o.Status())
}

func TestWaitGivesUpAfterMaxRetries(t *testing.T) {
	busy := &gateway.APIError{HTTPStatus: http.StatusTooManyRequests, Code: -1003, Msg: "Too many requests"}
	ex := &fakeExchange{queryErrs: []error{busy, busy, busy}}
	opts := fastOptions()
	opts.MaxRetries = 2
	o := placedOrder(t, btcParams(), ex, opts)

	_, err := o.WaitForOrder(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
	_, query, _, _ := ex.counts()
	assert.Equal(t, 3, query)
}

func TestWaitHonoursContextDuringSleep(t *testing.T) {
	ex := &fakeExchange{}
	opts := fastOptions()
	opts.PollInterval = time.Hour
	o := placedOrder(t, btcParams(), ex, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.WaitForOrder(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusPlaced, o.Status())
	assertNotBoth(t, o)
}

func TestWaitPreconditions(t *testing.T) {
	ex := &fakeExchange{}
	o, err := New(btcParams(), ex, fastOptions())
	require.NoError(t, err)
	_, err = o.WaitForOrder(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotPlaced)

	ex.statuses = []string{gateway.OrderStatusFilled}
	_, err = o.Place(context.Background())
	require.NoError(t, err)
	_, err = o.WaitForOrder(context.Background(), nil)
	require.NoError(t, err)

	_, err = o.WaitForOrder(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, query, _, _ := ex.counts()
	assert.Equal(t, 1, query)
}

func TestWaitRejectsConcurrentWaiter(t *testing.T) {
	ex := &fakeExchange{queryGate: make(chan struct{})}
	o := placedOrder(t, btcParams(), ex, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := o.WaitForOrder(ctx, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.waiting
	}, time.Second, time.Millisecond)

	_, err := o.WaitForOrder(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAlreadyWaiting)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCancelWhileWaiting(t *testing.T) {
	ex := &fakeExchange{}
	opts := fastOptions()
	opts.PollInterval = 5 * time.Millisecond
	o := placedOrder(t, btcParams(), ex, opts)

	done := make(chan WaitResult, 1)
	go func() {
		res, err := o.WaitForOrder(context.Background(), nil)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		_, query, _, _ := ex.counts()
		return query > 0
	}, time.Second, time.Millisecond)
	_, err := o.Cancel(context.Background())
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, OutcomeCancelled, res.Outcome)
		assert.Equal(t, ReasonManual, res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not stop after cancel")
	}
	_, _, cancel, _ := ex.counts()
	assert.Equal(t, 1, cancel)
	assertNotBoth(t, o)
}

func TestWaitPredicateCancelsItself(t *testing.T) {
	ex := &fakeExchange{}
	o := placedOrder(t, btcParams(), ex, fastOptions())

	res, err := o.WaitForOrder(context.Background(), func(View) bool {
		_, err := o.Cancel(context.Background())
		require.NoError(t, err)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, ReasonManual, res.Reason)
	assert.Equal(t, 1, res.Polls)
	assert.Equal(t, StatusCanceled, o.Status())
	_, _, cancel, _ := ex.counts()
	assert.Equal(t, 1, cancel)
	assertNotBoth(t, o)
}

func TestWaitStaleFillAfterLocalCancel(t *testing.T) {
	for _, status := range []string{gateway.OrderStatusFilled, gateway.OrderStatusExpired} {
		t.Run(status, func(t *testing.T) {
			ex := &fakeExchange{statuses: []string{status}}
			o := placedOrder(t, btcParams(), ex, fastOptions())
			var once sync.Once
			ex.onQuery = func() {
				once.Do(func() {
					_, err := o.Cancel(context.Background())
					assert.NoError(t, err)
				})
			}

			res, err := o.WaitForOrder(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, OutcomeCancelled, res.Outcome)
			assert.Equal(t, ReasonManual, res.Reason)
			assert.False(t, o.Filled())
			assertNotBoth(t, o)
		})
	}
}

func TestCancelBeforePlace(t *testing.T) {
	ex := &fakeExchange{}
	sink := &recordingSink{}
	opts := fastOptions()
	opts.Status = sink
	o, err := New(btcParams(), ex, opts)
	require.NoError(t, err)

	_, err = o.Cancel(context.Background())
	assert.ErrorIs(t, err, ErrNotPlaced)
	assert.False(t, o.Cancelled())
	assert.Equal(t, StatusCreated, o.Status())
	_, _, cancel, _ := ex.counts()
	assert.Zero(t, cancel)
	assert.Empty(t, sink.events)
}

func TestCancelTerminalMakesNoCall(t *testing.T) {
	ex := &fakeExchange{}
	o := placedOrder(t, btcParams(), ex, fastOptions())

	ack, err := o.Cancel(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Equal(t, gateway.OrderStatusCanceled, ack.Status)

	_, err = o.Cancel(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	_, _, cancel, _ := ex.counts()
	assert.Equal(t, 1, cancel)
}

func TestCancelFailureStaysPlaced(t *testing.T) {
	ex := &fakeExchange{cancelErr: &gateway.APIError{HTTPStatus: http.StatusBadRequest, Code: -2011, Msg: "Unknown order sent."}}
	o := placedOrder(t, btcParams(), ex, fastOptions())

	_, err := o.Cancel(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusPlaced, o.Status())
	assert.False(t, o.Cancelled())
}

func TestViewString(t *testing.T) {
	v := View{
		Side:     SideBuy,
		Price:    d("30000.46"),
		Quantity: d("1.235"),
		DryRun:   true,
	}
	assert.Equal(t, "(test) PLACED: BUY: @ 30000.46 totaling 1.235.", v.String())

	v.DryRun = false
	v.Side = SideSell
	v.Cancelled = true
	v.CancelThreshold = decimal.NewNullDecimal(d("31000"))
	assert.Equal(t, "CANCELLED: SELL: @ 30000.46 totaling 1.235 cancel above 31000.", v.String())

	v.Cancelled = false
	v.Filled = true
	assert.Equal(t, "FILLED", v.State())
}
