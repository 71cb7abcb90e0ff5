// Package metrics provides Prometheus metrics for the spot trader
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced 成功提交到交易所（或 dry-run 模拟）的订单数
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_orders_placed_total",
		Help: "Limit orders submitted, by side",
	}, []string{"side"})

	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_orders_filled_total",
		Help: "Orders observed as filled, by side",
	}, []string{"side"})

	// OrdersCancelled 按原因统计：predicate / threshold / external / manual
	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_orders_cancelled_total",
		Help: "Orders cancelled, by reason",
	}, []string{"reason"})

	OrderPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_order_polls_total",
		Help: "Order status polls issued",
	})

	// PollErrors kind=transient 表示会重试，kind=fatal 表示直接抛给调用方
	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_poll_errors_total",
		Help: "Errors seen while waiting for an order",
	}, []string{"kind"})

	WSConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_ws_connected",
		Help: "1 when the combined market/user stream is connected",
	})

	StreamEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_stream_events_dropped_total",
		Help: "Stream updates dropped because the cache queue was full",
	}, []string{"kind"})

	LastTradePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_last_trade_price",
		Help: "Most recent trade price seen on the stream",
	})

	RESTErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_rest_errors_total",
		Help: "REST calls that failed, by endpoint",
	}, []string{"endpoint"})
)

// StartMetricsServer 启动Prometheus指标服务器
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// SetWSConnected 更新连接状态
func SetWSConnected(up bool) {
	if up {
		WSConnected.Set(1)
		return
	}
	WSConnected.Set(0)
}

// UpdateLastTrade 记录最新成交价
func UpdateLastTrade(price float64) {
	LastTradePrice.Set(price)
}
