package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spot-trader-go/metrics"
)

const (
	BinanceSpotRESTURL    = "https://api.binance.com"
	BinanceSpotWSEndpoint = "wss://stream.binance.com:9443"
)

// BinanceRESTClient 现货 REST v3 客户端；HTTPClient 可注入 httptest。
type BinanceRESTClient struct {
	BaseURL      string
	APIKey       string
	Secret       string
	RecvWindowMs int64
	HTTPClient   *http.Client
	Limiter      RateLimiter

	once sync.Once
	rc   *resty.Client
}

func (c *BinanceRESTClient) client() *resty.Client {
	c.once.Do(func() {
		c.rc = newResty(c.HTTPClient, c.BaseURL, c.APIKey)
	})
	return c.rc
}

func newResty(hc *http.Client, baseURL, apiKey string) *resty.Client {
	if hc == nil {
		hc = NewDefaultHTTPClient()
	}
	rc := resty.NewWithClient(hc).SetBaseURL(strings.TrimSuffix(baseURL, "/"))
	if apiKey != "" {
		rc.SetHeader("X-MBX-APIKEY", apiKey)
	}
	return rc
}

// do 发起请求；signed=true 时追加 timestamp/recvWindow 并签名。
// query 直接拼进 URL，保证服务端看到的顺序与签名串一致。
func (c *BinanceRESTClient) do(ctx context.Context, method, path string, params map[string]string, signed bool, out interface{}) error {
	if c == nil {
		return fmt.Errorf("rest client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if params == nil {
		params = make(map[string]string)
	}
	var query string
	if signed {
		params["timestamp"] = strconv.FormatInt(timeNowMillis(), 10)
		if c.RecvWindowMs > 0 {
			params["recvWindow"] = strconv.FormatInt(c.RecvWindowMs, 10)
		}
		q, sig := SignParams(params, c.Secret)
		query = q + "&signature=" + url.QueryEscape(sig)
	} else {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		query = values.Encode()
	}
	endpoint := path
	if query != "" {
		endpoint += "?" + query
	}

	resp, err := c.client().R().SetContext(ctx).Execute(method, endpoint)
	if err != nil {
		metrics.RESTErrors.WithLabelValues(path).Inc()
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() >= 300 {
		metrics.RESTErrors.WithLabelValues(path).Inc()
		return parseAPIError(resp.StatusCode(), resp.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// PlaceLimit 调用 POST /api/v3/order 下限价单。
func (c *BinanceRESTClient) PlaceLimit(ctx context.Context, o LimitOrder) (OrderAck, error) {
	tif := o.TimeInForce
	if tif == "" {
		tif = "GTC"
	}
	clientID := o.ClientOrderID
	if clientID == "" {
		clientID = NewClientOrderID()
	}
	params := map[string]string{
		"symbol":           o.Symbol,
		"side":             o.Side,
		"type":             "LIMIT",
		"timeInForce":      tif,
		"price":            o.Price.String(),
		"quantity":         o.Quantity.String(),
		"newClientOrderId": clientID,
	}
	var ack OrderAck
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true, &ack); err != nil {
		return OrderAck{}, err
	}
	if ack.OrderID == 0 {
		return OrderAck{}, fmt.Errorf("empty orderId")
	}
	return ack, nil
}

// QueryOrder 调用 GET /api/v3/order 查询订单状态。
func (c *BinanceRESTClient) QueryOrder(ctx context.Context, symbol string, orderID int64) (ExchangeOrder, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	var o ExchangeOrder
	err := c.do(ctx, http.MethodGet, "/api/v3/order", params, true, &o)
	return o, err
}

// CancelOrder 调用 DELETE /api/v3/order 取消。
func (c *BinanceRESTClient) CancelOrder(ctx context.Context, symbol string, orderID int64) (CancelAck, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	var ack CancelAck
	err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, true, &ack)
	return ack, err
}

// OpenOrders 调用 GET /api/v3/openOrders。
func (c *BinanceRESTClient) OpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var orders []ExchangeOrder
	err := c.do(ctx, http.MethodGet, "/api/v3/openOrders", params, true, &orders)
	return orders, err
}

// AccountInfo 调用 GET /api/v3/account。
func (c *BinanceRESTClient) AccountInfo(ctx context.Context) (AccountInfo, error) {
	var info AccountInfo
	err := c.do(ctx, http.MethodGet, "/api/v3/account", map[string]string{"omitZeroBalances": "true"}, true, &info)
	return info, err
}

// AveragePrice 调用 GET /api/v3/avgPrice（交易所 5 分钟均价）。
func (c *BinanceRESTClient) AveragePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var avg AvgPrice
	if err := c.do(ctx, http.MethodGet, "/api/v3/avgPrice", map[string]string{"symbol": symbol}, false, &avg); err != nil {
		return decimal.Zero, err
	}
	return avg.Price, nil
}

// RecentTrades 调用 GET /api/v3/trades，按时间升序返回。
func (c *BinanceRESTClient) RecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 1
	}
	params := map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}
	var trades []Trade
	err := c.do(ctx, http.MethodGet, "/api/v3/trades", params, false, &trades)
	return trades, err
}

// NewClientOrderID 生成 newClientOrderId（交易所限制 36 字符以内）。
func NewClientOrderID() string {
	return "st-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
