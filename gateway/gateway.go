package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-trader-go/infrastructure/logger"
	"spot-trader-go/metrics"
)

// Config 网关配置
type Config struct {
	Symbol       string
	RESTURL      string
	WSEndpoint   string
	APIKey       string
	APISecret    string
	RecvWindowMs int64
	RESTRate     float64 // 每秒令牌数，<=0 不限流
	RESTBurst    int
	HTTPTimeout  time.Duration

	EventBuffer       int           // 缓存更新队列长度
	MaxReconnects     int           // 连续重连失败上限
	ReconnectBackoff  time.Duration // 线性退避基数
	KeepAliveInterval time.Duration // listenKey 续期周期
}

func (c *Config) applyDefaults() {
	if c.RESTURL == "" {
		c.RESTURL = BinanceSpotRESTURL
	}
	if c.WSEndpoint == "" {
		c.WSEndpoint = BinanceSpotWSEndpoint
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 3 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Minute
	}
}

// cacheUpdate 由流回调投递，唯一的 updater goroutine 写入缓存。
type cacheUpdate struct {
	price   *decimal.Decimal
	account *AccountEvent
}

// Gateway 交易所连接服务：持有 REST 客户端、行情/用户数据流，缓存最新成交价与最新账户事件。
// 显式构造并注入给订单使用，生命周期为 Open -> Shutdown。
type Gateway struct {
	REST       *BinanceRESTClient
	ListenKeys *ListenKeyClient
	Stream     *BinanceWSReal

	cfg Config
	log *logger.Logger

	updates       chan cacheUpdate
	latestPrice   atomic.Pointer[decimal.Decimal]
	latestAccount atomic.Pointer[AccountEvent]

	ctx       context.Context
	cancel    context.CancelFunc
	updaterWG sync.WaitGroup
	streamWG  sync.WaitGroup

	mu        sync.Mutex
	opened    bool
	listenKey string
	stopOnce  sync.Once
	onFatal   func(error)
}

// New 构建网关并启动缓存 updater；不发起任何网络连接。
func New(cfg Config, log *logger.Logger) *Gateway {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	httpCli := NewDefaultHTTPClient()
	httpCli.Timeout = cfg.HTTPTimeout
	rest := &BinanceRESTClient{
		BaseURL:      cfg.RESTURL,
		APIKey:       cfg.APIKey,
		Secret:       cfg.APISecret,
		RecvWindowMs: cfg.RecvWindowMs,
		HTTPClient:   httpCli,
	}
	if cfg.RESTRate > 0 {
		rest.Limiter = NewTokenBucketLimiter(cfg.RESTRate, cfg.RESTBurst)
	}
	ws := NewBinanceWSReal()
	ws.BaseEndpoint = cfg.WSEndpoint

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		REST: rest,
		ListenKeys: &ListenKeyClient{
			BaseURL:    cfg.RESTURL,
			APIKey:     cfg.APIKey,
			HTTPClient: NewListenKeyHTTPClient(),
		},
		Stream:  ws,
		cfg:     cfg,
		log:     log,
		updates: make(chan cacheUpdate, cfg.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	g.updaterWG.Add(1)
	go g.runUpdater()
	return g
}

// SetFatalErrorHandler 设置流重连耗尽后的回调（通知主程序退出）
func (g *Gateway) SetFatalErrorHandler(fn func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onFatal = fn
}

// Symbol 网关订阅的交易对
func (g *Gateway) Symbol() string {
	return g.cfg.Symbol
}

// Open 创建 listenKey、订阅成交流与用户数据流并启动事件循环。
// 任一订阅建立失败即返回错误，属于启动前置条件。
func (g *Gateway) Open(ctx context.Context) error {
	g.mu.Lock()
	if g.opened {
		g.mu.Unlock()
		return errors.New("gateway already open")
	}
	g.opened = true
	g.mu.Unlock()

	if err := g.Stream.SubscribeTrade(g.cfg.Symbol); err != nil {
		return fmt.Errorf("subscribe trade stream: %w", err)
	}
	key, err := g.ListenKeys.NewListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listenKey: %w", err)
	}
	if err := g.Stream.SubscribeUserData(key); err != nil {
		return fmt.Errorf("subscribe user stream: %w", err)
	}
	g.mu.Lock()
	g.listenKey = key
	g.mu.Unlock()

	if err := g.Stream.Dial(ctx); err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	metrics.SetWSConnected(true)
	g.log.Info("stream connected", zap.String("symbol", g.cfg.Symbol))

	g.streamWG.Add(2)
	go g.runStream()
	go g.runKeepalive()
	return nil
}

// Shutdown 关闭流、停止事件循环并释放 listenKey；可重复调用。
func (g *Gateway) Shutdown() {
	g.stopOnce.Do(func() {
		g.cancel()
		_ = g.Stream.Close()
		g.streamWG.Wait()
		g.updaterWG.Wait()
		metrics.SetWSConnected(false)

		g.mu.Lock()
		key := g.listenKey
		g.mu.Unlock()
		if key != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.ListenKeys.CloseListenKey(ctx, key); err != nil {
				g.log.Warn("close listenKey failed", zap.Error(err))
			}
		}
		g.log.Info("gateway stopped")
	})
}

// OnTradeTick 成交流回调：解析价格并投递到缓存队列，不阻塞。
func (g *Gateway) OnTradeTick(raw []byte) {
	tick, err := ParseTradeTick(raw)
	if err != nil {
		g.log.Debug("drop trade message", zap.Error(err))
		return
	}
	price := tick.Price
	g.enqueue(cacheUpdate{price: &price}, "trade")
}

// OnAccountEvent 用户数据流回调：原样保存最新事件（覆盖而非合并），不阻塞。
func (g *Gateway) OnAccountEvent(raw []byte) {
	ev, err := ParseAccountEvent(raw)
	if err != nil {
		g.log.Debug("drop account message", zap.Error(err))
		return
	}
	g.enqueue(cacheUpdate{account: &ev}, "account")
}

func (g *Gateway) enqueue(u cacheUpdate, kind string) {
	select {
	case g.updates <- u:
	default:
		metrics.StreamEventsDropped.WithLabelValues(kind).Inc()
	}
}

// runUpdater 缓存的唯一写入者
func (g *Gateway) runUpdater() {
	defer g.updaterWG.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case u := <-g.updates:
			if u.price != nil {
				if g.latestPrice.Load() == nil {
					g.log.LogTrade("first_tick", map[string]interface{}{"symbol": g.cfg.Symbol, "price": u.price.String()})
				}
				g.latestPrice.Store(u.price)
				metrics.UpdateLastTrade(u.price.InexactFloat64())
			}
			if u.account != nil {
				g.latestAccount.Store(u.account)
			}
		}
	}
}

// LatestPrice 返回流上最新成交价；从未收到推送时退化为一次 REST 最近成交查询，不等待推送。
func (g *Gateway) LatestPrice(ctx context.Context) (decimal.Decimal, error) {
	if p := g.latestPrice.Load(); p != nil {
		return *p, nil
	}
	trades, err := g.REST.RecentTrades(ctx, g.cfg.Symbol, 1)
	if err != nil {
		return decimal.Zero, fmt.Errorf("recent trades: %w", err)
	}
	if len(trades) == 0 {
		return decimal.Zero, ErrNoPrice
	}
	p := trades[len(trades)-1].Price
	g.log.LogTrade("rest_price", map[string]interface{}{"symbol": g.cfg.Symbol, "price": p.String()})
	return p, nil
}

// LatestAccountEvent 最近一次账户事件
func (g *Gateway) LatestAccountEvent() (AccountEvent, bool) {
	ev := g.latestAccount.Load()
	if ev == nil {
		return AccountEvent{}, false
	}
	return *ev, true
}

// OpenOrders 透传：当前挂单
func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error) {
	return g.REST.OpenOrders(ctx, symbol)
}

// AssetBalance 透传：资产可用余额，账户中不存在的资产返回 0
func (g *Gateway) AssetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	info, err := g.REST.AccountInfo(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range info.Balances {
		if b.Asset == asset {
			return b.Free, nil
		}
	}
	return decimal.Zero, nil
}

// AveragePrice 透传：短窗口均价，作为撤单阈值的比较基准
func (g *Gateway) AveragePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.REST.AveragePrice(ctx, symbol)
}

func (g *Gateway) PlaceLimit(ctx context.Context, o LimitOrder) (OrderAck, error) {
	return g.REST.PlaceLimit(ctx, o)
}

func (g *Gateway) QueryOrder(ctx context.Context, symbol string, orderID int64) (ExchangeOrder, error) {
	return g.REST.QueryOrder(ctx, symbol, orderID)
}

// CancelOrder 透传：撤单
func (g *Gateway) CancelOrder(ctx context.Context, symbol string, orderID int64) (CancelAck, error) {
	return g.REST.CancelOrder(ctx, symbol, orderID)
}

// runKeepalive 定期续期 listenKey。
func (g *Gateway) runKeepalive() {
	defer g.streamWG.Done()
	ticker := time.NewTicker(g.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			key := g.listenKey
			g.mu.Unlock()
			ctx, cancel := context.WithTimeout(g.ctx, 10*time.Second)
			if err := g.ListenKeys.KeepAlive(ctx, key); err != nil {
				g.log.Warn("listenKey keepalive failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// runStream 读取流并在断线后线性退避重连。
func (g *Gateway) runStream() {
	defer g.streamWG.Done()
	router := &StreamRouter{OnTrade: g.OnTradeTick, OnAccount: g.OnAccountEvent}
	for {
		err := g.Stream.ReadLoop(router)
		metrics.SetWSConnected(false)
		if g.ctx.Err() != nil {
			return
		}
		g.log.Warn("stream disconnected, reconnecting", zap.Error(err))
		if err := g.reconnect(); err != nil {
			if g.ctx.Err() != nil {
				return
			}
			g.log.Error("stream reconnect exhausted", zap.Error(err))
			g.mu.Lock()
			fn := g.onFatal
			g.mu.Unlock()
			if fn != nil {
				fn(err)
			}
			return
		}
		metrics.SetWSConnected(true)
		g.log.Info("stream reconnected", zap.String("symbol", g.cfg.Symbol))
	}
}

func (g *Gateway) reconnect() error {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxReconnects; attempt++ {
		backoff := time.Duration(attempt) * g.cfg.ReconnectBackoff
		timer := time.NewTimer(backoff)
		select {
		case <-g.ctx.Done():
			timer.Stop()
			return g.ctx.Err()
		case <-timer.C:
		}
		if lastErr = g.Stream.Dial(g.ctx); lastErr == nil {
			return nil
		}
		g.log.Warn("stream dial failed",
			zap.Int("attempt", attempt),
			zap.Int("max", g.cfg.MaxReconnects),
			zap.Error(lastErr))
	}
	return fmt.Errorf("websocket reconnection failed after %d retries: %w", g.cfg.MaxReconnects, lastErr)
}
