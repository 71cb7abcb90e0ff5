package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-trader-go/config"
	"spot-trader-go/gateway"
	"spot-trader-go/infrastructure/alert"
	"spot-trader-go/infrastructure/logger"
	"spot-trader-go/internal/display"
	"spot-trader-go/metrics"
	"spot-trader-go/order"
)

type flags struct {
	cfgPath     string
	side        string
	price       string
	qty         string
	cancelAbove string
	dryRun      bool
	maxWait     time.Duration
	metricsAddr string
}

func main() {
	var f flags
	flag.StringVar(&f.cfgPath, "config", "configs/config.yaml", "配置文件路径")
	flag.StringVar(&f.side, "side", "BUY", "BUY 或 SELL")
	flag.StringVar(&f.price, "price", "0", "限价，0 表示取最新成交价")
	flag.StringVar(&f.qty, "qty", "", "下单数量")
	flag.StringVar(&f.cancelAbove, "cancelAbove", "", "均价高于该值时撤单，覆盖配置里的 cancelThreshold")
	flag.BoolVar(&f.dryRun, "dryRun", false, "仅输出状态，不真正下单")
	flag.DurationVar(&f.maxWait, "maxWait", 0, "等待成交的最长时间，0 表示不限")
	flag.StringVar(&f.metricsAddr, "metricsAddr", "", "Prometheus metrics 监听地址，覆盖配置")
	flag.Parse()

	// .env 可选，缺失时直接用系统环境变量
	_ = godotenv.Load()

	// run 返回后所有 defer（网关关闭、listenKey 释放、日志刷盘）都已执行
	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := config.LoadWithEnvOverrides(f.cfgPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if f.dryRun {
		cfg.DryRun = true
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer lg.Close()
	lg = lg.WithFields(map[string]interface{}{"env": cfg.Env, "symbol": cfg.Symbol})

	if cfg.MetricsAddr != "" {
		srv := metrics.StartMetricsServer(cfg.MetricsAddr)
		defer srv.Close()
	}

	alerts := newAlerts(cfg.Alerts, lg)
	lg.Info("alerts ready", zap.Strings("channels", alerts.Channels()))

	qty, err := decimal.NewFromString(f.qty)
	if err != nil {
		return fmt.Errorf("invalid -qty %q: %w", f.qty, err)
	}
	price, err := decimal.NewFromString(f.price)
	if err != nil {
		return fmt.Errorf("invalid -price %q: %w", f.price, err)
	}

	gw := gateway.New(cfg.GatewaySettings(), lg)
	defer gw.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 实盘必须先连上行情和用户数据流，失败直接退出
	if !cfg.DryRun {
		gw.SetFatalErrorHandler(func(err error) {
			lg.Error("stream lost", zap.Error(err))
			_ = alerts.SendCritical("stream lost", map[string]interface{}{"symbol": cfg.Symbol, "error": err.Error()})
			stop()
		})
		if err := gw.Open(ctx); err != nil {
			lg.Error("gateway open failed", zap.Error(err))
			return fmt.Errorf("failed to open exchange streams: %w", err)
		}
	}

	if price.IsZero() {
		price, err = gw.LatestPrice(ctx)
		if err != nil {
			return fmt.Errorf("fetch latest price: %w", err)
		}
		lg.Info("using latest trade price", zap.String("price", price.String()))
	}

	params := cfg.OrderParams(order.Side(strings.ToUpper(f.side)), price, qty)
	if f.cancelAbove != "" {
		thr, err := decimal.NewFromString(f.cancelAbove)
		if err != nil {
			return fmt.Errorf("invalid -cancelAbove %q: %w", f.cancelAbove, err)
		}
		params.CancelThreshold = decimal.NewNullDecimal(thr)
	}
	opts := cfg.OrderOptions()
	opts.Logger = lg
	opts.Status = display.NewConsole(os.Stdout)

	ord, err := order.New(params, gw, opts)
	if err != nil {
		return fmt.Errorf("build order: %w", err)
	}

	sw := newKillSwitch(cfg.Order.Halt, f.maxWait)
	go func() {
		w := config.Watcher{Path: f.cfgPath, Cooldown: time.Second, Logger: lg}
		err := w.Start(ctx, func(c config.AppConfig) { sw.SetHalt(c.Order.Halt) })
		if err != nil && !errors.Is(err, context.Canceled) {
			lg.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	if _, err := ord.Place(ctx); err != nil {
		lg.Error("place order", zap.Error(err))
		return fmt.Errorf("place order: %w", err)
	}

	res, err := ord.WaitForOrder(ctx, sw.Predicate())
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		lg.Error("wait for order", zap.Error(err))
		_ = alerts.SendError("wait for order failed", map[string]interface{}{"symbol": cfg.Symbol, "error": err.Error()})
		// 被信号打断时仍尝试撤掉挂单，用新的 ctx 避免已取消的 ctx 直接失败
		if ord.Status() == order.StatusPlaced {
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, cerr := ord.Cancel(cctx); cerr != nil {
				lg.Error("cancel on exit", zap.Error(cerr))
			}
			cancel()
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("wait for order: %w", err)
	}
	lg.Info("order finished",
		zap.String("outcome", res.Outcome.String()),
		zap.String("reason", string(res.Reason)),
		zap.Int("polls", res.Polls))
	v := ord.View()
	_ = alerts.SendInfo("order "+res.Outcome.String(), map[string]interface{}{
		"symbol":   v.Symbol,
		"side":     string(v.Side),
		"price":    v.Price.String(),
		"qty":      v.Quantity.String(),
		"order_id": v.OrderID,
		"reason":   string(res.Reason),
		"dry_run":  v.DryRun,
	})
	return nil
}

func newAlerts(cfg config.AlertConfig, lg *logger.Logger) *alert.Manager {
	channels := []alert.Channel{alert.NewLogChannel(lg)}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(cfg.WebhookURL, 5*time.Second))
	}
	return alert.NewManager(channels, time.Duration(cfg.ThrottleMs)*time.Millisecond)
}

// killSwitch 组合运维急停（配置热更新）与最长等待时间，作为撤单谓词。
type killSwitch struct {
	halt     atomic.Bool
	deadline time.Time
	now      func() time.Time
}

func newKillSwitch(halt bool, maxWait time.Duration) *killSwitch {
	k := &killSwitch{now: time.Now}
	k.halt.Store(halt)
	if maxWait > 0 {
		k.deadline = time.Now().Add(maxWait)
	}
	return k
}

func (k *killSwitch) SetHalt(v bool) { k.halt.Store(v) }

func (k *killSwitch) Predicate() order.CancelPredicate {
	return func(order.View) bool {
		if k.halt.Load() {
			return true
		}
		return !k.deadline.IsZero() && k.now().After(k.deadline)
	}
}
