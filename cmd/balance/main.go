package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"spot-trader-go/config"
	"spot-trader-go/gateway"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	assets := flag.String("assets", "", "comma separated assets to show (e.g. BTC,USDT)")
	watch := flag.Duration("watch", 0, "listen on the streams this long and print the last cached trade and account event")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*cfgPath, *assets, *watch); err != nil {
		log.Fatal(err)
	}
}

// run 返回错误而不是直接退出，保证 Shutdown 释放 listenKey
func run(cfgPath, assets string, watch time.Duration) error {
	cfg, err := config.LoadWithEnvOverrides(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw := gateway.New(cfg.GatewaySettings(), nil)
	defer gw.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second+watch)
	defer cancel()

	if watch > 0 {
		if err := gw.Open(ctx); err != nil {
			return fmt.Errorf("open streams: %w", err)
		}
		time.Sleep(watch)
		if ev, ok := gw.LatestAccountEvent(); ok {
			fmt.Printf("last account event %s at %d: %s\n", ev.EventType, ev.EventTime, ev.Raw)
		} else {
			fmt.Printf("no account event within %s\n", watch)
		}
	}

	for _, asset := range strings.Split(assets, ",") {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset == "" {
			continue
		}
		free, err := gw.AssetBalance(ctx, asset)
		if err != nil {
			return fmt.Errorf("fetch %s balance: %w", asset, err)
		}
		fmt.Printf("%s free=%s\n", asset, free)
	}

	last, err := gw.LatestPrice(ctx)
	if err != nil {
		return fmt.Errorf("fetch latest price: %w", err)
	}
	avg, err := gw.AveragePrice(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch average price: %w", err)
	}
	fmt.Printf("%s last=%s avg=%s\n", cfg.Symbol, last, avg)

	orders, err := gw.OpenOrders(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	if len(orders) == 0 {
		fmt.Printf("no open orders on %s\n", cfg.Symbol)
	}
	for _, o := range orders {
		fmt.Printf("%d %s %s price=%s qty=%s filled=%s status=%s\n",
			o.OrderID, o.Side, o.Type, o.Price, o.OrigQty, o.ExecutedQty, o.Status)
	}
	return nil
}
