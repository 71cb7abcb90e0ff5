package config

import (
	"errors"
	"fmt"
)

// Validate ensures required fields are present.
// dry-run 不需要密钥。
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Symbol == "" {
		return errors.New("symbol is required")
	}
	if !cfg.DryRun && (cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "") {
		return errors.New("gateway.apiKey/apiSecret is required (or env overrides)")
	}
	if cfg.Gateway.RecvWindowMs < 0 || cfg.Gateway.RecvWindowMs > 60000 {
		return fmt.Errorf("gateway.recvWindowMs must be in [0, 60000], got %d", cfg.Gateway.RecvWindowMs)
	}
	if cfg.Gateway.RESTRate < 0 || cfg.Gateway.RESTBurst < 0 {
		return errors.New("gateway.restRate/restBurst must be >= 0")
	}
	if cfg.Gateway.TimeoutMs < 0 {
		return errors.New("gateway.timeoutMs must be >= 0")
	}
	if cfg.Order.PollIntervalMs < 0 || cfg.Order.RetryBackoffMs < 0 {
		return errors.New("order.pollIntervalMs/retryBackoffMs must be >= 0")
	}
	if cfg.Alerts.ThrottleMs < 0 {
		return errors.New("alerts.throttleMs must be >= 0")
	}
	for sym, sc := range cfg.Symbols {
		if sc.TickSize.IsNegative() {
			return fmt.Errorf("symbol %s tickSize must be >= 0", sym)
		}
		if sc.StepSize.IsNegative() {
			return fmt.Errorf("symbol %s stepSize must be >= 0", sym)
		}
		if sc.BasePrecision < 0 || sc.QuotePrecision < 0 {
			return fmt.Errorf("symbol %s precision must be >= 0", sym)
		}
		if sc.MinQty.IsNegative() || sc.MaxQty.IsNegative() {
			return fmt.Errorf("symbol %s qty bounds must be >= 0", sym)
		}
		if sc.MaxQty.IsPositive() && sc.MinQty.GreaterThan(sc.MaxQty) {
			return fmt.Errorf("symbol %s minQty > maxQty", sym)
		}
		if sc.MinNotional.IsNegative() {
			return fmt.Errorf("symbol %s minNotional must be >= 0", sym)
		}
		if sc.CancelThreshold.Valid && !sc.CancelThreshold.Decimal.IsPositive() {
			return fmt.Errorf("symbol %s cancelThreshold must be > 0", sym)
		}
	}
	return nil
}
