package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"spot-trader-go/gateway"
	"spot-trader-go/infrastructure/logger"
	"spot-trader-go/order"
)

// 环境变量覆盖，优先于 YAML
const (
	EnvAPIKey    = "TRADER_API_KEY"
	EnvAPISecret = "TRADER_API_SECRET"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string                  `yaml:"env"`
	Symbol      string                  `yaml:"symbol"`
	DryRun      bool                    `yaml:"dryRun"`
	Gateway     GatewayConfig           `yaml:"gateway"`
	Symbols     map[string]SymbolConfig `yaml:"symbols"`
	Order       OrderConfig             `yaml:"order"`
	Log         logger.Config           `yaml:"log"`
	Alerts      AlertConfig             `yaml:"alerts"`
	MetricsAddr string                  `yaml:"metricsAddr"`
}

// AlertConfig 告警推送；webhookURL 为空时只写日志
type AlertConfig struct {
	WebhookURL string `yaml:"webhookURL"`
	ThrottleMs int    `yaml:"throttleMs"`
}

type GatewayConfig struct {
	APIKey       string  `yaml:"apiKey"`
	APISecret    string  `yaml:"apiSecret"`
	RESTURL      string  `yaml:"restURL"`
	WSEndpoint   string  `yaml:"wsEndpoint"`
	RecvWindowMs int64   `yaml:"recvWindowMs"`
	RESTRate     float64 `yaml:"restRate"`  // 每秒请求数，0 不限流
	RESTBurst    int     `yaml:"restBurst"`
	TimeoutMs    int     `yaml:"timeoutMs"`
}

// SymbolConfig 保存交易对的精度/名义限制（来自 exchangeInfo）。
// 数值用 decimal 解析，避免 0.1 这类步长的浮点误差。
type SymbolConfig struct {
	TickSize        decimal.Decimal     `yaml:"tickSize"`
	StepSize        decimal.Decimal     `yaml:"stepSize"`
	BasePrecision   int32               `yaml:"basePrecision"`  // stepSize 缺失时的数量位数
	QuotePrecision  int32               `yaml:"quotePrecision"` // tickSize 缺失时的价格位数
	CancelThreshold decimal.NullDecimal `yaml:"cancelThreshold"`
	MinQty          decimal.Decimal     `yaml:"minQty"`
	MaxQty          decimal.Decimal     `yaml:"maxQty"`
	MinNotional     decimal.Decimal     `yaml:"minNotional"`
}

type OrderConfig struct {
	PollIntervalMs int  `yaml:"pollIntervalMs"`
	MaxRetries     int  `yaml:"maxRetries"`
	RetryBackoffMs int  `yaml:"retryBackoffMs"`
	Halt           bool `yaml:"halt"` // 运维急停：为 true 时在下一次轮询撤单
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
// 校验在覆盖之后进行，所以 YAML 里可以不写密钥。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		cfg.Gateway.APISecret = v
	}
	cfg.normalize()
	return cfg, Validate(cfg)
}

func (c *AppConfig) normalize() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if len(c.Symbols) > 0 {
		upper := make(map[string]SymbolConfig, len(c.Symbols))
		for sym, sc := range c.Symbols {
			upper[strings.ToUpper(sym)] = sc
		}
		c.Symbols = upper
	}
	def := logger.DefaultConfig()
	if c.Log.Level == "" {
		c.Log.Level = def.Level
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = def.Outputs
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Format
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = def.MaxSize
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = def.MaxBackups
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = def.MaxAge
	}
}

// SymbolSettings 返回当前交易对的配置；未配置时返回零值（全部走默认精度）。
func (c AppConfig) SymbolSettings() SymbolConfig {
	return c.Symbols[c.Symbol]
}

// GatewaySettings 转换为网关配置
func (c AppConfig) GatewaySettings() gateway.Config {
	return gateway.Config{
		Symbol:       c.Symbol,
		RESTURL:      c.Gateway.RESTURL,
		WSEndpoint:   c.Gateway.WSEndpoint,
		APIKey:       c.Gateway.APIKey,
		APISecret:    c.Gateway.APISecret,
		RecvWindowMs: c.Gateway.RecvWindowMs,
		RESTRate:     c.Gateway.RESTRate,
		RESTBurst:    c.Gateway.RESTBurst,
		HTTPTimeout:  time.Duration(c.Gateway.TimeoutMs) * time.Millisecond,
	}
}

// OrderOptions 转换为订单运行参数；Logger/Status 由调用方注入。
func (c AppConfig) OrderOptions() order.Options {
	return order.Options{
		DryRun:       c.DryRun,
		PollInterval: time.Duration(c.Order.PollIntervalMs) * time.Millisecond,
		MaxRetries:   c.Order.MaxRetries,
		RetryBackoff: time.Duration(c.Order.RetryBackoffMs) * time.Millisecond,
	}
}

// OrderParams 用交易对配置填充精度与约束，价格/数量/方向由调用方给出。
func (c AppConfig) OrderParams(side order.Side, price, qty decimal.Decimal) order.Params {
	sc := c.SymbolSettings()
	return order.Params{
		Symbol:            c.Symbol,
		Side:              side,
		Price:             price,
		Quantity:          qty,
		TickSize:          sc.TickSize,
		StepSize:          sc.StepSize,
		PricePrecision:    sc.QuotePrecision,
		QuantityPrecision: sc.BasePrecision,
		CancelThreshold:   sc.CancelThreshold,
		Constraints: order.SymbolConstraints{
			MinQty:      sc.MinQty,
			MaxQty:      sc.MaxQty,
			MinNotional: sc.MinNotional,
		},
	}
}
