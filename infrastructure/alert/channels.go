package alert

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"spot-trader-go/infrastructure/logger"
)

// LogChannel 写入结构化日志
type LogChannel struct {
	log *logger.Logger
}

func NewLogChannel(log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogChannel{log: log}
}

func (c *LogChannel) Send(a Alert) error {
	fields := []zap.Field{zap.String("level", string(a.Level)), zap.Time("ts", a.Timestamp)}
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch a.Level {
	case LevelError, LevelCritical:
		c.log.Error("alert: "+a.Message, fields...)
	case LevelWarning:
		c.log.Warn("alert: "+a.Message, fields...)
	default:
		c.log.Info("alert: "+a.Message, fields...)
	}
	return nil
}

func (c *LogChannel) Name() string { return "log" }

// WebhookChannel 以 JSON POST 告警到外部地址（Slack/钉钉/自建网关均可转发）
type WebhookChannel struct {
	URL string
	rc  *resty.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{
		URL: url,
		rc:  resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
	}
}

func (c *WebhookChannel) Send(a Alert) error {
	resp, err := c.rc.R().SetBody(a).Post(c.URL)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *WebhookChannel) Name() string { return "webhook" }
