package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// ListenKeyClient 管理用户数据流 listenKey（/api/v3/userDataStream）。
type ListenKeyClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	once sync.Once
	rc   *resty.Client
}

func (c *ListenKeyClient) client() *resty.Client {
	c.once.Do(func() {
		c.rc = newResty(c.HTTPClient, c.BaseURL, c.APIKey)
	})
	return c.rc
}

// NewListenKey 创建 listenKey。
func (c *ListenKeyClient) NewListenKey(ctx context.Context) (string, error) {
	if c == nil {
		return "", fmt.Errorf("listenKey client not set")
	}
	resp, err := c.client().R().SetContext(ctx).Post("/api/v3/userDataStream")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() >= 300 {
		return "", parseAPIError(resp.StatusCode(), resp.Body())
	}
	var body struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("decode listenKey: %w", err)
	}
	if body.ListenKey == "" {
		return "", fmt.Errorf("empty listenKey")
	}
	return body.ListenKey, nil
}

// KeepAlive 延长 listenKey 有效期（交易所 60 分钟过期）。
func (c *ListenKeyClient) KeepAlive(ctx context.Context, key string) error {
	return c.send(ctx, http.MethodPut, key)
}

// CloseListenKey 关闭 listenKey。
func (c *ListenKeyClient) CloseListenKey(ctx context.Context, key string) error {
	return c.send(ctx, http.MethodDelete, key)
}

func (c *ListenKeyClient) send(ctx context.Context, method, key string) error {
	if c == nil {
		return fmt.Errorf("listenKey client not set")
	}
	endpoint := "/api/v3/userDataStream?listenKey=" + url.QueryEscape(key)
	resp, err := c.client().R().SetContext(ctx).Execute(method, endpoint)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return parseAPIError(resp.StatusCode(), resp.Body())
	}
	return nil
}

// NewListenKeyHTTPClient listenKey 请求使用更短的超时。
func NewListenKeyHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}
