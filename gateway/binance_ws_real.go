package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errStreamClosed = errors.New("stream closed")

// BinanceWSReal 组合订阅成交流与用户数据流，连接真实 WS（combined stream）。
type BinanceWSReal struct {
	BaseEndpoint string // 默认 wss://stream.binance.com:9443
	Dialer       *websocket.Dialer
	ReadTimeout  time.Duration

	tradeStreams []string
	userStream   string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewBinanceWSReal() *BinanceWSReal {
	return &BinanceWSReal{
		BaseEndpoint: BinanceSpotWSEndpoint,
		Dialer:       websocket.DefaultDialer,
		ReadTimeout:  5 * time.Minute,
	}
}

func (b *BinanceWSReal) SubscribeTrade(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol required")
	}
	b.tradeStreams = append(b.tradeStreams, strings.ToLower(symbol)+"@trade")
	return nil
}

func (b *BinanceWSReal) SubscribeUserData(listenKey string) error {
	if listenKey == "" {
		return fmt.Errorf("listenKey required")
	}
	b.userStream = listenKey
	return nil
}

// StreamURL 构建 combined stream 地址。
func (b *BinanceWSReal) StreamURL() (string, error) {
	streams := make([]string, 0, len(b.tradeStreams)+1)
	streams = append(streams, b.tradeStreams...)
	if b.userStream != "" {
		streams = append(streams, b.userStream)
	}
	if len(streams) == 0 {
		return "", fmt.Errorf("no streams subscribed")
	}
	u, err := url.Parse(b.BaseEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse ws endpoint: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/stream"
	// streams 参数里的 '/' 和 '@' 不做转义
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

// Dial 建立连接；已 Close 的客户端不再拨号。
func (b *BinanceWSReal) Dial(ctx context.Context) error {
	target, err := b.StreamURL()
	if err != nil {
		return err
	}
	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = conn.Close()
		return errStreamClosed
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	return nil
}

// ReadLoop 读取当前连接直到出错；每条消息交给 handler。
func (b *BinanceWSReal) ReadLoop(handler RawHandler) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errStreamClosed
	}
	timeout := b.ReadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		if handler != nil {
			handler.OnRawMessage(message)
		}
	}
}

// Close 关闭连接，之后的 Dial 直接失败。
func (b *BinanceWSReal) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
