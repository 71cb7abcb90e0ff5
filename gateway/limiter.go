package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter 控制请求速率，避免触发交易所限流。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// TokenBucketLimiter 令牌桶，rate 为每秒令牌数，burst 为最大突发。
type TokenBucketLimiter struct {
	l *rate.Limiter
}

func NewTokenBucketLimiter(r float64, burst int) *TokenBucketLimiter {
	if r <= 0 {
		r = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{l: rate.NewLimiter(rate.Limit(r), burst)}
}

// Wait 取一个令牌；ctx 结束（或等待会超过 ctx 截止时间）则放弃并返回错误。
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}
