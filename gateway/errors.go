package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNoPrice 流上没有成交且 REST 也查不到最近成交。
var ErrNoPrice = errors.New("no trade price available")

// APIError 交易所返回的错误体 {"code":-1121,"msg":"Invalid symbol."}。
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error status=%d code=%d: %s", e.HTTPStatus, e.Code, e.Msg)
}

// 可重试的业务错误码
const (
	codeDisconnected    = -1001
	codeTooManyRequests = -1003
	codeUnexpectedResp  = -1006
	codeTimeout         = -1007
	codeServerBusy      = -1008
)

func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{HTTPStatus: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Msg == "" {
		apiErr.Msg = http.StatusText(status)
	}
	return apiErr
}

// IsTransient 判断错误是否为短暂故障（网络、限流、服务端 5xx），值得退避重试。
// 调用方主动取消的 context 不算短暂故障。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeDisconnected, codeTooManyRequests, codeUnexpectedResp, codeTimeout, codeServerBusy:
			return true
		}
		return apiErr.HTTPStatus == http.StatusTooManyRequests || apiErr.HTTPStatus >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
