package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"time"
)

// timeNowMillis 可在测试中替换以得到确定的签名。
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// SignParams 按 key 排序编码参数并计算 HMAC-SHA256 签名。
// 返回的 query 与签名使用的字符串完全一致，调用方直接拼接 &signature=。
func SignParams(params map[string]string, secret string) (query string, signature string) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	query = values.Encode()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query, hex.EncodeToString(mac.Sum(nil))
}
