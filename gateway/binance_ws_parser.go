package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

var errNotTrade = errors.New("not a trade event")

// ParseTradeTick 解析 <symbol>@trade 推送。
func ParseTradeTick(raw []byte) (TradeTick, error) {
	var tick TradeTick
	if err := json.Unmarshal(raw, &tick); err != nil {
		return TradeTick{}, err
	}
	if tick.EventType != "trade" {
		return TradeTick{}, fmt.Errorf("%w: %q", errNotTrade, tick.EventType)
	}
	return tick, nil
}

// ParseAccountEvent 解析用户数据流事件，保留原始 payload。
func ParseAccountEvent(raw []byte) (AccountEvent, error) {
	var ev AccountEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return AccountEvent{}, err
	}
	if ev.EventType == "" {
		return AccountEvent{}, fmt.Errorf("account event without type")
	}
	ev.Raw = append(json.RawMessage(nil), raw...)
	return ev, nil
}
