package gateway

import (
	"encoding/json"
	"strings"
)

// RawHandler 接收 WS 原始消息。
type RawHandler interface {
	OnRawMessage(msg []byte)
}

// StreamRouter 按 combined stream 名分发：*@trade 走成交回调，其余（listenKey 流）走账户回调。
// 非 combined 包装的消息按事件类型 "e" 分发。
type StreamRouter struct {
	OnTrade   func([]byte)
	OnAccount func([]byte)
}

func (r *StreamRouter) OnRawMessage(msg []byte) {
	var env CombinedMessage
	if err := json.Unmarshal(msg, &env); err == nil && len(env.Data) > 0 {
		r.dispatch(strings.HasSuffix(env.Stream, "@trade"), env.Data)
		return
	}
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return
	}
	r.dispatch(head.EventType == "trade", msg)
}

func (r *StreamRouter) dispatch(trade bool, data []byte) {
	if trade {
		if r.OnTrade != nil {
			r.OnTrade(data)
		}
		return
	}
	if r.OnAccount != nil {
		r.OnAccount(data)
	}
}
