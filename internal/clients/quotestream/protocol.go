package quotestream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inbound message types
const (
	msgTrade      = "trade"
	msgSubscribed = "subscribed"
	msgPing       = "ping"
	msgError      = "error"
)

// subscribeMessage carries the full symbol set; the feed replaces the
// previous subscription with it.
type subscribeMessage struct {
	Type    string   `json:"type"`
	Token   string   `json:"token,omitempty"`
	Symbols []string `json:"symbols"`
}

// trade is one symbol-multiplexed trade print
type trade struct {
	Symbol    string  `json:"s"`
	Price     float64 `json:"p"`
	Timestamp int64   `json:"t"` // unix milliseconds
	Volume    float64 `json:"v"`
}

type inbound struct {
	Type    string   `json:"type"`
	Data    []trade  `json:"data,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
	Msg     string   `json:"msg,omitempty"`
}

func encodeSubscribe(token string, symbols []string) ([]byte, error) {
	data, err := json.Marshal(subscribeMessage{Type: "subscribe", Token: token, Symbols: symbols})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription message: %w", err)
	}
	return data, nil
}

func decodeInbound(data []byte) (*inbound, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse stream message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("stream message has no type")
	}
	return &msg, nil
}

func (t trade) time() time.Time {
	if t.Timestamp == 0 {
		return time.Now()
	}
	return time.UnixMilli(t.Timestamp)
}

func isAuthError(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"unauthorized", "invalid api key", "invalid token", "forbidden", "auth"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}
