package handler

import (
	"encoding/json"
	"fmt"

	"neora-go/internal/model"
)

// 客户端 → 服务端的帧类型。
const (
	inboundPing        = "ping"
	inboundSubscribe   = "subscribe"
	inboundChatMessage = "chat_message"
)

// 错误帧的 code。
const (
	codeUnknownType = "unknown_type"
	codeInvalidJSON = "invalid_json"
)

type inboundFrame struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type connectionFrame struct {
	Type      model.EventType `json:"type"`
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Anonymous bool            `json:"anonymous"`
}

type pongFrame struct {
	Type      model.EventType `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type noticeFrame struct {
	Type    model.EventType `json:"type"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
}

type chatFrame struct {
	Type      model.EventType `json:"type"`
	Message   string          `json:"message"`
	User      string          `json:"user"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type updateFrame struct {
	Type model.EventType `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newConnectionFrame(anonymous bool) connectionFrame {
	msg := "WebSocket connection established"
	if anonymous {
		msg += " (anonymous)"
	}
	return connectionFrame{Type: model.EventConnection, Status: "connected", Message: msg, Anonymous: anonymous}
}

// echoTimestamp 原样返回客户端给出的 timestamp，缺省为 null。
func echoTimestamp(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// relayFrame 把分组内的 Envelope 转成发给客户端的帧：
// stream_message 与 chat_message 原样转发，message_update 包装一层。
func relayFrame(payload []byte) ([]byte, error) {
	var env model.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	switch env.Kind {
	case model.KindStreamMessage, model.KindChatMessage:
		return env.Message, nil
	case model.KindMessageUpdate:
		return json.Marshal(updateFrame{Type: model.EventMessageUpdate, Data: env.Message})
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
}
