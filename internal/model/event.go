package model

import "encoding/json"

// EventType 是推送给 WebSocket 客户端的帧类型。
type EventType string

const (
	EventConnection    EventType = "connection"
	EventMessageUpdate EventType = "message_update"
	EventDelta         EventType = "delta"
	EventDone          EventType = "done"
	EventError         EventType = "error"
	EventPong          EventType = "pong"
	EventSubscribed    EventType = "subscribed"
	EventChatMessage   EventType = "chat_message"
)

// StreamEvent 是一次回复流中的单个事件，不落库。
// 同一条回复依次产生零个或多个 delta，最后恰好一个 done 或 error。
// Seq 在同一条回复内从 1 开始单调递增，供订阅方检测乱序。
type StreamEvent struct {
	Type      EventType `json:"type"`
	Data      string    `json:"data,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Seq       int       `json:"seq,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// EnvelopeKind 决定网关如何把分组消息转成客户端帧。
type EnvelopeKind string

const (
	// KindStreamMessage 的 Message 原样转发。
	KindStreamMessage EnvelopeKind = "stream_message"
	// KindMessageUpdate 的 Message 包装为 {"type":"message_update","data":...}。
	KindMessageUpdate EnvelopeKind = "message_update"
	// KindChatMessage 的 Message 原样转发给 chat 模式连接。
	KindChatMessage EnvelopeKind = "chat_message"
)

// Envelope 是经由广播器在分组内传递的消息。
type Envelope struct {
	Kind    EnvelopeKind    `json:"kind"`
	Message json.RawMessage `json:"message"`
}

// NewEnvelope 序列化 payload 并包装为指定类型的 Envelope。
func NewEnvelope(kind EnvelopeKind, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: kind, Message: raw})
}
