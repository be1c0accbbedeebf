package model

import "time"

// 审计事件类型
const (
	AuditMessageSent       = "message_sent"
	AuditVoiceMessageSent  = "voice_message_sent"
	AuditAssistantReceived = "assistant_response_received"
	AuditAssistantError    = "assistant_response_error"
	AuditMessagesCleared   = "messages_cleared"
)

// AuditEvent 是发送到 Kafka 的审计记录，持久化由下游消费者负责。
type AuditEvent struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id,omitempty"`
	EventType string                 `json:"event_type"`
	IP        string                 `json:"ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt time.Time              `json:"created_at"`
}

// RequestMeta 记录触发审计事件的请求来源。
type RequestMeta struct {
	IP        string
	UserAgent string
}
