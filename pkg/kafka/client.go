// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"neora-go/internal/config"
	"neora-go/internal/model"
	"neora-go/pkg/log"
)

// AuditProducer 把审计事件发送到 Kafka，持久化由下游消费者负责。
// Publish 不返回错误：审计失败只记录日志，不影响业务流程。
type AuditProducer interface {
	Publish(ctx context.Context, event model.AuditEvent)
	Close() error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type auditProducer struct {
	w writer
}

// NewAuditProducer 初始化审计事件生产者。未配置 brokers 时返回只写日志的实现。
func NewAuditProducer(cfg config.KafkaConfig) AuditProducer {
	brokers := splitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		log.Info("Kafka brokers 未配置，审计事件仅写入日志")
		return nopProducer{}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.AuditTopic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Errorf("发送 %d 条审计事件失败: %v", len(messages), err)
			}
		},
	}
	log.Infof("Kafka 审计生产者初始化成功, topic=%s", cfg.AuditTopic)
	return &auditProducer{w: w}
}

// Publish 以 user_id 为 key 写入，保证同一用户的事件落在同一分区。
func (p *auditProducer) Publish(ctx context.Context, event model.AuditEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		log.Errorf("序列化审计事件失败: %v", err)
		return
	}
	msg := kafka.Message{Key: []byte(event.UserID), Value: value, Time: event.CreatedAt}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		log.Errorw("写入审计事件失败", "event_type", event.EventType, "user_id", event.UserID, "error", err)
	}
}

func (p *auditProducer) Close() error {
	return p.w.Close()
}

type nopProducer struct{}

func (nopProducer) Publish(_ context.Context, event model.AuditEvent) {
	log.Debugw("audit event", "event_type", event.EventType, "user_id", event.UserID, "metadata", event.Metadata)
}

func (nopProducer) Close() error { return nil }

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
