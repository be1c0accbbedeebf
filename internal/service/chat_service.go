package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"neora-go/internal/config"
	"neora-go/internal/model"
	"neora-go/pkg/chunker"
	"neora-go/pkg/kafka"
	"neora-go/pkg/log"
	"neora-go/pkg/metrics"
	"neora-go/pkg/pubsub"
	"neora-go/pkg/storage"
	"neora-go/pkg/workflow"
)

// 写入助手记录、展示给用户的失败文案。
const (
	TextFailureReply  = "I apologize, but I encountered an error processing your request. Please try again."
	VoiceFailureReply = "I apologize, but I encountered an error processing your voice message. Please try again."
	VoicePlaceholder  = "[Voice Message]"
)

// error 事件的固定内容。
const (
	ErrorCodeAssistant    = "assistant_error"
	ErrorMessageAssistant = "Failed to get assistant response"
)

// Submission 是一次提交产生的两条记录。
type Submission struct {
	UserMessage      *model.Message `json:"user_message"`
	AssistantMessage *model.Message `json:"assistant_message"`
}

// VoiceUpload 是上传的语音文件。
type VoiceUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ChatService 驱动一次提交的完整回复流程：
// 建立记录 → 调用工作流 → 分块广播 → 落定终态。
type ChatService interface {
	SubmitText(ctx context.Context, user *model.User, text, language string, meta model.RequestMeta) (*Submission, error)
	SubmitVoice(ctx context.Context, user *model.User, upload VoiceUpload, language string, meta model.RequestMeta) (*Submission, error)
	// ClearHistory 删除用户的全部记录并写审计，返回删除条数。
	ClearHistory(ctx context.Context, user *model.User, meta model.RequestMeta) (int64, error)
}

type chatService struct {
	messages    MessageService
	workflow    workflow.Client
	broadcaster pubsub.Broadcaster
	audio       storage.AudioStore
	audit       kafka.AuditProducer
	cfg         config.StreamConfig
}

// NewChatService 创建一个新的 ChatService 实例。audio 为 nil 时语音记录不带 audio_url。
func NewChatService(
	messages MessageService,
	wf workflow.Client,
	broadcaster pubsub.Broadcaster,
	audio storage.AudioStore,
	audit kafka.AuditProducer,
	cfg config.StreamConfig,
) ChatService {
	return &chatService{
		messages:    messages,
		workflow:    wf,
		broadcaster: broadcaster,
		audio:       audio,
		audit:       audit,
		cfg:         cfg,
	}
}

// SubmitText 处理一条文本消息，阻塞直到助手记录到达终态。
func (s *chatService) SubmitText(ctx context.Context, user *model.User, text, language string, meta model.RequestMeta) (*Submission, error) {
	text, err := NormalizeText(text, s.cfg.MaxTextLength)
	if err != nil {
		return nil, err
	}
	// 客户端断开不会中止流程，记录必须落定终态
	ctx = context.WithoutCancel(ctx)
	locale := resolveLocale(language, user)

	userMsg, err := s.messages.CreateUserRecord(ctx, user.ID, text, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user message: %w", err)
	}
	s.recordAudit(ctx, user.ID, model.AuditMessageSent, meta, map[string]interface{}{
		"message_id":     userMsg.ID,
		"message_length": len(text),
		"language":       locale,
	})
	s.publishUpdate(ctx, userMsg)

	assistantMsg, err := s.runReply(ctx, user, workflow.Request{
		UserID:  user.ID,
		Message: text,
		Locale:  locale,
		Kind:    workflow.KindText,
	}, TextFailureReply, meta)
	if err != nil {
		return nil, err
	}
	return &Submission{UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// SubmitVoice 保存语音文件后走与文本相同的回复流程，音频以 multipart 形式发给工作流。
func (s *chatService) SubmitVoice(ctx context.Context, user *model.User, upload VoiceUpload, language string, meta model.RequestMeta) (*Submission, error) {
	if len(upload.Data) == 0 {
		return nil, ErrEmptyAudio
	}
	if s.cfg.MaxAudioBytes > 0 && int64(len(upload.Data)) > s.cfg.MaxAudioBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrAudioTooLarge, s.cfg.MaxAudioBytes)
	}
	ctx = context.WithoutCancel(ctx)
	locale := resolveLocale(language, user)

	var audioURL *string
	if s.audio != nil {
		u, err := s.audio.Save(ctx, user.ID, upload.Filename, upload.ContentType, upload.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to store voice message: %w", err)
		}
		audioURL = &u
	}

	userMsg, err := s.messages.CreateUserRecord(ctx, user.ID, VoicePlaceholder, audioURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create user message: %w", err)
	}
	s.recordAudit(ctx, user.ID, model.AuditVoiceMessageSent, meta, map[string]interface{}{
		"message_id": userMsg.ID,
		"audio_size": len(upload.Data),
		"language":   locale,
	})
	s.publishUpdate(ctx, userMsg)

	assistantMsg, err := s.runReply(ctx, user, workflow.Request{
		UserID:  user.ID,
		Message: VoicePlaceholder,
		Locale:  locale,
		Kind:    workflow.KindVoice,
		Audio: &workflow.Audio{
			Filename:    upload.Filename,
			ContentType: upload.ContentType,
			Data:        upload.Data,
		},
	}, VoiceFailureReply, meta)
	if err != nil {
		return nil, err
	}
	return &Submission{UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

func (s *chatService) ClearHistory(ctx context.Context, user *model.User, meta model.RequestMeta) (int64, error) {
	n, err := s.messages.Clear(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	s.recordAudit(ctx, user.ID, model.AuditMessagesCleared, meta, map[string]interface{}{
		"deleted_count": n,
	})
	return n, nil
}

// runReply 只在占位记录都无法创建时返回错误；此后的任何失败都会
// 把记录推进到 error 并发出一个 error 事件。
func (s *chatService) runReply(ctx context.Context, user *model.User, req workflow.Request, failureText string, meta model.RequestMeta) (*model.Message, error) {
	placeholder, err := s.messages.CreateAssistantPlaceholder(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create assistant placeholder: %w", err)
	}
	stream := s.newReplyStream(user.ID, placeholder.ID)
	started := time.Now()

	sent, err := s.messages.Advance(ctx, placeholder, model.StatusSent, nil)
	if err != nil {
		return s.fail(ctx, stream, placeholder, err, failureText, meta), nil
	}

	reply, err := s.workflow.Invoke(ctx, req)
	if err != nil {
		return s.fail(ctx, stream, sent, err, failureText, meta), nil
	}

	// 持久化的文本与拼接后的 delta 保持一致
	reply = normalizeReply(reply, s.cfg.MaxTextLength)
	for _, chunk := range chunker.Chunks(reply, s.cfg.WordsPerChunk) {
		stream.publish(ctx, model.StreamEvent{Type: model.EventDelta, Data: chunk})
	}

	done, err := s.messages.Advance(ctx, sent, model.StatusDone, &reply)
	if err != nil {
		return s.fail(ctx, stream, sent, err, failureText, meta), nil
	}
	stream.publish(ctx, model.StreamEvent{Type: model.EventDone})

	metrics.Replies.WithLabelValues(string(model.StatusDone)).Inc()
	s.recordAudit(ctx, user.ID, model.AuditAssistantReceived, meta, map[string]interface{}{
		"message_id":      done.ID,
		"response_length": len(reply),
		"duration_ms":     time.Since(started).Milliseconds(),
	})
	return done, nil
}

// fail 把记录推进到 error（必要时先经过 sent），写入失败文案后再广播 error 事件。
func (s *chatService) fail(ctx context.Context, stream *replyStream, msg *model.Message, cause error, failureText string, meta model.RequestMeta) *model.Message {
	log.Errorw("assistant reply failed", "message_id", msg.ID, "user_id", msg.UserID, "error", cause)

	current := msg
	if current.Status == model.StatusQueued {
		if advanced, err := s.messages.Advance(ctx, current, model.StatusSent, nil); err == nil {
			current = advanced
		} else {
			log.Errorw("failed to mark reply sent", "message_id", msg.ID, "error", err)
		}
	}
	if current.Status == model.StatusSent {
		if final, err := s.messages.Advance(ctx, current, model.StatusError, &failureText); err == nil {
			current = final
		} else {
			log.Errorw("failed to mark reply error", "message_id", msg.ID, "error", err)
		}
	}

	stream.publish(ctx, model.StreamEvent{
		Type:    model.EventError,
		Code:    ErrorCodeAssistant,
		Message: ErrorMessageAssistant,
	})
	metrics.Replies.WithLabelValues(string(model.StatusError)).Inc()
	s.recordAudit(ctx, msg.UserID, model.AuditAssistantError, meta, map[string]interface{}{
		"message_id": msg.ID,
		"error":      cause.Error(),
	})
	return current
}

// publishUpdate 在开启时把用户记录作为 message_update 推送给该用户的连接。
func (s *chatService) publishUpdate(ctx context.Context, msg *model.Message) {
	if !s.cfg.PublishMessageUpdates {
		return
	}
	payload, err := model.NewEnvelope(model.KindMessageUpdate, msg)
	if err != nil {
		log.Errorf("failed to encode message update: %v", err)
		return
	}
	if err := s.broadcaster.Publish(ctx, pubsub.UserGroup(msg.UserID), payload); err != nil {
		log.Warnw("failed to publish message update", "message_id", msg.ID, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(string(model.EventMessageUpdate)).Inc()
}

func (s *chatService) recordAudit(ctx context.Context, userID, eventType string, meta model.RequestMeta, metadata map[string]interface{}) {
	if s.audit == nil {
		return
	}
	s.audit.Publish(ctx, model.AuditEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	})
}

// replyStream 给同一条回复的事件编号并发布到用户分组。发布失败只记录日志：
// 没有订阅者或广播失败都不影响记录的终态。
type replyStream struct {
	broadcaster pubsub.Broadcaster
	group       string
	messageID   string
	seq         int
}

func (s *chatService) newReplyStream(userID, messageID string) *replyStream {
	return &replyStream{
		broadcaster: s.broadcaster,
		group:       pubsub.UserGroup(userID),
		messageID:   messageID,
	}
}

func (r *replyStream) publish(ctx context.Context, ev model.StreamEvent) {
	r.seq++
	ev.MessageID = r.messageID
	ev.Seq = r.seq

	payload, err := model.NewEnvelope(model.KindStreamMessage, ev)
	if err != nil {
		log.Errorf("failed to encode stream event: %v", err)
		return
	}
	if err := r.broadcaster.Publish(ctx, r.group, payload); err != nil {
		log.Warnw("failed to publish stream event", "message_id", r.messageID, "type", ev.Type, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

// normalizeReply 折叠空白并按字符数截断；超长的回复不算失败。
func normalizeReply(reply string, maxLength int) string {
	reply = strings.Join(strings.Fields(reply), " ")
	if maxLength > 0 && utf8.RuneCountInString(reply) > maxLength {
		reply = string([]rune(reply)[:maxLength])
	}
	return reply
}

func resolveLocale(language string, user *model.User) string {
	if language != "" {
		return language
	}
	if user != nil && user.PreferredLanguage != "" {
		return user.PreferredLanguage
	}
	return "en"
}
