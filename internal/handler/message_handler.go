// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"neora-go/internal/middleware"
	"neora-go/internal/model"
	"neora-go/internal/service"
	"neora-go/pkg/log"
)

// MessageHandler 处理消息列表、文本与语音提交、清空历史的 REST 请求。
type MessageHandler struct {
	messages      service.MessageService
	chat          service.ChatService
	maxAudioBytes int64
}

// NewMessageHandler 创建一个新的 MessageHandler。
func NewMessageHandler(messages service.MessageService, chat service.ChatService, maxAudioBytes int64) *MessageHandler {
	return &MessageHandler{messages: messages, chat: chat, maxAudioBytes: maxAudioBytes}
}

// SendMessageRequest 是文本提交的请求体。
type SendMessageRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// List 处理 GET /messages?limit=&before=。before 为 RFC 3339 时间，无法解析时忽略。
func (h *MessageHandler) List(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "未认证")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			before = &ts
		} else {
			log.Debugw("ignoring unparsable before cursor", "before", raw)
		}
	}

	msgs, err := h.messages.List(c.Request.Context(), user.ID, before, limit)
	if err != nil {
		log.Errorf("Failed to list messages: %v", err)
		respondError(c, http.StatusInternalServerError, "Failed to retrieve messages")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"results": msgs,
			"count":   len(msgs),
			"next":    nil,
		},
	})
}

// Send 处理 POST /messages，在助手记录到达终态后返回两条记录。
func (h *MessageHandler) Send(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "未认证")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的请求参数")
		return
	}

	sub, err := h.chat.SubmitText(c.Request.Context(), user, req.Text, req.Language, requestMeta(c))
	if err != nil {
		h.submitError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": http.StatusCreated, "message": "success", "data": sub})
}

// SendVoice 处理 POST /voice，multipart 字段 audio_file 与可选的 language。
func (h *MessageHandler) SendVoice(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "未认证")
		return
	}

	fileHeader, err := c.FormFile("audio_file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "缺少 audio_file")
		return
	}
	if h.maxAudioBytes > 0 && fileHeader.Size > h.maxAudioBytes {
		respondError(c, http.StatusBadRequest, service.ErrAudioTooLarge.Error())
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "无法读取 audio_file")
		return
	}
	defer file.Close()

	reader := io.Reader(file)
	if h.maxAudioBytes > 0 {
		reader = io.LimitReader(file, h.maxAudioBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		respondError(c, http.StatusBadRequest, "无法读取 audio_file")
		return
	}

	upload := service.VoiceUpload{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Data:        data,
	}
	sub, err := h.chat.SubmitVoice(c.Request.Context(), user, upload, c.PostForm("language"), requestMeta(c))
	if err != nil {
		h.submitError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": http.StatusCreated, "message": "success", "data": sub})
}

// Clear 处理 DELETE /messages/clear。
func (h *MessageHandler) Clear(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "未认证")
		return
	}

	n, err := h.chat.ClearHistory(c.Request.Context(), user, requestMeta(c))
	if err != nil {
		log.Errorf("Failed to clear messages: %v", err)
		respondError(c, http.StatusInternalServerError, "Failed to clear messages")
		return
	}
	log.Infow("messages cleared", "user_id", user.ID, "deleted_count", n)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"deleted_count": n}})
}

func (h *MessageHandler) submitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyText),
		errors.Is(err, service.ErrTextTooLong),
		errors.Is(err, service.ErrEmptyAudio),
		errors.Is(err, service.ErrAudioTooLarge):
		respondError(c, http.StatusBadRequest, err.Error())
	default:
		log.Errorf("Failed to submit message: %v", err)
		respondError(c, http.StatusInternalServerError, "Failed to process message")
	}
}

func requestMeta(c *gin.Context) model.RequestMeta {
	return model.RequestMeta{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}
