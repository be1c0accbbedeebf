// Package workflow provides a client for the external reply-generation workflow.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"neora-go/internal/config"
	"neora-go/pkg/log"
	"neora-go/pkg/metrics"
)

// Kind selects the request body shape.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
)

// Fallback replies returned instead of an error when the upstream answered
// but gave nothing usable, so the pipeline can still finish with done.
const (
	EmptyReplyFallback   = "I received your message but got no response from the AI service. This might be a configuration issue."
	InvalidReplyFallback = "I apologize, but I received an invalid response from the AI service. Please try again."
	NoReplyFallback      = "I apologize, but I couldn't generate a response at the moment. Please try again."
)

// CorrelationHeader carries the per-call correlation id.
const CorrelationHeader = "X-Request-ID"

const maxResponseBytes = 4 << 20

// Audio is the raw payload of a voice submission.
type Audio struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Request is one reply-generation call.
type Request struct {
	UserID   string
	Message  string
	Locale   string
	Timezone string
	Kind     Kind
	Audio    *Audio
}

// Client defines the interface for a workflow client.
type Client interface {
	// Invoke blocks until the workflow answers. Only timeouts, transport
	// failures and non-2xx statuses are returned as errors.
	Invoke(ctx context.Context, req Request) (string, error)
}

type httpClient struct {
	cfg    config.WorkflowConfig
	client *http.Client
}

// NewClient creates a workflow client with split connect and read budgets.
func NewClient(cfg config.WorkflowConfig) Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
	var total time.Duration
	if cfg.ConnectTimeout > 0 && cfg.ReadTimeout > 0 {
		total = cfg.ConnectTimeout + cfg.ReadTimeout
	}
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: total},
	}
}

type textPayload struct {
	UserID      string   `json:"user_id"`
	Message     string   `json:"message"`
	MessageType Kind     `json:"message_type"`
	Language    string   `json:"language"`
	Metadata    metadata `json:"metadata"`
}

type metadata struct {
	Locale      string `json:"locale"`
	Timezone    string `json:"timezone"`
	Source      string `json:"source"`
	AudioFormat string `json:"audio_format,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
}

func (c *httpClient) Invoke(ctx context.Context, req Request) (string, error) {
	if c.cfg.URL == "" {
		log.Warnw("workflow url not configured, using mock response", "user_id", req.UserID)
		return "Mock response to: " + req.Message, nil
	}
	if req.Kind == "" {
		req.Kind = KindText
	}
	if req.Timezone == "" {
		req.Timezone = c.cfg.Timezone
	}

	correlationID := uuid.NewString()
	started := time.Now()
	log.Infow("sending request to workflow",
		"correlation_id", correlationID,
		"user_id", req.UserID,
		"message_length", len(req.Message),
		"locale", req.Locale,
		"message_type", req.Kind,
	)

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		metrics.ObserveWorkflow("error", started)
		return "", &Error{Kind: ErrUpstreamError, CorrelationID: correlationID, Err: err}
	}
	httpReq.Header.Set(CorrelationHeader, correlationID)
	c.authenticate(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		kind := ErrUpstreamError
		if isTimeout(err) {
			kind = ErrUpstreamTimeout
		}
		metrics.ObserveWorkflow(outcome(kind), started)
		log.Errorw("workflow call failed", "correlation_id", correlationID, "user_id", req.UserID, "error", err)
		return "", &Error{Kind: kind, CorrelationID: correlationID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		kind := ErrUpstreamError
		if isTimeout(err) {
			kind = ErrUpstreamTimeout
		}
		metrics.ObserveWorkflow(outcome(kind), started)
		return "", &Error{Kind: kind, CorrelationID: correlationID, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveWorkflow("error", started)
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		log.Errorw("workflow returned non-2xx status", "correlation_id", correlationID, "status", resp.StatusCode, "body", snippet)
		return "", &Error{Kind: ErrUpstreamError, CorrelationID: correlationID, StatusCode: resp.StatusCode, Err: errors.New(snippet)}
	}

	reply, strategy, err := ExtractReply(body)
	if err != nil {
		metrics.ObserveWorkflow("malformed", started)
		log.Warnw("workflow response had no usable reply", "correlation_id", correlationID, "error", err)
		return fallbackFor(body), nil
	}

	metrics.ObserveWorkflow("ok", started)
	log.Infow("received reply from workflow",
		"correlation_id", correlationID,
		"reply_length", len(reply),
		"strategy", strategy,
	)
	return reply, nil
}

func (c *httpClient) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	meta := metadata{Locale: req.Locale, Timezone: req.Timezone, Source: c.cfg.Source}

	if req.Kind == KindVoice && req.Audio != nil {
		meta.AudioFormat = audioFormat(req.Audio.Filename)
		meta.Encoding = "binary"
		body, contentType, err := multipartBody(req, meta)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create workflow request: %w", err)
		}
		httpReq.Header.Set("Content-Type", contentType)
		return httpReq, nil
	}

	reqBytes, err := json.Marshal(textPayload{
		UserID:      req.UserID,
		Message:     req.Message,
		MessageType: req.Kind,
		Language:    req.Locale,
		Metadata:    meta,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func multipartBody(req Request, meta metadata) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	filename := req.Audio.Filename
	if filename == "" {
		filename = "voice_message.webm"
	}
	contentType := req.Audio.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio_file"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create audio part: %w", err)
	}
	if _, err := part.Write(req.Audio.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio part: %w", err)
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	fields := [][2]string{
		{"user_id", req.UserID},
		{"message_type", string(req.Kind)},
		{"language", req.Locale},
		{"metadata", string(metaBytes)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

func (c *httpClient) authenticate(req *http.Request) {
	if user, pw, ok := strings.Cut(c.cfg.BasicAuth, ":"); ok {
		req.SetBasicAuth(user, pw)
	}
	if c.cfg.APIKeyHeader != "" && c.cfg.APIKeyValue != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKeyValue)
	}
}

// fallbackFor picks the apology matching how the body was unusable.
func fallbackFor(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return EmptyReplyFallback
	}
	if !json.Valid(trimmed) {
		return InvalidReplyFallback
	}
	return NoReplyFallback
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func outcome(kind error) string {
	if kind == ErrUpstreamTimeout {
		return "timeout"
	}
	return "error"
}

func audioFormat(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return "webm"
	}
	return ext
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
