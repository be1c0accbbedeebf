package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neora-go/internal/service"
	"neora-go/pkg/workflow"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.accessToken(t))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, "application/json", strings.NewReader(body))
}

func decode(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestMessageHandler_SendAndList(t *testing.T) {
	ts := newTestServer(t)
	ts.wf.reply = "hello back"

	resp := ts.postJSON(t, "/api/v1/messages", `{"text":"  hello   world "}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	env := decode(t, resp)

	var sub struct {
		UserMessage      map[string]interface{} `json:"user_message"`
		AssistantMessage map[string]interface{} `json:"assistant_message"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sub))
	assert.Equal(t, "hello world", sub.UserMessage["text"])
	assert.Equal(t, "user", sub.UserMessage["role"])
	assert.Equal(t, "done", sub.AssistantMessage["status"])
	assert.Equal(t, "hello back", sub.AssistantMessage["text"])
	assert.Nil(t, sub.AssistantMessage["audio_url"])
	assert.NotContains(t, sub.UserMessage, "user_id")

	env = decode(t, ts.do(t, http.MethodGet, "/api/v1/messages?limit=1", "", nil))
	var page struct {
		Results []map[string]interface{} `json:"results"`
		Count   int                      `json:"count"`
		Next    interface{}              `json:"next"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Results, 1)
	assert.Equal(t, 1, page.Count)
	assert.Nil(t, page.Next)
	assert.Equal(t, "assistant", page.Results[0]["role"], "newest first")

	cursor := page.Results[0]["created_at"].(string)
	env = decode(t, ts.do(t, http.MethodGet, "/api/v1/messages?before="+cursor, "", nil))
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Results, 1)
	assert.Equal(t, "user", page.Results[0]["role"])
}

func TestMessageHandler_UpstreamFailureStillCreated(t *testing.T) {
	ts := newTestServer(t)
	ts.wf.err = &workflow.Error{Kind: workflow.ErrUpstreamTimeout}

	env := decode(t, ts.postJSON(t, "/api/v1/messages", `{"text":"hi"}`))
	assert.Equal(t, http.StatusCreated, env.Code)

	var sub struct {
		AssistantMessage map[string]interface{} `json:"assistant_message"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sub))
	assert.Equal(t, "error", sub.AssistantMessage["status"])
	assert.Equal(t, service.TextFailureReply, sub.AssistantMessage["text"])
}

func TestMessageHandler_Validation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/api/v1/messages", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = ts.postJSON(t, "/api/v1/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/v1/messages", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func multipartAudio(t *testing.T, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("audio_file", "clip.webm")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.WriteField("language", "ar"))
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestMessageHandler_SendVoice(t *testing.T) {
	ts := newTestServer(t)
	ts.wf.reply = "voice reply"

	body, ct := multipartAudio(t, []byte("RIFF"))
	resp := ts.do(t, http.MethodPost, "/api/v1/voice", ct, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	env := decode(t, resp)

	var sub struct {
		UserMessage      map[string]interface{} `json:"user_message"`
		AssistantMessage map[string]interface{} `json:"assistant_message"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sub))
	assert.Equal(t, service.VoicePlaceholder, sub.UserMessage["text"])
	assert.Equal(t, "voice reply", sub.AssistantMessage["text"])

	body, ct = multipartAudio(t, bytes.Repeat([]byte("x"), 17))
	resp = ts.do(t, http.MethodPost, "/api/v1/voice", ct, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/voice", "application/json", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestMessageHandler_Clear(t *testing.T) {
	ts := newTestServer(t)
	ts.wf.reply = "ok"
	resp := ts.postJSON(t, "/api/v1/messages", `{"text":"one"}`)
	resp.Body.Close()

	env := decode(t, ts.do(t, http.MethodDelete, "/api/v1/messages/clear", "", nil))
	assert.JSONEq(t, `{"deleted_count":2}`, string(env.Data))

	env = decode(t, ts.do(t, http.MethodGet, "/api/v1/messages", "", nil))
	assert.JSONEq(t, `{"results":[],"count":0,"next":null}`, string(env.Data))
}
