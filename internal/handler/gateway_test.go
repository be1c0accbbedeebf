package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neora-go/internal/model"
	"neora-go/pkg/pubsub"
)

func TestGateway_AnonymousStreamGetsOneConnectionFrame(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/stream?token=garbage", nil)

	frame := readJSON(t, conn)
	assert.Equal(t, "connection", frame["type"])
	assert.Equal(t, "connected", frame["status"])
	assert.Equal(t, true, frame["anonymous"])
	assert.Equal(t, "WebSocket connection established (anonymous)", frame["message"])
	assert.Equal(t, 0, ts.bus.Members(pubsub.UserGroup(ts.user.ID)))

	// 匿名连接不属于任何分组，发布到用户分组的事件不会到达
	payload, err := model.NewEnvelope(model.KindStreamMessage, model.StreamEvent{Type: model.EventDone, MessageID: "m-1", Seq: 1})
	require.NoError(t, err)
	require.NoError(t, ts.bus.Publish(context.Background(), pubsub.UserGroup(ts.user.ID), payload))
	expectSilence(t, conn)
}

func TestGateway_PingPong(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/stream", nil)
	readJSON(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":1234}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","timestamp":1234}`, string(raw))
	expectSilence(t, conn)
}

func TestGateway_SubscribeAndUnknownFrames(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/stream", ts.cookieHeader(t))
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))
	frame := readJSON(t, conn)
	assert.Equal(t, "subscribed", frame["type"])
	assert.Equal(t, "Subscribed to assistant responses", frame["message"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "dance"}))
	frame = readJSON(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Unknown message type: dance", frame["message"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame = readJSON(t, conn)
	assert.Equal(t, "error", frame["type"])

	// 连接仍然可用
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping", "timestamp": "t-1"}))
	frame = readJSON(t, conn)
	assert.Equal(t, "pong", frame["type"])
	assert.Equal(t, "t-1", frame["timestamp"])
}

func TestGateway_AuthenticatedRelay(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/stream", ts.cookieHeader(t))

	frame := readJSON(t, conn)
	assert.Equal(t, false, frame["anonymous"])
	assert.Equal(t, 1, ts.bus.Members(pubsub.UserGroup(ts.user.ID)))

	ctx := context.Background()
	group := pubsub.UserGroup(ts.user.ID)

	delta := model.StreamEvent{Type: model.EventDelta, Data: "hello ", MessageID: "m-1", Seq: 1}
	payload, err := model.NewEnvelope(model.KindStreamMessage, delta)
	require.NoError(t, err)
	require.NoError(t, ts.bus.Publish(ctx, group, payload))

	update := map[string]string{"id": "m-0", "status": "done"}
	payload, err = model.NewEnvelope(model.KindMessageUpdate, update)
	require.NoError(t, err)
	require.NoError(t, ts.bus.Publish(ctx, group, payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	want, err := json.Marshal(delta)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(raw), "stream events are forwarded verbatim")

	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message_update","data":{"id":"m-0","status":"done"}}`, string(raw))
}

func TestGateway_QueryTokenAuthenticates(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/stream?token="+ts.accessToken(t), nil)

	frame := readJSON(t, conn)
	assert.Equal(t, false, frame["anonymous"])
}

func TestGateway_TeardownLeavesGroup(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/stream", ts.cookieHeader(t))
	readJSON(t, conn)
	group := pubsub.UserGroup(ts.user.ID)
	require.Equal(t, 1, ts.bus.Members(group))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return ts.bus.Members(group) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_ChatRejectsAnonymous(t *testing.T) {
	ts := newTestServer(t)
	conn, _, err := ts.dialRaw("/ws/chat", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnauthenticated, closeErr.Code)
}

func TestGateway_ChatEcho(t *testing.T) {
	ts := newTestServer(t)
	first := ts.dial(t, "/ws/chat", ts.cookieHeader(t))
	second := ts.dial(t, "/ws/chat", ts.cookieHeader(t))
	readJSON(t, first)
	readJSON(t, second)

	require.NoError(t, first.WriteJSON(map[string]interface{}{"type": "chat_message", "message": "hey", "timestamp": 42}))

	for _, conn := range []*websocket.Conn{first, second} {
		frame := readJSON(t, conn)
		assert.Equal(t, "chat_message", frame["type"])
		assert.Equal(t, "hey", frame["message"])
		assert.Equal(t, ts.user.Email, frame["user"])
		assert.Equal(t, float64(42), frame["timestamp"])
	}

	// chat 模式不认 subscribe
	require.NoError(t, first.WriteJSON(map[string]string{"type": "subscribe"}))
	frame := readJSON(t, first)
	assert.Equal(t, "error", frame["type"])
}

func TestGateway_SubmissionStreamsToConnection(t *testing.T) {
	ts := newTestServer(t)
	ts.wf.reply = "a b c d e"
	conn := ts.dial(t, "/ws/stream", ts.cookieHeader(t))
	readJSON(t, conn)

	resp := ts.postJSON(t, "/api/v1/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var got []string
	var types []string
	for i := 0; i < 4; i++ {
		frame := readJSON(t, conn)
		types = append(types, frame["type"].(string))
		if d, ok := frame["data"].(string); ok {
			got = append(got, d)
		}
	}
	assert.Equal(t, []string{"delta", "delta", "delta", "done"}, types)
	assert.Equal(t, []string{"a b ", "c d ", "e"}, got)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})
	req, _ := http.NewRequest(http.MethodGet, "/ws/stream", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker(nil)(req))
}
