package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"neora-go/internal/config"
	"neora-go/internal/middleware"
	"neora-go/internal/model"
	"neora-go/internal/repository"
	"neora-go/internal/service"
	"neora-go/internal/testutil"
	"neora-go/pkg/pubsub"
	"neora-go/pkg/token"
	"neora-go/pkg/workflow"
)

type stubWorkflow struct {
	reply string
	err   error
}

func (s *stubWorkflow) Invoke(context.Context, workflow.Request) (string, error) {
	return s.reply, s.err
}

type testServer struct {
	srv  *httptest.Server
	bus  *pubsub.MemoryBroadcaster
	jwt  *token.JWTManager
	user *model.User
	wf   *stubWorkflow
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	jwtCfg := config.JWTConfig{AccessCookie: "access_token", RefreshCookie: "refresh_token", QueryParam: "token"}
	jwt := token.NewJWTManager("test-secret", 10*time.Minute, time.Hour)
	resolver := middleware.NewCredentialResolver(jwt, repository.NewUserRepository(db), jwtCfg)
	bus := pubsub.NewMemoryBroadcaster()
	wf := &stubWorkflow{}

	messages := service.NewMessageService(repository.NewMessageRepository(db), 50, 100)
	chat := service.NewChatService(messages, wf, bus, nil, nil, config.StreamConfig{
		WordsPerChunk: 2,
		MaxTextLength: 8000,
		MaxAudioBytes: 16,
	})

	gateway := NewGateway(resolver, bus, GatewayConfig{SendBuffer: 16})
	msgHandler := NewMessageHandler(messages, chat, 16)

	r := gin.New()
	r.GET("/ws/stream", gateway.Stream)
	r.GET("/ws/chat", gateway.Chat)
	api := r.Group("/api/v1", middleware.AuthMiddleware(resolver))
	api.GET("/messages", msgHandler.List)
	api.POST("/messages", msgHandler.Send)
	api.POST("/voice", msgHandler.SendVoice)
	api.DELETE("/messages/clear", msgHandler.Clear)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{
		srv:  srv,
		bus:  bus,
		jwt:  jwt,
		user: testutil.CreateUser(t, db, "a@example.com"),
		wf:   wf,
	}
}

func (ts *testServer) accessToken(t *testing.T) string {
	t.Helper()
	tok, err := ts.jwt.GenerateToken(ts.user.ID, ts.user.Email)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := ts.dialRaw(path, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ts *testServer) dialRaw(path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(u, header)
}

func (ts *testServer) cookieHeader(t *testing.T) http.Header {
	h := http.Header{}
	h.Set("Cookie", "access_token="+ts.accessToken(t))
	return h
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var v map[string]interface{}
	require.NoError(t, conn.ReadJSON(&v))
	return v
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}
