package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"neora-go/internal/middleware"
	"neora-go/internal/model"
	"neora-go/pkg/log"
	"neora-go/pkg/metrics"
	"neora-go/pkg/pubsub"
)

// Mode 区分两种连接：stream 总是接受并转发助手回复事件；
// chat 拒绝未认证连接并回显聊天消息。
type Mode string

const (
	ModeStream Mode = "stream"
	ModeChat   Mode = "chat"
)

// CloseUnauthenticated 是 chat 模式拒绝匿名连接时使用的关闭码。
const CloseUnauthenticated = 4001

// IdentityResolver 解析握手请求的调用方，nil 表示匿名。
type IdentityResolver interface {
	Resolve(r *http.Request) *middleware.Identity
}

// GatewayConfig 存储网关的运行参数。
type GatewayConfig struct {
	AllowedOrigins []string
	SendBuffer     int
}

// Gateway 负责处理 WebSocket 连接：解析身份、维护分组成员关系、翻译收发帧。
type Gateway struct {
	resolver    IdentityResolver
	broadcaster pubsub.Broadcaster
	upgrader    websocket.Upgrader
	sendBuffer  int
}

// NewGateway 创建一个新的 Gateway。
func NewGateway(resolver IdentityResolver, broadcaster pubsub.Broadcaster, cfg GatewayConfig) *Gateway {
	return &Gateway{
		resolver:    resolver,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
		sendBuffer: cfg.SendBuffer,
	}
}

// Stream 处理 /ws/stream。
func (g *Gateway) Stream(c *gin.Context) {
	g.serve(c, ModeStream)
}

// Chat 处理 /ws/chat。
func (g *Gateway) Chat(c *gin.Context) {
	g.serve(c, ModeChat)
}

func (g *Gateway) serve(c *gin.Context, mode Mode) {
	// 凭证解析失败不影响握手
	identity := g.resolver.Resolve(c.Request)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}

	if mode == ModeChat && identity == nil {
		msg := websocket.FormatCloseMessage(CloseUnauthenticated, "authentication required")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	var user *model.User
	if identity != nil {
		user = identity.User
	}
	sess := newSession(conn, mode, user, g.sendBuffer)
	metrics.GatewayConnections.WithLabelValues(string(mode)).Inc()
	defer metrics.GatewayConnections.WithLabelValues(string(mode)).Dec()

	// 握手确认先入队，writeLoop 在加入分组后才启动，
	// 客户端收到确认时订阅已经生效，且确认一定是第一帧。
	sess.sendJSON(newConnectionFrame(user == nil))

	ctx := context.Background()
	if user != nil {
		sess.group = groupFor(mode, user.ID)
		if err := g.broadcaster.Subscribe(ctx, sess.group, sess); err != nil {
			log.Errorw("failed to join group", "group", sess.group, "error", err)
			sess.group = ""
		}
		log.Infow("WebSocket 连接已建立", "mode", mode, "user_id", user.ID, "source", identity.Source)
	} else {
		log.Infow("WebSocket 匿名连接已建立", "mode", mode)
	}

	go sess.writeLoop()
	sess.readLoop(func(data []byte) { g.handleFrame(ctx, sess, data) })

	if sess.group != "" {
		if err := g.broadcaster.Unsubscribe(ctx, sess.group, sess); err != nil {
			log.Warnw("failed to leave group", "group", sess.group, "error", err)
		}
	}
	sess.close()
	log.Infow("WebSocket 连接已关闭", "mode", mode, "group", sess.group)
}

func (g *Gateway) handleFrame(ctx context.Context, sess *session, data []byte) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		sess.sendJSON(noticeFrame{Type: model.EventError, Code: codeInvalidJSON, Message: "Invalid JSON format"})
		return
	}

	switch {
	case in.Type == inboundPing:
		sess.sendJSON(pongFrame{Type: model.EventPong, Timestamp: echoTimestamp(in.Timestamp)})
	case in.Type == inboundSubscribe && sess.mode == ModeStream:
		sess.sendJSON(noticeFrame{Type: model.EventSubscribed, Message: "Subscribed to assistant responses"})
	case in.Type == inboundChatMessage && sess.mode == ModeChat:
		g.relayChat(ctx, sess, in)
	default:
		sess.sendJSON(noticeFrame{Type: model.EventError, Code: codeUnknownType, Message: "Unknown message type: " + in.Type})
	}
}

// relayChat 把聊天消息发到发送者的 chat 分组，该用户的所有 chat 连接都会收到。
func (g *Gateway) relayChat(ctx context.Context, sess *session, in inboundFrame) {
	frame := chatFrame{
		Type:      model.EventChatMessage,
		Message:   in.Message,
		User:      sess.user.Email,
		Timestamp: echoTimestamp(in.Timestamp),
	}
	payload, err := model.NewEnvelope(model.KindChatMessage, frame)
	if err != nil {
		log.Errorf("failed to encode chat message: %v", err)
		return
	}
	if sess.group == "" {
		sess.Deliver(payload)
		return
	}
	if err := g.broadcaster.Publish(ctx, sess.group, payload); err != nil {
		log.Warnw("failed to publish chat message, echoing to sender only", "group", sess.group, "error", err)
		sess.Deliver(payload)
		return
	}
	metrics.EventsPublished.WithLabelValues(string(model.EventChatMessage)).Inc()
}

func groupFor(mode Mode, userID string) string {
	if mode == ModeChat {
		return pubsub.ChatGroup(userID)
	}
	return pubsub.UserGroup(userID)
}

// originChecker 在未配置白名单时接受任意来源；没有 Origin 头的非浏览器客户端总是放行。
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
