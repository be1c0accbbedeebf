package handler

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"neora-go/internal/model"
	"neora-go/pkg/log"
	"neora-go/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 64 << 10
)

// session 是一条 WebSocket 连接。所有写操作由 writeLoop 串行完成；
// Deliver 只入队，缓冲满时丢弃该帧。
type session struct {
	conn  *websocket.Conn
	mode  Mode
	user  *model.User // nil 表示匿名
	group string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, mode Mode, user *model.User, buffer int) *session {
	if buffer <= 0 {
		buffer = 64
	}
	return &session{
		conn: conn,
		mode: mode,
		user: user,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Deliver 实现 pubsub.Subscriber。
func (s *session) Deliver(payload []byte) {
	frame, err := relayFrame(payload)
	if err != nil {
		log.Warnw("dropping relay payload", "mode", s.mode, "error", err)
		return
	}
	s.enqueue(frame)
}

func (s *session) enqueue(frame []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- frame:
	case <-s.done:
	default:
		metrics.GatewayDroppedFrames.Inc()
		log.Warnw("send buffer full, dropping frame", "mode", s.mode, "group", s.group)
	}
}

func (s *session) sendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Errorf("failed to encode frame: %v", err)
		return
	}
	s.enqueue(b)
}

// writeLoop 串行写出队列中的帧并定期发送 ping。
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debugw("websocket write failed", "mode", s.mode, "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop 阻塞读取客户端帧直到连接断开。
func (s *session) readLoop(handle func([]byte)) {
	s.conn.SetReadLimit(maxInboundSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
