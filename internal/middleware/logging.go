package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"neora-go/pkg/log"
)

const maxLoggedBody = 4 << 10

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 实现了 io.Writer 接口，将响应写入 gin.ResponseWriter 和一个内部的 buffer
func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。
// multipart 请求体（语音上传）只记录大小；WebSocket 握手不包装 ResponseWriter。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		if isWebSocket(c) {
			c.Next()
			log.Infow("WebSocket handshake",
				"statusCode", c.Writer.Status(),
				"clientIP", c.ClientIP(),
				"path", c.Request.URL.Path,
			)
			return
		}

		var requestBody string
		if c.Request.Body != nil {
			if strings.HasPrefix(c.ContentType(), "multipart/") {
				requestBody = "<multipart body>"
			} else {
				raw, _ := io.ReadAll(c.Request.Body)
				// 将读取的请求体重新设置回 c.Request.Body，以便后续处理函数可以正常读取
				c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))
				requestBody = truncate(string(raw))
			}
		}

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"contentLength", c.Request.ContentLength,
			"requestBody", requestBody,
			"responseBody", truncate(blw.body.String()),
		)
	}
}

func isWebSocket(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func truncate(s string) string {
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody] + "...(truncated)"
	}
	return s
}
