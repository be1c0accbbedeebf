package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"neora-go/internal/model"
)

// ContextUserKey 是认证后 *model.User 在 gin.Context 中的键。
const ContextUserKey = "user"

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头或 cookie 中提取 access token，并将完整的 User 对象存入 Gin 的上下文中。
func AuthMiddleware(resolver *CredentialResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := resolver.Authenticate(c.Request)
		if identity == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
			return
		}

		c.Set(ContextUserKey, identity.User)
		c.Next()
	}
}

// CurrentUser 取出 AuthMiddleware 存入的用户。
func CurrentUser(c *gin.Context) (*model.User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*model.User)
	return user, ok && user != nil
}
