// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"neora-go/internal/config"
	"neora-go/internal/model"
	"neora-go/internal/repository"
	"neora-go/pkg/log"
	"neora-go/pkg/token"
)

// 凭证来源，用于日志。
const (
	SourceHeader  = "header"
	SourceCookie  = "cookie"
	SourceQuery   = "query"
	SourceRefresh = "refresh"
)

// Identity 是解析成功的调用方。nil 表示匿名。
type Identity struct {
	User   *model.User
	Source string
}

// CredentialResolver 从握手请求中解析调用方身份。
// 任何校验失败都降级为匿名，从不返回错误。
type CredentialResolver struct {
	jwt   *token.JWTManager
	users repository.UserRepository
	cfg   config.JWTConfig
}

// NewCredentialResolver 创建一个新的 CredentialResolver。
func NewCredentialResolver(jwt *token.JWTManager, users repository.UserRepository, cfg config.JWTConfig) *CredentialResolver {
	return &CredentialResolver{jwt: jwt, users: users, cfg: cfg}
}

// Resolve 按顺序尝试：access cookie → 查询参数 → refresh cookie。
// refresh 只在没有任何 access 凭证时使用；access 凭证无效时直接匿名。
func (r *CredentialResolver) Resolve(req *http.Request) *Identity {
	if access, source := r.accessCredential(req); access != "" {
		return r.fromAccess(req, access, source)
	}

	refresh := cookieValue(req, r.cfg.RefreshCookie)
	if refresh == "" {
		return nil
	}
	claims, err := r.jwt.VerifyRefreshToken(refresh)
	if err != nil {
		log.Debugw("refresh credential rejected", "error", err)
		return nil
	}
	return r.lookup(req, claims.UserID, SourceRefresh)
}

// Authenticate 用于 REST 接口：Authorization: Bearer 优先，其次 access cookie。不走 refresh。
func (r *CredentialResolver) Authenticate(req *http.Request) *Identity {
	const bearerPrefix = "Bearer "
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return r.fromAccess(req, strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix)), SourceHeader)
	}
	if access := cookieValue(req, r.cfg.AccessCookie); access != "" {
		return r.fromAccess(req, access, SourceCookie)
	}
	return nil
}

func (r *CredentialResolver) accessCredential(req *http.Request) (string, string) {
	if v := cookieValue(req, r.cfg.AccessCookie); v != "" {
		return v, SourceCookie
	}
	if r.cfg.QueryParam != "" {
		if v := req.URL.Query().Get(r.cfg.QueryParam); v != "" {
			return v, SourceQuery
		}
	}
	return "", ""
}

func (r *CredentialResolver) fromAccess(req *http.Request, raw, source string) *Identity {
	claims, err := r.jwt.VerifyAccessToken(raw)
	if err != nil {
		log.Debugw("access credential rejected", "source", source, "error", err)
		return nil
	}
	return r.lookup(req, claims.UserID, source)
}

// lookup 要求凭证指向的用户仍然存在。
func (r *CredentialResolver) lookup(req *http.Request, userID, source string) *Identity {
	user, err := r.users.FindByID(req.Context(), userID)
	if err != nil {
		log.Debugw("credential user not found", "user_id", userID, "source", source, "error", err)
		return nil
	}
	return &Identity{User: user, Source: source}
}

func cookieValue(req *http.Request, name string) string {
	if name == "" {
		return ""
	}
	c, err := req.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
