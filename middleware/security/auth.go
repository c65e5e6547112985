package security

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"IMDelivery/tools/errs"
	sec "IMDelivery/tools/security"
)

// context key
// 后续模块统一用这个 key 读取身份
const (
	PPCtxAuthKey     = "authorization" // string
	PPCtxIdentityKey = "identity"      // sec.Identity
)

type CredentialValidator interface {
	ValidateCredential(ctx context.Context, token string) (sec.Identity, error)
}

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	AllowQueryToken           bool   // ?token=，websocket 客户端无法设置 header 时使用
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               PPCtxAuthKey,
		EnableAuthorizationBearer: true,
	}
}

// ExtractToken 依次读取自定义头、Authorization: Bearer、?token=
func ExtractToken(c *gin.Context, opts *Options) string {
	if opts == nil {
		opts = DefaultOptions()
	}
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	// 兼容 Authorization: Bearer xxx
	if opts.EnableAuthorizationBearer && (token == "" || strings.EqualFold(opts.HeaderToken, "authorization")) {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	if token == "" && opts.AllowQueryToken {
		token = strings.TrimSpace(c.Query("token"))
	}
	return token
}

func Middleware(v CredentialValidator, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := ExtractToken(c, opts)
		if token == "" {
			abort(c, errs.ErrUnauthorized.WithDetail("missing token"))
			return
		}
		id, err := v.ValidateCredential(c.Request.Context(), token)
		if err != nil {
			abort(c, errs.AsCodeError(err))
			return
		}
		c.Set(PPCtxAuthKey, token)
		c.Set(PPCtxIdentityKey, id)
		c.Next()
	}
}

func abort(c *gin.Context, e errs.CodeError) {
	status := http.StatusUnauthorized
	if e.Code == errs.ForbiddenError {
		status = http.StatusForbidden
	}
	c.AbortWithStatusJSON(status, gin.H{"code": e.Code, "message": e.Msg})
}

// IdentityFrom 读取 Middleware 写入的身份
func IdentityFrom(c *gin.Context) (sec.Identity, bool) {
	v, ok := c.Get(PPCtxIdentityKey)
	if !ok {
		return sec.Identity{}, false
	}
	id, ok := v.(sec.Identity)
	return id, ok
}
