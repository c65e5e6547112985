package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origin 校验 websocket 握手的 Origin；allowed 为空时放行所有来源
func Origin(path string, allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet && c.Request.URL.Path == path && !OriginAllowed(c.Request, allowed) {
			c.AbortWithStatus(http.StatusForbidden)
		}
	}
}

func OriginAllowed(r *http.Request, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// 非浏览器客户端
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, u.Host) || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
