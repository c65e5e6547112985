package middleware

import (
	"github.com/gin-gonic/gin"

	midsec "IMDelivery/middleware/security"
)

// 配置选项
type RouteOpt struct {
	IsAuth bool
	Auth   midsec.CredentialValidator
}

func (o RouteOpt) chain(handler gin.HandlerFunc) []gin.HandlerFunc {
	if o.IsAuth && o.Auth != nil {
		return []gin.HandlerFunc{midsec.Middleware(o.Auth, midsec.DefaultOptions()), handler}
	}
	return []gin.HandlerFunc{handler}
}

// 封装 POST
func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, opt.chain(handler)...)
}

// 封装 GET
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, opt.chain(handler)...)
}

func PUT(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.PUT(path, opt.chain(handler)...)
}

func DELETE(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.DELETE(path, opt.chain(handler)...)
}
