// Package router 提供 HTTP 路由注册
// 本文件是路由注册的入口，聚合所有子模块的路由
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"kama_relay_server/internal/handler"
	"kama_relay_server/internal/infrastructure/middleware"
	"kama_relay_server/internal/service/auth"
)

// Router 路由管理器，持有 Handler 聚合和认证依赖
type Router struct {
	handlers *handler.Handlers
	verifier auth.Verifier
}

// NewRouter 创建路由管理器
func NewRouter(handlers *handler.Handlers, verifier auth.Verifier) *Router {
	return &Router{handlers: handlers, verifier: verifier}
}

// RegisterRoutes 注册所有路由
// 在 https_server.Init() 中调用
func (rt *Router) RegisterRoutes(r *gin.Engine) {
	// 健康检查（无需认证）
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// WebSocket 自己校验令牌（浏览器无法给 WebSocket 设置 Header，支持 query 传参）
	rt.RegisterWebSocketRoutes(&r.RouterGroup)

	// 需要认证的接口
	api := r.Group("/api")
	api.Use(middleware.JWTAuth(rt.verifier))
	rt.RegisterMessageRoutes(api)
	rt.RegisterPresenceRoutes(api)
}
