// Package router 提供 HTTP 路由注册
// 本文件定义消息与在线状态相关的路由
package router

import (
	"github.com/gin-gonic/gin"
)

// RegisterMessageRoutes 注册消息相关路由（需要认证）
// 包括发送、历史查询、缺口补齐、已读和撤回
func (rt *Router) RegisterMessageRoutes(rg *gin.RouterGroup) {
	messageGroup := rg.Group("/messages")
	{
		messageGroup.POST("", rt.handlers.Message.Send)                    // 发送加密消息
		messageGroup.POST("/:messageId/read", rt.handlers.Message.MarkRead) // 标记已读
		messageGroup.DELETE("/:messageId", rt.handlers.Message.Delete)      // 撤回
	}
	chatGroup := rg.Group("/chats/:chatId")
	{
		chatGroup.GET("/messages", rt.handlers.Message.History)     // 历史消息
		chatGroup.GET("/messages/since", rt.handlers.Message.Since) // 按 seq 补齐
		chatGroup.GET("/unread", rt.handlers.Message.Unread)        // 未读数
	}
}

// RegisterPresenceRoutes 注册在线状态路由（需要认证）
func (rt *Router) RegisterPresenceRoutes(rg *gin.RouterGroup) {
	rg.GET("/presence/:identity", rt.handlers.Presence.Get)
}
