// Package handler 提供 HTTP 请求处理器
// 本文件处理 WebSocket 连接入口
package handler

import (
	"github.com/gin-gonic/gin"

	"kama_relay_server/internal/gateway/websocket"
)

// WsHandler WebSocket 入口
type WsHandler struct {
	gw *websocket.Gateway
}

// NewWsHandler 创建 WebSocket 处理器实例
func NewWsHandler(gw *websocket.Gateway) *WsHandler {
	return &WsHandler{gw: gw}
}

// Connect 升级 HTTP 连接为 WebSocket
// GET /wss?token=xxx
// 功能:
//   - 验证身份令牌，失败返回 401
//   - 单身份连接数或进程容量超限返回 429 / 503
//   - 登记会话并开始收发帧
func (h *WsHandler) Connect(c *gin.Context) {
	h.gw.ServeWS(c)
}
