package handler

import (
	"github.com/gin-gonic/gin"

	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/service"
)

// PresenceHandler 在线状态查询
type PresenceHandler struct {
	statusSvc service.PresenceService
}

// NewPresenceHandler 创建在线状态处理器实例
func NewPresenceHandler(statusSvc service.PresenceService) *PresenceHandler {
	return &PresenceHandler{statusSvc: statusSvc}
}

// Get 查询身份当前状态，at 为最近一次心跳时间
// GET /api/presence/:identity
func (h *PresenceHandler) Get(c *gin.Context) {
	identity := c.Param("identity")
	status, at := h.statusSvc.Lookup(identity)
	HandleSuccess(c, respond.PresenceEvent{Identity: identity, Status: string(status), At: at})
}
