// Package handler 提供 HTTP 请求处理器
// 本文件处理消息相关的 API 请求，WebSocket 之外的补充入口
package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"kama_relay_server/internal/dto/request"
	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/infrastructure/middleware"
	"kama_relay_server/internal/service"
	"kama_relay_server/pkg/errorx"
)

// MessageHandler 消息请求处理器
type MessageHandler struct {
	msgSvc service.MessageService
}

// NewMessageHandler 创建消息处理器实例
func NewMessageHandler(msgSvc service.MessageService) *MessageHandler {
	return &MessageHandler{msgSvc: msgSvc}
}

// Send 发送加密消息（与 WebSocket send 帧语义一致）
// POST /api/messages
// 请求体: request.SendMessageRequest
// 响应: respond.Ack
func (h *MessageHandler) Send(c *gin.Context) {
	var req request.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleParamError(c, err)
		return
	}
	ack, err := h.msgSvc.Send(c.Request.Context(), middleware.Identity(c), &req)
	if err != nil {
		HandleError(c, err)
		return
	}
	HandleSuccess(c, ack)
}

// History 历史消息，倒序分页
// GET /api/chats/:chatId/messages?cursor=&limit=
func (h *MessageHandler) History(c *gin.Context) {
	var req request.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		HandleParamError(c, err)
		return
	}
	data, err := h.msgSvc.History(c.Request.Context(), middleware.Identity(c), c.Param("chatId"), req.Cursor, req.Limit)
	if err != nil {
		HandleError(c, err)
		return
	}
	HandleSuccess(c, data)
}

// Since 按 seq 补齐
// GET /api/chats/:chatId/messages/since?after_seq=&limit=
func (h *MessageHandler) Since(c *gin.Context) {
	var req request.SinceRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		HandleParamError(c, err)
		return
	}
	data, err := h.msgSvc.Resync(c.Request.Context(), middleware.Identity(c), c.Param("chatId"), req.AfterSeq, req.Limit)
	if err != nil {
		HandleError(c, err)
		return
	}
	HandleSuccess(c, data)
}

// Unread 未读数
// GET /api/chats/:chatId/unread
func (h *MessageHandler) Unread(c *gin.Context) {
	data, err := h.msgSvc.UnreadCount(c.Request.Context(), middleware.Identity(c), c.Param("chatId"))
	if err != nil {
		HandleError(c, err)
		return
	}
	HandleSuccess(c, data)
}

// MarkRead 标记已读
// POST /api/messages/:messageId/read
func (h *MessageHandler) MarkRead(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	d, err := h.msgSvc.MarkRead(c.Request.Context(), middleware.Identity(c), id)
	if err != nil {
		HandleError(c, err)
		return
	}
	data := respond.ReadEvent{MessageID: d.MessageID, ChatID: d.ChatID, Identity: d.Identity}
	if d.ReadAt != nil {
		data.ReadAt = *d.ReadAt
	}
	HandleSuccess(c, data)
}

// Delete 撤回消息，只有原发送者可以操作
// DELETE /api/messages/:messageId
func (h *MessageHandler) Delete(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	env, err := h.msgSvc.Delete(c.Request.Context(), middleware.Identity(c), id)
	if err != nil {
		HandleError(c, err)
		return
	}
	data := respond.DeletedEvent{MessageID: env.ID, ChatID: env.ChatID}
	if env.DeletedAt != nil {
		data.DeletedAt = *env.DeletedAt
	}
	HandleSuccess(c, data)
}

// messageID 解析路径中的消息 ID，失败时已写回响应
func messageID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil || id <= 0 {
		HandleError(c, errorx.Newf(errorx.CodeInvalidParam, "invalid message id %q", c.Param("messageId")))
		return 0, false
	}
	return id, true
}
