package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"kama_relay_server/internal/dto/request"
	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/service/registry"
	"kama_relay_server/pkg/errorx"
)

// conn 一条 WebSocket 连接
// 读协程解析并分发客户端帧，写协程独占 ws 的写端
type conn struct {
	g       *Gateway
	ws      *websocket.Conn
	s       *registry.Session
	limiter *rate.Limiter
	// inflight 限制单会话并发的异步操作，满时阻塞读循环形成背压
	inflight *semaphore.Weighted
}

func newConn(g *Gateway, ws *websocket.Conn, s *registry.Session) *conn {
	return &conn{
		g:        g,
		ws:       ws,
		s:        s,
		limiter:  newLimiter(g.opts.RateBurst, g.opts.RateRefill),
		inflight: semaphore.NewWeighted(int64(g.opts.MaxInFlightSends)),
	}
}

// newLimiter burst 个令牌在 refill 内补满；burst <= 0 时不限速
func newLimiter(burst int, refill time.Duration) *rate.Limiter {
	if burst <= 0 || refill <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(refill/time.Duration(burst)), burst)
}

func (c *conn) extendDeadline() {
	if c.g.opts.HeartbeatTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.g.opts.HeartbeatTimeout))
	}
}

// readPump 读循环，退出时释放会话
func (c *conn) readPump() {
	defer c.g.wg.Done()
	defer c.release()

	if c.g.opts.MaxFrameBytes > 0 {
		c.ws.SetReadLimit(c.g.opts.MaxFrameBytes)
	}
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.s.Touch()
		c.extendDeadline()
		if err := c.g.presence.Heartbeat(c.g.base, c.s.Identity, c.s.Chats()); err != nil {
			zap.L().Debug("presence heartbeat failed", zap.String("identity", c.s.Identity), zap.Error(err))
		}
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.s.Closed() {
				zap.L().Warn("ws read error", zap.String("identity", c.s.Identity), zap.Error(err))
			}
			return
		}
		c.s.Touch()
		c.extendDeadline()

		var f request.ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.g.relay.PushError(c.s, "", errorx.Wrap(err, errorx.CodeInvalidParam, "malformed frame"))
			continue
		}
		if !c.dispatch(&f) {
			return
		}
	}
}

// dispatch 按帧类型处理；返回 false 表示网关正在关闭
func (c *conn) dispatch(f *request.ClientFrame) bool {
	relay, identity := c.g.relay, c.s.Identity
	ctx := c.g.base

	switch f.Type {
	case request.FrameSend:
		var req request.SendMessageRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			relay.PushError(c.s, "", errorx.Wrap(err, errorx.CodeInvalidParam, "malformed send frame"))
			return true
		}
		if !c.limiter.Allow() {
			relay.PushError(c.s, req.ClientToken, errorx.ErrRateLimited)
			return true
		}
		return c.async(func() {
			ack, err := relay.Send(ctx, identity, &req)
			if err != nil {
				relay.PushError(c.s, req.ClientToken, err)
				return
			}
			relay.Push(c.s, respond.FrameAck, ack)
		})

	case request.FrameHeartbeat:
		var req request.HeartbeatRequest
		if c.decode(f.Data, &req) {
			if err := c.g.presence.Heartbeat(ctx, identity, req.ActiveChats); err != nil {
				zap.L().Warn("presence heartbeat failed", zap.String("identity", identity), zap.Error(err))
			}
		}

	case request.FrameSubscribe:
		var req request.ChatRequest
		if c.decode(f.Data, &req) {
			if err := relay.SubscribeSession(ctx, c.s, req.ChatID); err != nil {
				relay.PushError(c.s, "", err)
			}
		}

	case request.FrameUnsubscribe:
		var req request.ChatRequest
		if c.decode(f.Data, &req) {
			relay.UnsubscribeSession(c.s, req.ChatID)
		}

	case request.FrameTyping:
		var req request.TypingRequest
		if c.decode(f.Data, &req) {
			if err := relay.SetTyping(ctx, c.s, req.ChatID, req.IsTyping); err != nil {
				relay.PushError(c.s, "", err)
			}
		}

	case request.FrameAck:
		var req request.MessageRefRequest
		if c.decode(f.Data, &req) {
			return c.async(func() {
				if err := relay.MarkDelivered(ctx, identity, req.MessageID); err != nil {
					zap.L().Debug("mark delivered failed", zap.Int64("message_id", req.MessageID), zap.Error(err))
				}
			})
		}

	case request.FrameRead:
		var req request.MessageRefRequest
		if c.decode(f.Data, &req) {
			return c.async(func() {
				if _, err := relay.MarkRead(ctx, identity, req.MessageID); err != nil {
					relay.PushError(c.s, "", err)
				}
			})
		}

	case request.FrameResync:
		var req request.ResyncRequest
		if c.decode(f.Data, &req) {
			return c.async(func() {
				page, err := relay.Resync(ctx, identity, req.ChatID, req.AfterSeq, req.Limit)
				if err != nil {
					relay.PushError(c.s, "", err)
					return
				}
				relay.Push(c.s, respond.FrameResync, page)
			})
		}

	default:
		relay.PushError(c.s, "", errorx.Newf(errorx.CodeInvalidParam, "unknown frame type %q", f.Type))
	}
	return true
}

// decode 解析并校验帧数据，失败时回 error 帧
func (c *conn) decode(raw json.RawMessage, obj any) bool {
	if err := json.Unmarshal(raw, obj); err != nil {
		c.g.relay.PushError(c.s, "", errorx.Wrap(err, errorx.CodeInvalidParam, "malformed frame data"))
		return false
	}
	if err := c.g.relay.Validate(obj); err != nil {
		c.g.relay.PushError(c.s, "", err)
		return false
	}
	return true
}

// async 占用一个并发槽位后在新协程执行 fn
// 槽位耗尽时阻塞读循环；只有网关关闭才会返回 false
func (c *conn) async(fn func()) bool {
	if err := c.inflight.Acquire(c.g.base, 1); err != nil {
		return false
	}
	c.g.wg.Add(1)
	go func() {
		defer c.g.wg.Done()
		defer c.inflight.Release(1)
		fn()
	}()
	return true
}

// writePump 写循环：出站队列、定时 ping、会话关闭
func (c *conn) writePump() {
	defer c.g.wg.Done()
	ticker := time.NewTicker(c.pingInterval())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.s.Outbound():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.g.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				zap.L().Debug("ws write failed", zap.String("identity", c.s.Identity), zap.Error(err))
				c.s.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.g.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.s.Close()
				return
			}
		case <-c.s.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.g.opts.WriteWait))
			return
		}
	}
}

func (c *conn) pingInterval() time.Duration {
	if c.g.opts.HeartbeatInterval > 0 {
		return c.g.opts.HeartbeatInterval
	}
	return 25 * time.Second
}

// release 会话关闭：退订、移出登记表，身份在本实例没有其他会话时标记离线
func (c *conn) release() {
	c.s.Close()
	c.g.relay.DetachSession(c.s)
	if c.g.reg.CountFor(c.s.Identity) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), c.g.opts.WriteWait)
		defer cancel()
		if err := c.g.presence.MarkOffline(ctx, c.s.Identity); err != nil {
			zap.L().Warn("presence offline failed", zap.String("identity", c.s.Identity), zap.Error(err))
		}
	}
	zap.L().Info("ws连接断开", zap.String("identity", c.s.Identity), zap.String("session_id", c.s.ID))
}
