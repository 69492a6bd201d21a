// Package websocket 连接网关
// 核心职责：
//  1. 校验身份令牌并在登记表中登记会话（全局容量先于单身份上限检查）
//  2. 升级 WebSocket，每个连接一个读协程一个写协程
//  3. 心跳超时回收与优雅关闭
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kama_relay_server/internal/config"
	"kama_relay_server/internal/service/auth"
	"kama_relay_server/internal/service/registry"
	"kama_relay_server/pkg/errorx"
)

// Options 网关参数
type Options struct {
	HeartbeatInterval time.Duration // ping 间隔，也是回收扫描周期
	HeartbeatTimeout  time.Duration // 超过该时长无任何帧即关闭
	WriteWait         time.Duration
	SendQueueSize     int
	MaxFrameBytes     int64
	MaxInFlightSends  int
	RateBurst         int
	RateRefill        time.Duration // 令牌桶从空到满的时间
}

// OptionsFrom 从配置构造
func OptionsFrom(gc config.GatewayConfig) Options {
	return Options{
		HeartbeatInterval: config.Seconds(gc.HeartbeatInterval),
		HeartbeatTimeout:  config.Seconds(gc.HeartbeatTimeout),
		WriteWait:         10 * time.Second,
		SendQueueSize:     gc.SendQueueSize,
		MaxFrameBytes:     gc.MaxFrameBytes,
		MaxInFlightSends:  gc.MaxInFlightSends,
		RateBurst:         gc.RateLimitBurst,
		RateRefill:        config.Millis(gc.RateLimitRefill),
	}
}

// Gateway WebSocket 网关
type Gateway struct {
	auth     auth.Verifier
	reg      *registry.Registry
	relay    Relay
	presence Presence
	opts     Options
	upgrader websocket.Upgrader

	// base 承载连接内的异步操作，只在关闭时取消；连接断开不影响进行中的发送
	base    context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	mu      sync.Mutex // closing 置位与 wg.Add 互斥，Shutdown 开始等待后不再有新协程
	wg      sync.WaitGroup
}

// NewGateway 创建网关
func NewGateway(verifier auth.Verifier, reg *registry.Registry, relay Relay, presence Presence, opts Options) *Gateway {
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.MaxInFlightSends <= 0 {
		opts.MaxInFlightSends = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Gateway{
		auth:     verifier,
		reg:      reg,
		relay:    relay,
		presence: presence,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			// 前端与后端不同源时浏览器会带 Origin，这里允许任意来源
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		base:   base,
		cancel: cancel,
	}
}

// AcceptConnection 校验令牌并登记会话
// 返回 AuthError / CapacityExceeded / TooManyConnections
func (g *Gateway) AcceptConnection(ctx context.Context, token string) (*registry.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.closing.Load() {
		return nil, errorx.Newf(errorx.CodeCapacityExceeded, "server shutting down")
	}
	identity, err := g.auth.Verify(token)
	if err != nil {
		return nil, err
	}
	s := registry.NewSession(identity, g.opts.SendQueueSize)
	if err := g.reg.Register(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ServeWS 升级 HTTP 连接
// GET /wss?token=xxx，或 Authorization: Bearer xxx
func (g *Gateway) ServeWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	s, err := g.AcceptConnection(c.Request.Context(), token)
	if err != nil {
		zap.L().Info("拒绝 ws 连接", zap.String("remote", c.ClientIP()), zap.Error(err))
		c.AbortWithStatusJSON(refusalStatus(err), gin.H{
			"code": errorx.GetCode(err),
			"msg":  refusalMsg(err),
		})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		zap.L().Warn("ws upgrade failed", zap.String("identity", s.Identity), zap.Error(err))
		s.Close()
		g.relay.DetachSession(s)
		return
	}

	// 接受之后、升级完成之前 Shutdown 可能已经开始
	if !g.track(2) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(g.opts.WriteWait))
		_ = ws.Close()
		s.Close()
		g.relay.DetachSession(s)
		return
	}

	// 先上线再启动读协程，保证 release 中的离线一定在上线之后
	if err := g.presence.Heartbeat(g.base, s.Identity, nil); err != nil {
		zap.L().Warn("presence heartbeat failed", zap.String("identity", s.Identity), zap.Error(err))
	}

	conn := newConn(g, ws, s)
	go conn.writePump()
	go conn.readPump()
	zap.L().Info("ws连接成功", zap.String("identity", s.Identity), zap.String("session_id", s.ID))
}

// Run 周期性回收心跳超时的会话，直到 ctx 结束
func (g *Gateway) Run(ctx context.Context) error {
	interval := g.opts.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Reap(time.Now())
		}
	}
}

// Reap 关闭 now 之前 HeartbeatTimeout 内没有活动的会话，返回关闭数量
func (g *Gateway) Reap(now time.Time) int {
	if g.opts.HeartbeatTimeout <= 0 {
		return 0
	}
	n := 0
	g.reg.Each(func(s *registry.Session) {
		if s.Closed() || now.Sub(s.LastActivity()) <= g.opts.HeartbeatTimeout {
			return
		}
		zap.L().Info("心跳超时，关闭会话", zap.String("identity", s.Identity), zap.String("session_id", s.ID))
		s.Close()
		n++
	})
	return n
}

// track 登记 n 个连接协程；关闭中返回 false
func (g *Gateway) track(n int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing.Load() {
		return false
	}
	g.wg.Add(n)
	return true
}

// Shutdown 拒绝新连接，关闭所有会话并等待读写协程和进行中的发送结束
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing.Store(true)
	g.mu.Unlock()
	g.reg.Each(func(s *registry.Session) { s.Close() })

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	defer g.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func refusalStatus(err error) int {
	switch {
	case errors.Is(err, errorx.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, errorx.ErrTooManyConnections):
		return http.StatusTooManyRequests
	case errors.Is(err, errorx.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// refusalMsg 认证失败不回显底层原因
func refusalMsg(err error) string {
	var ce *errorx.CodeError
	if !errors.As(err, &ce) {
		return errorx.ErrServerBusy.Msg
	}
	if ce.Code == errorx.CodeAuthError {
		return errorx.ErrAuth.Msg
	}
	return strings.TrimSpace(ce.Msg)
}
