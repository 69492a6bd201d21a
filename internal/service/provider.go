// Package service 提供业务逻辑层
// 本文件实现 Service 层的依赖注入和聚合
package service

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"kama_relay_server/internal/config"
	"kama_relay_server/internal/dao/mysql"
	"kama_relay_server/internal/infrastructure/mq"
	"kama_relay_server/internal/service/auth"
	"kama_relay_server/internal/service/presence"
	"kama_relay_server/internal/service/registry"
	"kama_relay_server/internal/service/relay"
)

// Services 聚合所有 Service 实例
// 作为依赖注入的入口，Handler 层和网关通过它访问各个 Service
type Services struct {
	Auth     *auth.Service      // 身份令牌验证
	Registry *registry.Registry // 会话登记表
	Presence *presence.Tracker  // 在线状态
	Relay    *relay.Engine      // 中继引擎
	Message  MessageService     // Handler 层视图，即 Relay
	Status   PresenceService    // Handler 层视图，即 Presence
}

// Deps 构造 Services 需要的外部依赖
type Deps struct {
	Config   *config.Config
	Origin   string              // 实例 ID
	Store    mysql.MessageStore  // 消息存储
	Chats    mysql.ChatDirectory // 会话目录（通常是带 Redis 缓存的包装）
	Bus      mq.Bus
	Validate *validator.Validate // 与 gin 共用，可为空
	Trans    ut.Translator       // 可为空
}

// NewServices 创建并注入所有 Service 实例
// 依赖注入流程：
//  1. 创建登记表，上限来自网关配置
//  2. 创建在线状态跟踪器，本地是否仍有会话由登记表回答
//  3. 创建中继引擎并挂上在线状态变化的推送
func NewServices(d Deps) *Services {
	gc := d.Config.GatewayConfig
	reg := registry.NewRegistry(gc.MaxConnsPerIdentity, gc.MaxConnections)

	popts := presence.OptionsFrom(d.Config.PresenceConfig)
	popts.LocalActive = func(identity string) bool { return reg.CountFor(identity) > 0 }
	tracker := presence.NewTracker(d.Bus, d.Origin, popts)

	engine := relay.New(relay.Deps{
		Store:    d.Store,
		Chats:    d.Chats,
		Bus:      d.Bus,
		Registry: reg,
		Presence: tracker,
		Validate: d.Validate,
		Trans:    d.Trans,
	}, relay.OptionsFrom(d.Config, d.Origin))

	return &Services{
		Auth:     auth.NewAuthService(),
		Registry: reg,
		Presence: tracker,
		Relay:    engine,
		Message:  engine,
		Status:   tracker,
	}
}
