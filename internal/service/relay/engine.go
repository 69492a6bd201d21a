// Package relay 中继引擎
// 每次发送经历 Received -> Authorized -> Persisted -> Published -> Acknowledged，失败进入 Failed(reason)
// 同时负责把总线事件投递给本地会话
package relay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"kama_relay_server/internal/config"
	"kama_relay_server/internal/dao/mysql"
	"kama_relay_server/internal/infrastructure/mq"
	"kama_relay_server/internal/service/presence"
	"kama_relay_server/internal/service/registry"
	"kama_relay_server/pkg/errorx"
)

// Options 引擎参数
type Options struct {
	Origin               string // 本实例 ID
	MaxCiphertextBytes   int
	StoreRetryAttempts   int
	PublishRetryAttempts int
	RetryBase            time.Duration
	RetryMax             time.Duration
	PersistTimeout       time.Duration
}

// OptionsFrom 从配置构造
func OptionsFrom(conf *config.Config, origin string) Options {
	rc := conf.RelayConfig
	return Options{
		Origin:               origin,
		MaxCiphertextBytes:   rc.MaxCiphertextBytes,
		StoreRetryAttempts:   rc.StoreRetryAttempts,
		PublishRetryAttempts: rc.PublishRetryAttempts,
		RetryBase:            config.Millis(rc.RetryBaseInterval),
		RetryMax:             config.Millis(rc.RetryMaxInterval),
		PersistTimeout:       config.Seconds(rc.PersistTimeout),
	}
}

// Deps 引擎依赖
type Deps struct {
	Store    mysql.MessageStore
	Chats    mysql.ChatDirectory
	Bus      mq.Bus
	Registry *registry.Registry
	Presence *presence.Tracker
	Validate *validator.Validate // 为空时使用 NewValidator()
	Trans    ut.Translator       // 可选，用于翻译校验错误
}

// currentReader 带缓存的会话目录（redis.ParticipantCache）提供的回源读取
type currentReader interface {
	CurrentParticipants(ctx context.Context, chatID string) ([]string, error)
}

const lockStripes = 64

// Engine 中继引擎
type Engine struct {
	store    mysql.MessageStore
	chats    mysql.ChatDirectory
	bus      mq.Bus
	registry *registry.Registry
	presence *presence.Tracker
	validate *validator.Validate
	trans    ut.Translator
	opts     Options

	// 同一会话的持久化与发布在本实例内串行，保证发布顺序与提交顺序一致
	chatLocks [lockStripes]sync.Mutex

	subs [lockStripes]*topicSubs
}

// topicSubs 会话主题的本地引用计数
type topicSubs struct {
	mu    sync.Mutex
	count map[string]int
	unsub map[string]func()
}

// New 创建中继引擎，并注册在线状态监听
func New(d Deps, opts Options) *Engine {
	if opts.StoreRetryAttempts <= 0 {
		opts.StoreRetryAttempts = 1
	}
	if opts.PublishRetryAttempts <= 0 {
		opts.PublishRetryAttempts = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 50 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = opts.RetryBase
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	v := d.Validate
	if v == nil {
		v = NewValidator()
	}
	e := &Engine{
		store:    d.Store,
		chats:    d.Chats,
		bus:      d.Bus,
		registry: d.Registry,
		presence: d.Presence,
		validate: v,
		trans:    d.Trans,
		opts:     opts,
	}
	for i := range e.subs {
		e.subs[i] = &topicSubs{count: make(map[string]int), unsub: make(map[string]func())}
	}
	if e.presence != nil {
		e.presence.OnChange(e.onPresenceChange)
	}
	return e
}

// NewValidator 使用 binding 标签和 json 字段名，与 gin 的校验保持一致
func NewValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate 结构校验，失败返回 InvalidParam
func (e *Engine) Validate(obj any) error {
	err := e.validate.Struct(obj)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errorx.Wrap(err, errorx.CodeInvalidParam, "请求参数错误")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if e.trans != nil {
			msgs = append(msgs, fe.Translate(e.trans))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
		}
	}
	sort.Strings(msgs)
	return errorx.New(errorx.CodeInvalidParam, strings.Join(msgs, "; "))
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

func (e *Engine) chatLock(chatID string) *sync.Mutex {
	return &e.chatLocks[stripe(chatID)]
}

func (e *Engine) newBackoff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.RetryBase
	b.MaxInterval = e.opts.RetryMax
	b.MaxElapsedTime = 0 // 由次数和 ctx 限制
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// transient 可以在服务端重试的存储 / 总线错误
func transient(err error) bool {
	var ce *errorx.CodeError
	if !errors.As(err, &ce) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	switch ce.Code {
	case errorx.CodeStoreError, errorx.CodeCapacityExceeded, errorx.CodeDBError,
		errorx.CodeServerBusy, errorx.CodeBusUnavailable:
		return true
	}
	return false
}

// publish 带有限重试的发布，payload 编码为总线事件
func (e *Engine) publish(ctx context.Context, topic, typ string, payload any) error {
	data, err := mq.EncodeEvent(typ, e.opts.Origin, payload)
	if err != nil {
		return err
	}
	op := func() error {
		err := e.bus.Publish(ctx, topic, data)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, e.newBackoff(ctx, e.opts.PublishRetryAttempts), func(err error, d time.Duration) {
		zap.L().Warn("bus publish retry", zap.String("topic", topic), zap.Duration("after", d), zap.Error(err))
	})
}

// detached 不随调用方取消的上下文，用于持久化和发布
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.opts.PersistTimeout)
}
