package mq

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"kama_relay_server/internal/config"
	"kama_relay_server/pkg/errorx"
	"kama_relay_server/pkg/util/pool"
)

// KafkaBus 基于 Kafka 的总线
// 所有总线主题共用一个 Kafka topic，总线主题作为消息 key，Hash 分区保证同一主题落在同一分区有序
// 每个实例使用独立的消费组，从而每个实例都能收到全部事件，本地按 key 过滤
type KafkaBus struct {
	Producer *kafka.Writer // 生产者：负责写入消息
	Consumer *kafka.Reader // 消费者：负责读取消息
	pool     *pool.Pool
	disp     *dispatcher

	done chan struct{}
	once sync.Once
}

// NewKafkaBus 按配置创建 Writer / Reader，instanceID 用于区分消费组
func NewKafkaBus(cfg config.KafkaConfig, instanceID string, p *pool.Pool) *KafkaBus {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Second
	}
	return &KafkaBus{
		Producer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.HostPort),
			Topic:                  cfg.ChatTopic,
			Balancer:               &kafka.Hash{},
			WriteTimeout:           timeout,
			BatchTimeout:           5 * time.Millisecond,
			MaxAttempts:            1, // 重试由中继引擎负责
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: false,
		},
		Consumer: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        []string{cfg.HostPort},
			Topic:          cfg.ChatTopic,
			CommitInterval: timeout,
			GroupID:        "relay-" + instanceID,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		}),
		pool: p,
		disp: newDispatcher(),
		done: make(chan struct{}),
	}
}

// Publish 写入一条消息，key 为总线主题
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return errorx.ErrBusUnavailable
	}
	return b.pool.Do(ctx, func(ctx context.Context) error {
		err := b.Producer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(topic),
			Value: payload,
		})
		if err != nil {
			return errorx.Wrapf(err, errorx.CodeBusUnavailable, "kafka publish %s", topic)
		}
		return nil
	})
}

// Subscribe 只登记本地处理函数，消费组本身订阅全部主题
func (b *KafkaBus) Subscribe(topic string, h Handler) (func(), error) {
	if b.isClosed() {
		return nil, errorx.ErrBusUnavailable
	}
	id, _ := b.disp.add(topic, h)
	return unsubscribeOnce(func() { b.disp.remove(topic, id) }), nil
}

// Start 消费循环，读取失败时退避后继续
func (b *KafkaBus) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := 100 * time.Millisecond
	for {
		m, err := b.Consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			zap.L().Error("kafka read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond
		b.disp.dispatch(string(m.Key), m.Value)
	}
}

// Close 关闭生产者和消费者
func (b *KafkaBus) Close() error {
	var errs []error
	b.once.Do(func() {
		close(b.done)
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (b *KafkaBus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// EnsureTopic 在 Controller 上创建总线 topic（已存在时忽略），migrate 命令使用
func EnsureTopic(ctx context.Context, cfg config.KafkaConfig) error {
	conn, err := kafka.DialContext(ctx, "tcp", cfg.HostPort)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer ctrlConn.Close()

	partitions := cfg.Partition
	if partitions <= 0 {
		partitions = 1
	}
	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.ChatTopic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return err
	}
	return nil
}

var _ Bus = (*KafkaBus)(nil)
