package mq

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"kama_relay_server/internal/config"
	"kama_relay_server/pkg/constants"
	"kama_relay_server/pkg/util/pool"
)

// 总线模式
const (
	ModeChannel = "channel"
	ModeRedis   = "redis"
	ModeKafka   = "kafka"
)

// NewBus 根据 kafkaConfig.messageMode 创建总线
// redis 模式需要 client；channel 模式只适用于单实例部署
func NewBus(conf *config.Config, instanceID string, client *redis.Client, p *pool.Pool) (Bus, error) {
	switch conf.KafkaConfig.MessageMode {
	case ModeChannel, "":
		return NewChannelBus(constants.CHANNEL_SIZE * 4), nil
	case ModeRedis:
		if client == nil {
			return nil, fmt.Errorf("messageMode redis requires a redis client")
		}
		return NewRedisBus(client, p), nil
	case ModeKafka:
		return NewKafkaBus(conf.KafkaConfig, instanceID, p), nil
	default:
		return nil, fmt.Errorf("unknown messageMode %q", conf.KafkaConfig.MessageMode)
	}
}
