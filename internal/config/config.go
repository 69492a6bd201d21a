// Package config 提供应用程序的配置加载和管理功能
// 使用 TOML 格式的配置文件，支持多路径查找，.env 与 RELAY_* 环境变量可覆盖敏感项
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml" // TOML 配置文件解析库
	"github.com/joho/godotenv"
)

// MainConfig 主配置，包含应用基本信息
type MainConfig struct {
	AppName     string `toml:"appName"`     // 应用名称，用于日志标识等
	Host        string `toml:"host"`        // 服务器监听地址，如 "0.0.0.0"
	Port        int    `toml:"port"`        // 服务器监听端口，如 8000
	InstanceID  string `toml:"instanceId"`  // 实例标识，为空时启动时随机生成
	TLSRedirect bool   `toml:"tlsRedirect"` // 是否启用 HTTP -> HTTPS 重定向（Nginx 终止 TLS 时关闭）
}

// MysqlConfig MySQL 数据库连接配置
type MysqlConfig struct {
	Host         string `toml:"host"`         // MySQL 服务器地址
	Port         int    `toml:"port"`         // MySQL 端口，默认 3306
	User         string `toml:"user"`         // 数据库用户名
	Password     string `toml:"password"`     // 数据库密码
	DatabaseName string `toml:"databaseName"` // 数据库名称
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Host     string `toml:"host"`     // Redis 服务器地址
	Port     int    `toml:"port"`     // Redis 端口，默认 6379
	Password string `toml:"password"` // Redis 密码，无密码留空
	Db       int    `toml:"db"`       // Redis 数据库编号，默认 0
	PoolSize int    `toml:"poolSize"` // 连接池大小
}

// Addr 返回 host:port
func (c RedisConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// LogConfig 日志配置，使用 lumberjack 进行日志轮转
type LogConfig struct {
	LogPath    string `toml:"logPath"`    // 日志文件存储目录
	FileName   string `toml:"fileName"`   // 日志文件名
	MaxSize    int    `toml:"maxSize"`    // 单个日志文件最大大小（MB）
	MaxBackups int    `toml:"maxBackups"` // 保留旧日志文件的最大个数
	MaxAge     int    `toml:"maxAge"`     // 保留旧日志文件的最大天数
	Level      string `toml:"level"`      // 日志级别：debug, info, warn, error
}

// KafkaConfig 扇出总线配置
type KafkaConfig struct {
	MessageMode string `toml:"messageMode"` // 总线模式："channel"（单机）、"redis" 或 "kafka"
	HostPort    string `toml:"hostPort"`    // Kafka 服务器地址，如 "localhost:9092"
	ChatTopic   string `toml:"chatTopic"`   // 承载所有总线主题的 Kafka topic
	Partition   int    `toml:"partition"`   // 分区数（CreateTopic 使用）
	Timeout     int    `toml:"timeout"`     // 读写超时（秒）
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Secret            string `toml:"secret"`            // JWT 签名密钥，建议 32 字符以上
	Issuer            string `toml:"issuer"`            // 签发方，需与认证服务一致
	AccessTokenExpiry int    `toml:"accessTokenExpiry"` // Access Token 有效期（分钟）
}

// SnowflakeConfig 雪花算法配置
type SnowflakeConfig struct {
	MachineID int64 `toml:"machineId"` // 雪花算法节点 ID，范围 0-1023，分布式部署时每台机器需唯一
}

// GatewayConfig 连接网关配置
type GatewayConfig struct {
	MaxConnsPerIdentity int   `toml:"maxConnsPerIdentity"` // 单身份并发连接上限（多端登录）
	MaxConnections      int   `toml:"maxConnections"`      // 进程连接上限，用于过载保护
	HeartbeatInterval   int   `toml:"heartbeatInterval"`   // ping 间隔（秒）
	HeartbeatTimeout    int   `toml:"heartbeatTimeout"`    // 心跳超时（秒）
	SendQueueSize       int   `toml:"sendQueueSize"`       // 会话出站队列长度
	MaxFrameBytes       int64 `toml:"maxFrameBytes"`       // 单帧最大字节数
	MaxInFlightSends    int   `toml:"maxInFlightSends"`    // 单会话并发发送数
	RateLimitBurst      int   `toml:"rateLimitBurst"`      // 令牌桶容量
	RateLimitRefill     int   `toml:"rateLimitRefill"`     // 令牌桶补满时间（毫秒）
}

// RelayConfig 中继引擎配置
type RelayConfig struct {
	MaxCiphertextBytes   int `toml:"maxCiphertextBytes"`   // 密文大小上限
	StoreRetryAttempts   int `toml:"storeRetryAttempts"`   // 存储失败重试次数
	PublishRetryAttempts int `toml:"publishRetryAttempts"` // 发布失败重试次数
	RetryBaseInterval    int `toml:"retryBaseInterval"`    // 退避初始间隔（毫秒）
	RetryMaxInterval     int `toml:"retryMaxInterval"`     // 退避最大间隔（毫秒）
	PersistTimeout       int `toml:"persistTimeout"`       // 单次发送持久化总时限（秒）
	StorePoolSize        int `toml:"storePoolSize"`        // 存储并发池大小
	BusPoolSize          int `toml:"busPoolSize"`          // 总线并发池大小
	PoolWait             int `toml:"poolWait"`             // 池满时最长排队时间（毫秒）
}

// PresenceConfig 在线状态配置
type PresenceConfig struct {
	AwayAfter     int `toml:"awayAfter"`     // 距上次心跳超过该值视为 away（秒）
	ExpireAfter   int `toml:"expireAfter"`   // 距上次心跳超过该值视为 offline（秒）
	TypingTTL     int `toml:"typingTTL"`     // 输入状态存活时间（秒）
	SweepInterval int `toml:"sweepInterval"` // 过期扫描周期（毫秒）
}

// Config 应用程序总配置，聚合所有子配置
type Config struct {
	MainConfig      `toml:"mainConfig"`      // 主配置
	MysqlConfig     `toml:"mysqlConfig"`     // MySQL 配置
	RedisConfig     `toml:"redisConfig"`     // Redis 配置
	LogConfig       `toml:"logConfig"`       // 日志配置
	KafkaConfig     `toml:"kafkaConfig"`     // 总线配置
	JWTConfig       `toml:"jwtConfig"`       // JWT 配置
	SnowflakeConfig `toml:"snowflakeConfig"` // 雪花算法配置
	GatewayConfig   `toml:"gatewayConfig"`   // 网关配置
	RelayConfig     `toml:"relayConfig"`     // 中继配置
	PresenceConfig  `toml:"presenceConfig"`  // 在线状态配置
}

// Default 返回全部默认值
func Default() *Config {
	return &Config{
		MainConfig:  MainConfig{AppName: "kama_relay_server", Host: "0.0.0.0", Port: 8000},
		MysqlConfig: MysqlConfig{Host: "127.0.0.1", Port: 3306, User: "root", DatabaseName: "kama_relay"},
		RedisConfig: RedisConfig{Host: "127.0.0.1", Port: 6379, PoolSize: 50},
		LogConfig:   LogConfig{LogPath: "./logs", Level: "info"},
		KafkaConfig: KafkaConfig{MessageMode: "channel", HostPort: "127.0.0.1:9092", ChatTopic: "relay_fanout", Partition: 3, Timeout: 1},
		JWTConfig:   JWTConfig{Issuer: "kama_chat", AccessTokenExpiry: 60},
		SnowflakeConfig: SnowflakeConfig{
			MachineID: 1,
		},
		GatewayConfig: GatewayConfig{
			MaxConnsPerIdentity: 5,
			MaxConnections:      10000,
			HeartbeatInterval:   25,
			HeartbeatTimeout:    60,
			SendQueueSize:       256,
			MaxFrameBytes:       128 * 1024,
			MaxInFlightSends:    8,
			RateLimitBurst:      20,
			RateLimitRefill:     1000,
		},
		RelayConfig: RelayConfig{
			MaxCiphertextBytes:   64 * 1024,
			StoreRetryAttempts:   5,
			PublishRetryAttempts: 3,
			RetryBaseInterval:    50,
			RetryMaxInterval:     1000,
			PersistTimeout:       10,
			StorePoolSize:        32,
			BusPoolSize:          32,
			PoolWait:             500,
		},
		PresenceConfig: PresenceConfig{
			AwayAfter:     35,
			ExpireAfter:   60,
			TypingTTL:     5,
			SweepInterval: 1000,
		},
	}
}

// config 全局配置单例，延迟加载
var config *Config

// candidatePaths 候选配置文件路径（优先加载本地配置）
var candidatePaths = []string{
	"configs/config_local.toml",       // 本地开发配置（优先）
	"configs/config.toml",             // 默认配置
	"../../configs/config_local.toml", // 从子目录运行时的路径
	"../../configs/config.toml",       // 从子目录运行时的路径
}

// LoadConfig 加载配置文件
// path 非空时只加载该文件；否则按顺序尝试候选路径，找到第一个可用的即停止
// 找不到文件时保留默认值并返回错误，调用方决定是否致命
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	paths := candidatePaths
	if path != "" {
		paths = []string{path}
	}

	var loadErr error = fmt.Errorf("could not find configuration file in any of the search paths")
	for _, p := range paths {
		if _, err := toml.DecodeFile(p, cfg); err == nil {
			loadErr = nil
			break
		} else if path != "" {
			loadErr = fmt.Errorf("decode config %s: %w", p, err)
		}
	}

	// .env 不存在时忽略
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, loadErr
}

// applyEnv 使用环境变量覆盖密钥和地址类配置
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_JWT_SECRET"); v != "" {
		cfg.JWTConfig.Secret = v
	}
	if v := os.Getenv("RELAY_MYSQL_PASSWORD"); v != "" {
		cfg.MysqlConfig.Password = v
	}
	if v := os.Getenv("RELAY_MYSQL_HOST"); v != "" {
		cfg.MysqlConfig.Host = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		cfg.RedisConfig.Password = v
	}
	if v := os.Getenv("RELAY_REDIS_HOST"); v != "" {
		cfg.RedisConfig.Host = v
	}
	if v := os.Getenv("RELAY_KAFKA_HOSTPORT"); v != "" {
		cfg.KafkaConfig.HostPort = v
	}
	if v := os.Getenv("RELAY_MESSAGE_MODE"); v != "" {
		cfg.KafkaConfig.MessageMode = v
	}
	if v := os.Getenv("RELAY_INSTANCE_ID"); v != "" {
		cfg.MainConfig.InstanceID = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.MainConfig.Port = port
		}
	}
}

// SetConfig 替换全局配置（cmd 指定 --config 时使用）
func SetConfig(cfg *Config) {
	config = cfg
}

// GetConfig 获取全局配置实例（单例模式）
// 首次调用时会自动加载配置文件
func GetConfig() *Config {
	if config == nil {
		config, _ = LoadConfig("") // 忽略加载错误，使用默认值
	}
	return config
}

// Seconds 把整数秒配置转为 time.Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis 把整数毫秒配置转为 time.Duration
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
