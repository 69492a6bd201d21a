package constants

const (
	CHANNEL_SIZE            = 256   // 会话出站队列默认大小
	MAX_CIPHERTEXT_SIZE     = 65536 // 单条密文最大字节数
	REDIS_TIMEOUT           = 5     // redis 成员缓存有效期（分钟）
	HISTORY_DEFAULT_LIMIT   = 50    // 历史分页默认条数
	HISTORY_MAX_LIMIT       = 100   // 历史分页最大条数
	MAX_CONNS_PER_IDENTITY  = 5     // 单身份并发连接上限
	HEARTBEAT_INTERVAL_SECS = 25    // 心跳 / ping 间隔（秒）
	HEARTBEAT_TIMEOUT_SECS  = 60    // 心跳超时（秒）
	TYPING_TTL_SECS         = 5     // 输入状态自动清除（秒）
)

// 扇出总线主题
const (
	CHAT_TOPIC_PREFIX = "chat."    // 每个会话一个主题：chat.<chatId>
	PRESENCE_TOPIC    = "presence" // 全局在线状态主题
)

// ChatTopic 返回会话对应的总线主题
func ChatTopic(chatId string) string {
	return CHAT_TOPIC_PREFIX + chatId
}
