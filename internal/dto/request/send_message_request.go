package request

// SendMessageRequest 发送加密消息
// ciphertext / iv / recipientKeys 为 base64，服务端只校验结构，不解析内容
// 使用位置:
//   - internal/service/relay/send.go: Send
//   - internal/handler/message_handler.go: SendMessage (REST)
type SendMessageRequest struct {
	ClientToken   string            `json:"clientToken" binding:"required,max=128"`
	ChatID        string            `json:"chatId" binding:"required,max=64"`
	Ciphertext    []byte            `json:"ciphertext" binding:"required,min=1"`
	RecipientKeys map[string][]byte `json:"recipientKeys" binding:"required,min=1,dive,keys,required,max=64,endkeys,required,min=1"`
	IV            []byte            `json:"iv" binding:"required,min=1"`
	Kind          string            `json:"kind" binding:"required,oneof=text image file"`
	ReplyTo       *int64            `json:"replyTo,string,omitempty" binding:"omitempty,gt=0"`
}

// HistoryRequest 历史分页查询参数
type HistoryRequest struct {
	Cursor string `form:"cursor" binding:"max=128"`
	Limit  int    `form:"limit" binding:"gte=0,lte=100"`
}

// SinceRequest 按 seq 补齐的查询参数
type SinceRequest struct {
	AfterSeq int64 `form:"after_seq" binding:"gte=0"`
	Limit    int   `form:"limit" binding:"gte=0,lte=100"`
}
