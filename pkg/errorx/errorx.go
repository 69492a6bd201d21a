package errorx

import (
	"errors"
	"fmt"
)

// CodeError 带业务错误码的自定义错误
// 实现了 error 接口，支持 %w 包装底层错误，且能被 errors.Is/errors.As 识别
type CodeError struct {
	Code  int    // 业务错误码
	Msg   string // 错误消息
	cause error  // 被包装的底层错误
}

// Error 当存在底层错误时，返回格式为 "消息: 底层错误"；否则仅返回消息
func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.cause)
	}
	return e.Msg
}

// Unwrap 实现 errors.Unwrap 接口，支持 errors.Is/errors.As 向下追溯
func (e *CodeError) Unwrap() error {
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, errorx.ErrStoreError) 对任意同码错误成立
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New 创建一个新的 CodeError
func New(code int, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
	}
}

// Newf 创建一个带格式化消息的 CodeError
func Newf(code int, format string, args ...any) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// Wrap 包装底层错误，添加业务错误码和消息
// 用法: errorx.Wrap(err, CodeStoreError, "append envelope")
func Wrap(err error, code int, msg string) *CodeError {
	return &CodeError{
		Code:  code,
		Msg:   msg,
		cause: err,
	}
}

// Wrapf 包装底层错误，支持格式化消息
// 用法: errorx.Wrapf(err, CodeNotFound, "chat %s not found", chatId)
func Wrapf(err error, code int, format string, args ...any) *CodeError {
	return &CodeError{
		Code:  code,
		Msg:   fmt.Sprintf(format, args...),
		cause: err,
	}
}

// GetCode 从错误中提取业务错误码，如果不是 CodeError 则返回默认码
func GetCode(err error) int {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return CodeServerBusy // 默认返回服务繁忙
}

// 业务状态码常量定义
const (
	CodeSuccess      = 1000 // 成功
	CodeInvalidParam = 1001 // 请求参数错误
	CodeServerBusy   = 1005 // 服务繁忙
	CodeUnauthorized = 1006 // 发送者或接收者集合对该会话无效
	CodeNotFound     = 1008 // 资源不存在
	CodeDBError      = 1010 // 数据库错误
	CodeCacheError   = 1011 // 缓存错误

	// 中继核心错误码
	CodeAuthError            = 2001 // 身份令牌无效或过期，拒绝连接
	CodeIncompleteRecipients = 2002 // 接收者密钥表与当前成员不一致
	CodeDuplicateClientToken = 2003 // 幂等令牌已提交（成功路径）
	CodeStoreError           = 2004 // 存储暂时不可用
	CodeSendFailed           = 2005 // 存储重试耗尽
	CodeBusUnavailable       = 2006 // 扇出总线不可用
	CodeTooManyConnections   = 2007 // 单身份连接数超限
	CodeCapacityExceeded     = 2008 // 进程连接数或连接池超限
	CodeForbidden            = 2009 // 非原发送者操作
	CodeRateLimited          = 2010 // 会话发送过快
)

// 预定义常用错误实例
// 这些实例既可直接返回，也可用于 errors.Is 比较
var (
	ErrInvalidParam = New(CodeInvalidParam, "请求参数错误")
	ErrServerBusy   = New(CodeServerBusy, "服务繁忙")
	ErrNotFound     = New(CodeNotFound, "资源不存在")

	ErrAuth                 = New(CodeAuthError, "identity token invalid or expired")
	ErrUnauthorized         = New(CodeUnauthorized, "sender is not a participant of the chat")
	ErrIncompleteRecipients = New(CodeIncompleteRecipients, "recipient keys do not match chat participants")
	ErrDuplicateClientToken = New(CodeDuplicateClientToken, "client token already committed")
	ErrStoreError           = New(CodeStoreError, "message store unavailable")
	ErrSendFailed           = New(CodeSendFailed, "send failed, retry with the same client token")
	ErrBusUnavailable       = New(CodeBusUnavailable, "fanout bus unavailable")
	ErrTooManyConnections   = New(CodeTooManyConnections, "too many connections for identity")
	ErrCapacityExceeded     = New(CodeCapacityExceeded, "server at capacity")
	ErrForbidden            = New(CodeForbidden, "only the original sender may do this")
	ErrRateLimited          = New(CodeRateLimited, "sending too fast")
)

// IsNotFound 检查错误是否为"未找到"类型（包括 gorm.ErrRecordNotFound）
func IsNotFound(err error) bool {
	var codeErr *CodeError
	if errors.As(err, &codeErr) && codeErr.Code == CodeNotFound {
		return true
	}
	return err != nil && err.Error() == "record not found"
}

// Retryable 客户端是否可以用同一个幂等令牌安全重发
// 校验类错误需要用户介入（如重新拉取公钥），不可直接重试
func Retryable(err error) bool {
	switch GetCode(err) {
	case CodeStoreError, CodeSendFailed, CodeBusUnavailable,
		CodeCapacityExceeded, CodeTooManyConnections, CodeServerBusy, CodeRateLimited:
		return true
	}
	return false
}
