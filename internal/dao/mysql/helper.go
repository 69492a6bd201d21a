package mysql

import (
	"errors"

	"kama_relay_server/pkg/errorx"

	"gorm.io/gorm"
)

// ==================== 错误包装辅助函数 ====================

// wrapDBError 包装数据库错误
// 根据错误类型返回不同的错误码：
//   - ErrRecordNotFound -> CodeNotFound
//   - ErrDuplicatedKey -> CodeDuplicateClientToken（由调用方确认是否真是令牌冲突）
//   - 其他错误 -> CodeStoreError（可重试）
func wrapDBError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var codeErr *errorx.CodeError
	if errors.As(err, &codeErr) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errorx.Wrap(err, errorx.CodeNotFound, msg)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errorx.Wrap(err, errorx.CodeDuplicateClientToken, msg)
	}
	return errorx.Wrap(err, errorx.CodeStoreError, msg)
}

// wrapDBErrorf 功能同 wrapDBError，支持格式化消息
func wrapDBErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var codeErr *errorx.CodeError
	if errors.As(err, &codeErr) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errorx.Wrapf(err, errorx.CodeNotFound, format, args...)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errorx.Wrapf(err, errorx.CodeDuplicateClientToken, format, args...)
	}
	return errorx.Wrapf(err, errorx.CodeStoreError, format, args...)
}
