package handler

import (
	"errors"
	"net/http"

	"kama_relay_server/pkg/errorx"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Response 统一响应体，HTTP 状态码固定 200，业务结果看 code
type Response struct {
	Code int `json:"code"`
	Msg  any `json:"msg"` // 参数错误时为 字段 -> 提示 的映射
	Data any `json:"data"`
}

// ErrorData 失败响应的 data，客户端据此决定是否用同一个 clientToken 重试
type ErrorData struct {
	Retryable bool `json:"retryable"`
}

func reply(c *gin.Context, code int, msg, data any) {
	c.JSON(http.StatusOK, Response{Code: code, Msg: msg, Data: data})
}

// HandleSuccess 返回成功响应
func HandleSuccess(c *gin.Context, data any) {
	reply(c, errorx.CodeSuccess, "success", data)
}

// HandleError 业务错误透传错误码，其余错误记日志后统一返回服务繁忙
//
//	if err := h.msgSvc.Delete(ctx, actor, id); err != nil {
//	    HandleError(c, err)
//	    return
//	}
func HandleError(c *gin.Context, err error) {
	var codeErr *errorx.CodeError
	if !errors.As(err, &codeErr) {
		zap.L().Error("system error",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Error(err),
		)
		reply(c, errorx.ErrServerBusy.Code, errorx.ErrServerBusy.Msg, ErrorData{Retryable: true})
		return
	}

	var data any
	// 存储与总线故障是服务端问题，需要留痕
	if errorx.Retryable(err) {
		zap.L().Warn("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Int("code", codeErr.Code),
			zap.Error(err),
		)
		data = ErrorData{Retryable: true}
	}
	reply(c, codeErr.Code, codeErr.Msg, data)
}

// HandleParamError 参数绑定失败；校验错误按当前语言翻译成 json 字段名 -> 提示
func HandleParamError(c *gin.Context, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && Trans != nil {
		reply(c, errorx.CodeInvalidParam, RemoveTopStruct(validationErrs.Translate(Trans)), nil)
		return
	}
	// JSON 格式错误之类
	zap.L().Debug("param bind error", zap.String("path", c.Request.URL.Path), zap.Error(err))
	reply(c, errorx.CodeInvalidParam, errorx.ErrInvalidParam.Msg, nil)
}
