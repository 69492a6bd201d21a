package handler

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"
)

// Trans 校验错误翻译器，REST 与 WebSocket 帧共用
var Trans ut.Translator

// InitTrans 初始化 gin 的校验引擎与翻译器，locale 为 "zh" 或 "en"，其他值按英文处理
// 校验错误里的字段名改为 json tag（chatId 而不是 ChatID），与客户端看到的帧字段一致
func InitTrans(locale string) error {
	v := Validator()
	if v == nil {
		v = validator.New()
		v.SetTagName("binding")
		binding.Validator = &defaultValidator{validator: v}
	}

	v.RegisterTagNameFunc(jsonFieldName)

	enT := en.New()
	uni := ut.New(enT, zh.New(), enT)
	t, ok := uni.GetTranslator(locale)
	if !ok {
		return fmt.Errorf("uni.GetTranslator(%s) failed", locale)
	}

	var err error
	if locale == "zh" {
		err = zh_translations.RegisterDefaultTranslations(v, t)
	} else {
		err = en_translations.RegisterDefaultTranslations(v, t)
	}
	if err != nil {
		return err
	}
	Trans = t
	return nil
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		// query 参数只有 form tag
		name = strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
	}
	return name
}

// Validator 返回 gin 使用的校验引擎，中继引擎校验 WebSocket 帧时共用它和 Trans
func Validator() *validator.Validate {
	if binding.Validator == nil {
		return nil
	}
	v, _ := binding.Validator.Engine().(*validator.Validate)
	return v
}

// RemoveTopStruct "SendMessageRequest.chatId" -> "chatId"
func RemoveTopStruct(fields map[string]string) map[string]string {
	res := make(map[string]string, len(fields))
	for field, msg := range fields {
		res[field[strings.Index(field, ".")+1:]] = msg
	}
	return res
}

// defaultValidator binding.Validator 为空时的兜底实现
type defaultValidator struct {
	validator *validator.Validate
}

func (v *defaultValidator) ValidateStruct(obj any) error {
	if obj == nil {
		return nil
	}
	return v.validator.Struct(obj)
}

func (v *defaultValidator) Engine() any {
	return v.validator
}
