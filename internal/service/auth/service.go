// Package auth 认证协作方
// 令牌由外部认证服务签发，这里只负责验证并取出身份
package auth

import (
	"strings"

	"kama_relay_server/pkg/errorx"
	"kama_relay_server/pkg/util/jwt"
)

// Verifier verify(identityToken) -> identity | invalid
type Verifier interface {
	Verify(token string) (string, error)
}

// Service 基于 JWT 的验证实现
type Service struct{}

// NewAuthService 创建认证服务实例，调用前需先 jwt.Init
func NewAuthService() *Service {
	return &Service{}
}

// Verify 校验签名、有效期和令牌类型，返回身份
// 任何失败都返回 AuthError，连接被拒绝且不重试
func (s *Service) Verify(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", errorx.ErrAuth
	}
	claims, err := jwt.ParseToken(token)
	if err != nil {
		return "", errorx.Wrap(err, errorx.CodeAuthError, errorx.ErrAuth.Msg)
	}
	// 只接受 Access Token
	if claims.Subject != "access_token" || claims.UserID == "" {
		return "", errorx.ErrAuth
	}
	return claims.UserID, nil
}
