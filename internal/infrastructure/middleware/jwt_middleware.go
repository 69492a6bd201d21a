package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"kama_relay_server/internal/service/auth"
	"kama_relay_server/pkg/errorx"
)

// IdentityKey gin 上下文中保存已验证身份的键
const IdentityKey = "identity"

// JWTAuth JWT 认证中间件
// 验证 Access Token 并将身份存入上下文
func JWTAuth(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 从 Header 获取 Token
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errorx.CodeAuthError,
				"msg":  "请先登录",
			})
			return
		}

		// 2. 验证 Token（支持 Bearer 前缀）
		identity, err := verifier.Verify(authHeader)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errorx.CodeAuthError,
				"msg":  "Token 已过期或无效，请重新登录",
			})
			return
		}

		// 3. 将身份存入上下文，供后续 Handler 使用
		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// Identity 取出 JWTAuth 写入的身份
func Identity(c *gin.Context) string {
	return c.GetString(IdentityKey)
}
