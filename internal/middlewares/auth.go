package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	jwtmw "github.com/growthclub/backend/middleware/jwt"
	logger "github.com/growthclub/backend/middleware/log"
)

// AuthMiddleware JWT 认证中间件
func AuthMiddleware(tm *jwtmw.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var token string

		// 1. 尝试从请求头获取 token
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}

		// 2. 如果请求头没有，尝试从 Query 参数获取
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			c.JSON(
				http.StatusUnauthorized,
				gin.H{"error": "未提供认证 Token"},
			)
			c.Abort()
			return
		}

		claims, err := tm.ParseToken(token)
		if err != nil {
			c.JSON(
				http.StatusUnauthorized,
				gin.H{"error": "Token 无效或已过期"},
			)
			c.Abort()
			return
		}

		// 将 claims 存储在 context 中
		c.Set("user_id", claims.UserID)
		c.Set("chat_user_id", claims.ChatUserID)
		c.Set("username", claims.UserName)

		// 聊天用户 ID 进 request context，后续日志自动带上该字段
		c.Request = c.Request.WithContext(
			logger.WithChatUserID(c.Request.Context(), claims.ChatUserID),
		)

		c.Next()
	}
}
