package middlewares

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/growthclub/backend/utils/ratelimit"
)

// RateLimitMiddleware 按端点限流，键为认证用户，未认证请求退回客户端 IP
func RateLimitMiddleware(limiter ratelimit.Limiter, endpoint string, cfg *ratelimit.RateLimitConfig) gin.HandlerFunc {
	rule := ratelimit.GetRuleForEndpoint(endpoint, cfg)
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if userID, ok := c.Get("user_id"); ok {
			if s, ok := userID.(string); ok && s != "" {
				key = "user:" + s
			}
		}

		allowed, err := limiter.Allow(c.Request.Context(), endpoint+":"+key, rule.Limit, rule.Window)
		if err != nil || !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, please try again later",
			})
			return
		}
		c.Next()
	}
}

// MaxConcurrencyMiddleware 最大并发控制中间件
// 限制同时处理的请求数量，防止 Goroutine 数量无限增长导致 OOM
func MaxConcurrencyMiddleware(maxConcurrent int) gin.HandlerFunc {
	sem := make(chan struct{}, maxConcurrent)

	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			c.Next()
		case <-time.After(time.Second):
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "service unavailable, too many concurrent requests",
			})
		}
	}
}
