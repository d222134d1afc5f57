package routers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/growthclub/backend/config"
	"github.com/growthclub/backend/internal/handlers"
	"github.com/growthclub/backend/internal/middlewares"
	jwtmw "github.com/growthclub/backend/middleware/jwt"
	pkgmw "github.com/growthclub/backend/pkg/middlewares"
	"github.com/growthclub/backend/utils/ratelimit"
)

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine, cfg *config.Config,
	tm *jwtmw.TokenManager,
	limiter ratelimit.Limiter,
	groupHandler *handlers.GroupHandler,
	energyHandler *handlers.EnergyHandler,
	taskHandler *handlers.TaskHandler,
) {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	r.Use(cors.New(corsCfg))
	r.Use(pkgmw.MaxConcurrencyMiddleware(1024))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"Status": "OK",
		})
	})

	rlCfg := &ratelimit.RateLimitConfig{
		AssignPerMinute: cfg.RateLimit.AssignPerMinute,
		SpendPerMinute:  cfg.RateLimit.SpendPerMinute,
		ReportPerMinute: cfg.RateLimit.ReportPerMinute,
		APIPerMinute:    cfg.RateLimit.APIPerMinute,
	}

	auth := middlewares.AuthMiddleware(tm)
	apiLimit := pkgmw.RateLimitMiddleware(limiter, "api", rlCfg)

	groups := r.Group("/api/v1/groups", auth, apiLimit)
	{
		groups.POST("", groupHandler.CreateGroup)
		groups.GET("", groupHandler.ActiveGroups)
		groups.POST("/assign", pkgmw.RateLimitMiddleware(limiter, "assign", rlCfg), groupHandler.AssignUser)
		groups.POST("/leave", groupHandler.LeaveGroup)
		groups.GET("/join-check", groupHandler.CheckJoin)
		groups.POST("/join-attempt", groupHandler.JoinAttempt)
		groups.GET("/mine", groupHandler.MyGroup)
		groups.GET("/leader-status", groupHandler.LeaderStatus)
		groups.POST("/deactivate", groupHandler.DeactivateGroup)
		groups.POST("/reactivate", groupHandler.ReactivateGroup)
		groups.POST("/chat-title", groupHandler.UpdateChatTitle)
	}

	reports := r.Group("/api/v1/reports", auth, apiLimit)
	{
		reports.POST("", pkgmw.RateLimitMiddleware(limiter, "report", rlCfg), groupHandler.SubmitReport)
		reports.GET("/missing", groupHandler.MissingReports)
	}

	energy := r.Group("/api/v1/energy", auth, apiLimit)
	{
		energy.GET("/balance", energyHandler.Balance)
		energy.GET("/history", energyHandler.History)
		energy.POST("/spend", pkgmw.RateLimitMiddleware(limiter, "spend", rlCfg), energyHandler.Spend)
		energy.POST("/award", energyHandler.Award)
	}

	tasks := r.Group("/api/v1/tasks", auth, apiLimit)
	{
		tasks.POST("", taskHandler.Schedule)
		tasks.GET("", taskHandler.List)
		tasks.GET("/pending-count", taskHandler.PendingCount)
		tasks.DELETE("/:id", taskHandler.Cancel)
		tasks.DELETE("", taskHandler.CancelForOwner)
	}
}
