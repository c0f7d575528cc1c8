// internal/router/router.go
package router

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/javajoker/asset-market/internal/config"
	"github.com/javajoker/asset-market/internal/handlers"
	"github.com/javajoker/asset-market/internal/middleware"
	"github.com/javajoker/asset-market/internal/repository"
	"github.com/javajoker/asset-market/internal/services"
	"github.com/javajoker/asset-market/internal/utils"
)

const Version = "1.0.0"

// Options carries what the HTTP layer needs besides the services.
type Options struct {
	Config       *config.Config
	Log          *logrus.Logger
	Audit        repository.AuditRepository
	SharedLimit  middleware.WindowLimiter
	HealthChecks map[string]handlers.HealthCheck
}

// Initialize builds the engine. ctx bounds the background work of the in-process limiters.
func Initialize(ctx context.Context, svc *services.Container, opts Options) *gin.Engine {
	cfg := opts.Config

	// Initialize handlers
	purchaseHandler := handlers.NewPurchaseHandler(svc.Settlement)
	credentialHandler := handlers.NewCredentialHandler(svc.Credentials, svc.Downloads)
	downloadHandler := handlers.NewDownloadHandler(svc.Downloads)
	evaluationHandler := handlers.NewEvaluationHandler(svc.Reputation)
	adminHandler := handlers.NewAdminHandler(svc.Settlement, svc.Downloads)
	healthHandler := handlers.NewHealthHandler(Version, opts.HealthChecks)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	downloadLimiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.Downloads.RateLimitPerMin), cfg.Downloads.RateLimitPerMin)
	go downloadLimiter.Run(ctx)

	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(opts.Log))
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	r.Use(middleware.I18nMiddleware(cfg.I18n.DefaultLocale))
	if cfg.Server.RateLimitRPS > 0 {
		generalLimiter := middleware.NewRateLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateBurst)
		go generalLimiter.Run(ctx)
		r.Use(generalLimiter.Middleware())
	}
	if opts.Audit != nil {
		r.Use(middleware.AuditLogMiddleware(opts.Audit, opts.Log))
	}

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/v1")
	{
		purchases := v1.Group("/purchases")
		{
			purchases.POST("", middleware.AuthRequired(), purchaseHandler.InitiatePurchase)
			purchases.GET("/:id", middleware.AuthRequired(), purchaseHandler.GetPurchase)
			purchases.POST("/:id/deposit-confirmed", purchaseHandler.ConfirmDeposit)
		}

		credentials := v1.Group("/credentials")
		{
			credentials.GET("", middleware.AuthRequired(), credentialHandler.ListCredentials)
			credentials.GET("/:id", middleware.AuthRequired(), credentialHandler.GetCredential)
			credentials.GET("/:id/verify", credentialHandler.VerifyCredential)
			credentials.POST("/:id/download-tokens", middleware.AuthRequired(), credentialHandler.IssueDownloadToken)
		}

		downloads := v1.Group("/downloads")
		{
			downloads.GET("/:token", downloadHandler.GetTokenInfo)
			downloads.POST("/:token/consume",
				middleware.DownloadRateLimit(opts.SharedLimit, downloadLimiter, cfg.Downloads.RateLimitPerMin, opts.Log),
				downloadHandler.Consume)
			downloads.DELETE("/:token", middleware.AuthRequired(), downloadHandler.Revoke)
		}

		v1.POST("/evaluations", middleware.AuthRequired(), evaluationHandler.SubmitEvaluation)
		v1.GET("/users/:id/reputation", evaluationHandler.GetReputation)

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired())
		{
			admin.GET("/batches/open", adminHandler.GetOpenBatches)
			admin.POST("/batches/:id/retry", adminHandler.RetryBatch)
			admin.POST("/reconcile", adminHandler.Reconcile)
			admin.POST("/downloads/cleanup", adminHandler.CleanupDownloadTokens)
			admin.PUT("/credentials/:id/revoke", adminHandler.RevokeCredential)
		}
	}

	return r
}
