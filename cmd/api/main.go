// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/yourusername/drawing-review/internal/auth"
	"github.com/yourusername/drawing-review/internal/config"
	"github.com/yourusername/drawing-review/internal/drawing"
	"github.com/yourusername/drawing-review/internal/logging"
	"github.com/yourusername/drawing-review/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("error", "console", os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout).With().Str("service", "drawing-review-api").Logger()
	gin.SetMode(cfg.GinMode)
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := setupApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up application")
	}
	if err := app.manager.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start workers")
	}
	go app.sweepWorkspaces(ctx, logger)

	router := gin.New()
	router.Use(gin.Recovery(), logging.GinMiddleware(logger))

	// セッションストアの設定（クッキー署名鍵は必須）
	secret := cfg.SessionSecret
	if secret == "" {
		secret = "drawing-review-dev-secret"
		logger.Warn().Msg("SESSION_SECRET is not set; using a development secret")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, app, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker shutdown failed")
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "drawing-review-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, app *application, logger zerolog.Logger) {
	// 誰でも叩けるエンドポイント
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authManager := auth.NewManager(auth.Credentials{
		Username:       cfg.AppUsername,
		PasswordHash:   cfg.AppPasswordHash,
		AllowAnonymous: cfg.GinMode != gin.ReleaseMode,
	}, logger)

	opts := drawing.HandlerOptions{
		MaxFileSize:   cfg.MaxFileSize,
		ReportBaseURL: cfg.ReportBaseURL,
	}

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			protected.POST("/drawings", drawing.SubmitHandler(app.manager, opts))
			protected.GET("/jobs/:id", drawing.JobStatusHandler(app.manager, opts))
			protected.POST("/jobs/:id/cancel", drawing.CancelHandler(app.manager, opts))
			protected.GET("/reports/:id", drawing.ReportDownloadHandler(app.reports))
		}
	}
}
