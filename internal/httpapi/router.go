package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/motion-forge/internal/auth"
)

// RouterOptions はルーターの配線に必要なものです。
type RouterOptions struct {
	Handler     *Handler
	Auth        *auth.Manager
	RateLimiter *auth.RateLimiter
	Metrics     http.Handler // nil なら /metrics を公開しない
	// CORSAllowedOrigins はカンマ区切りの許可オリジンです。
	CORSAllowedOrigins string
	// StaticDir を指定するとローカル保存した成果物を /static 以下で配信します。
	StaticDir string
	Logger    zerolog.Logger
}

// NewRouter は API のルーターを作成します。
func NewRouter(opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), AccessLog(opts.Logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = SplitOrigins(opts.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		idempotencyHeader,
	}
	corsConfig.ExposeHeaders = []string{"Location", "Retry-After"}
	router.Use(cors.New(corsConfig))

	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	if opts.StaticDir != "" {
		router.Static("/static", opts.StaticDir)
	}

	h := opts.Handler
	api := router.Group("/api")
	api.Use(opts.Auth.RequireUser())
	{
		videos := api.Group("/videos")
		submit := []gin.HandlerFunc{h.Submit}
		if opts.RateLimiter != nil {
			submit = append([]gin.HandlerFunc{opts.RateLimiter.Middleware()}, submit...)
		}
		videos.POST("", submit...)
		videos.GET("", h.History)
		videos.GET("/:id", h.Status)
		videos.POST("/:id/cancel", h.Cancel)
		videos.DELETE("/:id", h.Delete)

		api.GET("/progress/ws", h.ProgressSocket)
	}
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "motion-forge-api",
		"version": "0.1.0",
	})
}

// AccessLog はリクエストごとに1行のアクセスログを出すミドルウェアです。
func AccessLog(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("user_id", auth.UserID(c)).
			Msg("request")
	}
}

// SplitOrigins はカンマ区切りのオリジンを分割します。
func SplitOrigins(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

// OriginAllowed は WebSocket の Origin 検査に使う関数を返します。
// Origin ヘッダーの無いクライアント（ブラウザ以外）は通します。
func OriginAllowed(raw string) func(origin string) bool {
	allowed := make(map[string]struct{})
	for _, origin := range SplitOrigins(raw) {
		allowed[origin] = struct{}{}
	}
	return func(origin string) bool {
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
