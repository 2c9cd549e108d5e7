// Package api serves the HTTP surface next to the WebSocket endpoint:
// session bootstrap, profile editing, identity verification, report
// queries, health and metrics.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/ghosty/chat-app/internal/config"
	"github.com/ghosty/chat-app/internal/metrics"
	"github.com/ghosty/chat-app/internal/profile"
	"github.com/ghosty/chat-app/internal/ratelimit"
	"github.com/ghosty/chat-app/internal/report"
)

// Deps are the collaborators behind the routes. Limiter may be nil;
// Reports, Upgrade and Health are mounted only when set.
type Deps struct {
	Profiles   *profile.Provider
	Classifier profile.Classifier
	Reports    report.Store
	Limiter    ratelimit.Allower
	Upgrade    http.HandlerFunc
	Health     http.HandlerFunc
}

// NewRouter builds the gin engine and wraps it in CORS for the client
// origin.
func NewRouter(cfg *config.Config, d Deps) http.Handler {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	h := &handlers{profiles: d.Profiles, classifier: d.Classifier, reports: d.Reports}

	if d.Health != nil {
		router.GET("/health", gin.WrapF(d.Health))
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if d.Upgrade != nil {
		router.GET("/ws", gin.WrapF(d.Upgrade))
	}

	v1 := router.Group("/api")
	v1.Use(rateLimit(d.Limiter, ratelimit.RuleAPI, ipKey))
	{
		v1.POST("/session/init", h.initSession(d.Limiter))

		prof := v1.Group("/profile")
		prof.Use(authRequired(d.Profiles))
		{
			prof.GET("", h.getProfile)
			prof.PUT("", h.updateProfile)
			prof.POST("/update", h.updateProfile)
		}

		v1.POST("/verify/gender",
			authRequired(d.Profiles),
			rateLimit(d.Limiter, ratelimit.RuleVerify, sessionKey),
			h.verifyGender,
		)

		if d.Reports != nil {
			v1.GET("/reports/count", authRequired(d.Profiles), h.reportStats)

			if cfg.AdminToken != "" {
				admin := v1.Group("/admin")
				admin.Use(adminRequired(cfg.AdminToken))
				admin.GET("/reports", h.listReports)
			}
		}
	}

	return cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.ClientURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(router)
}
