package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ghosty/chat-app/internal/auth"
	"github.com/ghosty/chat-app/internal/logger"
	"github.com/ghosty/chat-app/internal/profile"
	"github.com/ghosty/chat-app/internal/ratelimit"
)

const profileKey = "profile"

// requestLogger logs one line per request.
func requestLogger() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Infow("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"ip", c.ClientIP(),
		)
	}
}

// authRequired resolves the session token to a profile and stores it in
// the context.
func authRequired(profiles *profile.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session token required"})
			return
		}

		prof, err := profiles.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired session"})
			return
		}

		c.Set(profileKey, prof)
		c.Next()
	}
}

// adminRequired admits requests that carry the configured admin token.
func adminRequired(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := auth.TokenFromRequest(c.Request)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Admin token required"})
			return
		}
		c.Next()
	}
}

func currentProfile(c *gin.Context) *profile.Profile {
	v, ok := c.Get(profileKey)
	if !ok {
		return nil
	}
	p, _ := v.(*profile.Profile)
	return p
}

func ipKey(c *gin.Context) string {
	return c.ClientIP()
}

func sessionKey(c *gin.Context) string {
	if p := currentProfile(c); p != nil {
		return p.ID
	}
	return c.ClientIP()
}

// rateLimit rejects requests over rule with 429. A nil limiter allows
// everything.
func rateLimit(limiter ratelimit.Allower, rule ratelimit.Rule, key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		if ok, _ := limiter.Allow(c.Request.Context(), key(c), rule); !ok {
			c.Header("Retry-After", strconv.Itoa(int(rule.Window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests, please try again later.",
			})
			return
		}
		c.Next()
	}
}
