package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ghosty/chat-app/internal/logger"
	"github.com/ghosty/chat-app/internal/profile"
	"github.com/ghosty/chat-app/internal/ratelimit"
	"github.com/ghosty/chat-app/internal/report"
)

// MaxImageBytes caps verification uploads.
const MaxImageBytes = 5 << 20

type handlers struct {
	profiles   *profile.Provider
	classifier profile.Classifier
	reports    report.Store
}

type initRequest struct {
	DeviceID string `json:"deviceId"`
}

type sessionResponse struct {
	*profile.Profile
	Token string `json:"token"`
}

// initSession binds a device to its profile and returns a fresh token.
func (h *handlers) initSession(limiter ratelimit.Allower) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.DeviceID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Device ID required"})
			return
		}
		deviceID := strings.TrimSpace(req.DeviceID)

		if limiter != nil {
			if ok, _ := limiter.Allow(c.Request.Context(), deviceID, ratelimit.RuleSessionInit); !ok {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many session requests"})
				return
			}
		}

		prof, token, err := h.profiles.Init(c.Request.Context(), deviceID)
		if err != nil {
			logger.Error("session init failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, sessionResponse{Profile: prof, Token: token})
	}
}

func (h *handlers) getProfile(c *gin.Context) {
	c.JSON(http.StatusOK, currentProfile(c))
}

func (h *handlers) updateProfile(c *gin.Context) {
	var req profile.Update
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	prof := currentProfile(c)
	u, err := h.profiles.Update(c.Request.Context(), prof.ID, req)
	switch {
	case profile.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, profile.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	case err != nil:
		logger.Error("profile update failed", "session", prof.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"nickname":   u.Nickname,
		"bio":        u.Bio,
		"preference": u.Preference,
	})
}

// verifyGender forwards the uploaded image to the classifier and marks the
// profile verified. The image is dropped after the call.
func (h *handlers) verifyGender(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Image required"})
		return
	}
	if file.Size > MaxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Image required"})
		return
	}
	image, err := io.ReadAll(io.LimitReader(f, MaxImageBytes))
	f.Close()
	if err != nil || len(image) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Image required"})
		return
	}

	prof := currentProfile(c)
	res, err := h.profiles.Verify(c.Request.Context(), h.classifier, prof, image)
	switch {
	case errors.Is(err, profile.ErrVerifierUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Verification service unavailable"})
		return
	case err != nil:
		logger.Error("verification failed", "session", prof.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Verification failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// listReports returns the newest unresolved reports for moderators.
func (h *handlers) listReports(c *gin.Context) {
	list, err := h.reports.Unresolved(c.Request.Context(), report.DefaultListLimit)
	if err != nil {
		logger.Error("fetch reports failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch reports"})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *handlers) reportStats(c *gin.Context) {
	prof := currentProfile(c)
	st, err := h.reports.Stats(c.Request.Context(), prof.ID)
	if err != nil {
		logger.Error("report stats failed", "session", prof.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, st)
}
