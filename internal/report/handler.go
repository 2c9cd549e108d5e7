package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ghosty/chat-app/internal/logger"
	"github.com/ghosty/chat-app/internal/metrics"
	"github.com/ghosty/chat-app/internal/session"
	"go.uber.org/zap"
)

const (
	// DefaultReason is recorded when the client sends no reason.
	DefaultReason = "Abusive Behavior"

	DefaultDailyLimit = 3
	MaxDescriptionLen = 500
)

// ErrInvalidReason is returned for reasons outside the allowed set.
var ErrInvalidReason = errors.New("report: invalid reason")

var validReasons = map[string]bool{
	DefaultReason:    true,
	"Harassment":     true,
	"Hate Speech":    true,
	"Sexual Content": true,
	"Spam/Bot":       true,
	"Other":          true,
}

// Offenses receives accepted reports against a session and may ban it.
type Offenses interface {
	ReportAndCheck(ctx context.Context, sessionID, reason string) (bool, time.Duration, error)
}

// Handler validates report submissions and hands them to the store.
type Handler struct {
	store      Store
	offenses   Offenses
	dailyLimit int
	log        *zap.SugaredLogger
}

// NewHandler creates a report handler. offenses may be nil.
func NewHandler(store Store, offenses Offenses, dailyLimit int) *Handler {
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyLimit
	}
	return &Handler{
		store:      store,
		offenses:   offenses,
		dailyLimit: dailyLimit,
		log:        logger.Named("report"),
	}
}

// NormalizeReason maps an empty reason to the default and rejects reasons
// outside the allowed set.
func NormalizeReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return DefaultReason, nil
	}
	if !validReasons[reason] {
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	return reason, nil
}

// Submit files a report by reporterSessionID against the partner of match.
// The room itself is not touched here.
func (h *Handler) Submit(ctx context.Context, reporterSessionID string, match session.ActiveMatch, reason, description string) (Outcome, error) {
	reason, err := NormalizeReason(reason)
	if err != nil {
		return 0, err
	}
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > MaxDescriptionLen {
		description = string([]rune(description)[:MaxDescriptionLen])
	}

	outcome, err := h.store.Submit(ctx, Report{
		ReporterSessionID: reporterSessionID,
		ReportedSessionID: match.PartnerSessionID,
		RoomID:            match.RoomID,
		Reason:            reason,
		Description:       description,
	}, h.dailyLimit)
	if err != nil {
		metrics.ReportsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.ReportsTotal.WithLabelValues(outcome.String()).Inc()

	if outcome != Accepted {
		h.log.Infow("report rejected", "reporter", reporterSessionID, "outcome", outcome.String())
		return outcome, nil
	}
	h.log.Infow("report accepted", "reporter", reporterSessionID, "reported", match.PartnerSessionID, "reason", reason)

	if h.offenses != nil {
		banned, d, err := h.offenses.ReportAndCheck(ctx, match.PartnerSessionID, reason)
		if err != nil {
			h.log.Warnw("offense counter failed", "session", match.PartnerSessionID, "error", err)
		} else if banned {
			h.log.Infow("session auto-banned", "session", match.PartnerSessionID, "duration", d.String())
		}
	}
	return Accepted, nil
}

// Message returns the text sent to a reporter whose report was rejected.
func (o Outcome) Message() string {
	switch o {
	case RateLimited:
		return "Daily report limit reached. Please try again tomorrow."
	case Duplicate:
		return "You have already reported this user in this session."
	}
	return ""
}
