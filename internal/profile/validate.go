package profile

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ghosty/chat-app/internal/matching"
)

const (
	MinNicknameLen = 3
	MaxNicknameLen = 20
	MaxBioLen      = 120
)

// ValidationError is a rejected profile edit. Its message is safe to show
// to the user.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Compiled once and shared by every call.
var (
	// urlPattern matches http/https URLs, www. URLs and bare domains with a
	// path. A bare domain needs a trailing "/" so "v2.0" is not a URL.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._-]+@[a-zA-Z0-9._-]+\.[a-zA-Z0-9_-]+`)

	// phonePattern matches ten-digit numbers with an optional country code
	// as well as separated forms like (555) 123-4567.
	phonePattern = regexp.MustCompile(`(\+\d{1,3}[- ]?)?\d{10}|(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	alphanumPattern = regexp.MustCompile(`[a-zA-Z0-9]`)
)

// contactCheck pairs a detector with the message shown when it fires.
type contactCheck struct {
	message string
	match   func(string) bool
}

// Order matters: the first match wins.
var contactChecks = []contactCheck{
	{message: "No URLs allowed", match: urlPattern.MatchString},
	{message: "No emails allowed", match: emailPattern.MatchString},
	{message: "No phone numbers allowed", match: phonePattern.MatchString},
}

// ValidateUpdate trims and checks a profile edit and returns the normalized
// form.
func ValidateUpdate(u Update) (Update, error) {
	u.Nickname = strings.TrimSpace(u.Nickname)
	u.Bio = strings.TrimSpace(u.Bio)

	n := utf8.RuneCountInString(u.Nickname)
	if n < MinNicknameLen || n > MaxNicknameLen {
		return Update{}, &ValidationError{"Nickname must be 3-20 characters"}
	}
	if utf8.RuneCountInString(u.Bio) > MaxBioLen {
		return Update{}, &ValidationError{"Bio too long (max 120 chars)"}
	}
	pref, ok := matching.ParsePreference(u.Preference)
	if !ok {
		return Update{}, &ValidationError{"Invalid preference"}
	}
	u.Preference = string(pref)

	for _, c := range contactChecks {
		if c.match(u.Nickname) || (u.Bio != "" && c.match(u.Bio)) {
			return Update{}, &ValidationError{c.message}
		}
	}
	if !alphanumPattern.MatchString(u.Nickname) {
		return Update{}, &ValidationError{"Nickname must contain alphanumeric characters"}
	}
	return u, nil
}
