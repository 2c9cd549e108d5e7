package matching

import (
	"errors"
	"fmt"
)

// Gender is a participant's own, verified gender.
type Gender string

const (
	Male   Gender = "male"
	Female Gender = "female"
)

// Preference is the gender a participant wants to be paired with.
type Preference string

const (
	PreferMale   Preference = "male"
	PreferFemale Preference = "female"
	PreferAny    Preference = "any"
)

// ErrInvalidUser is returned when a QueuedUser cannot be placed in any bucket.
var ErrInvalidUser = errors.New("matching: invalid queued user")

// ParseGender validates a stored gender value.
func ParseGender(s string) (Gender, bool) {
	switch Gender(s) {
	case Male, Female:
		return Gender(s), true
	}
	return "", false
}

// ParsePreference validates a stored preference value. Empty means any.
func ParsePreference(s string) (Preference, bool) {
	switch Preference(s) {
	case PreferMale, PreferFemale, PreferAny:
		return Preference(s), true
	case "":
		return PreferAny, true
	}
	return "", false
}

// Bucket is one waiting list, keyed by (own gender, desired gender).
type Bucket struct {
	Gender Gender
	Wants  Preference
}

// Key returns the storage key of the bucket, e.g. "ghosty:queue:male:any".
func (b Bucket) Key() string {
	return keyQueuePrefix + string(b.Gender) + ":" + string(b.Wants)
}

func (b Bucket) String() string {
	return fmt.Sprintf("%s-wants-%s", b.Gender, b.Wants)
}

// AllBuckets lists the six buckets in a stable order.
func AllBuckets() []Bucket {
	return []Bucket{
		{Male, PreferMale}, {Male, PreferFemale}, {Male, PreferAny},
		{Female, PreferMale}, {Female, PreferFemale}, {Female, PreferAny},
	}
}

// QueuedUser is a waiting participant. It is stored verbatim in its bucket
// and returned as the partner of whoever claims it.
type QueuedUser struct {
	ConnID        string     `json:"conn_id"`
	SessionID     string     `json:"session_id"`
	Gender        Gender     `json:"gender"`
	Preference    Preference `json:"preference"`
	PriorPartners []string   `json:"prior_partners"`
	Nickname      string     `json:"nickname"`
	Bio           string     `json:"bio"`
	EnqueuedAt    int64      `json:"enqueued_at"` // unix milliseconds
}

// Validate checks the fields the matcher depends on.
func (u *QueuedUser) Validate() error {
	if u == nil || u.SessionID == "" || u.ConnID == "" {
		return fmt.Errorf("%w: missing identity", ErrInvalidUser)
	}
	if _, ok := ParseGender(string(u.Gender)); !ok {
		return fmt.Errorf("%w: gender %q", ErrInvalidUser, u.Gender)
	}
	if _, ok := ParsePreference(string(u.Preference)); !ok || u.Preference == "" {
		return fmt.Errorf("%w: preference %q", ErrInvalidUser, u.Preference)
	}
	return nil
}

// Bucket returns the bucket this user waits in.
func (u *QueuedUser) Bucket() Bucket {
	return Bucket{Gender: u.Gender, Wants: u.Preference}
}

// HasPartnered reports whether sessionID is in the user's prior-partner set.
func (u *QueuedUser) HasPartnered(sessionID string) bool {
	for _, p := range u.PriorPartners {
		if p == sessionID {
			return true
		}
	}
	return false
}

// excluded reports whether a and b may not be paired because either one has
// already been paired with the other.
func excluded(a, b *QueuedUser) bool {
	return a.HasPartnered(b.SessionID) || b.HasPartnered(a.SessionID)
}
