package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("post not found")
	// ErrConflict is returned when a guarded status transition finds the
	// record in an unexpected state (e.g. publishing a cancelled post).
	ErrConflict = errors.New("post status conflict")

	ErrScheduleTooSoon   = errors.New("scheduled time is too soon")
	ErrScheduleTooFar    = errors.New("scheduled time is too far in the future")
	ErrSchedulePassed    = errors.New("scheduled time already passed")
	ErrPendingCapReached = errors.New("pending post cap reached")
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

type Audience string

const (
	AudiencePublic       Audience = "public"
	AudienceCloseFriends Audience = "close_friends"
)

// FailureCategory classifies a failed publish attempt. It decides the
// user notification text and whether the record is eligible for timed
// retry: auth-challenge failures wait for a second-factor code instead
// of burning retry budget on a clock.
type FailureCategory string

const (
	FailAuthChallenge FailureCategory = "auth_challenge"
	FailAuthRejected  FailureCategory = "auth_rejected"
	FailRateLimited   FailureCategory = "rate_limited"
	FailTransient     FailureCategory = "transient"
	FailPermanent     FailureCategory = "permanent"
)

// ScheduledPost is one planned story publication. MediaRef is an opaque
// handle into the content source (a Telegram file_id); the bytes are
// fetched lazily at publish time, never stored here.
type ScheduledPost struct {
	ID             string
	OwnerID        int64
	MediaRef       string
	MediaKind      MediaKind
	Audience       Audience
	ScheduledAt    time.Time // UTC
	Status         Status
	RetryCount     int
	LastError      string
	ErrorCategory  FailureCategory
	PublishedAt    time.Time // zero until published
	ExternalPostID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateParams is the caller-supplied part of a new ScheduledPost.
type CreateParams struct {
	OwnerID     int64
	MediaRef    string
	MediaKind   MediaKind
	Audience    Audience
	ScheduledAt time.Time
}

// OwnerStats summarizes one owner's records per status.
type OwnerStats struct {
	Pending   int
	Published int
	Errored   int
	Cancelled int
}

// Config bounds creation and retry eligibility. Backoff[i] is the delay
// after the (i+1)-th failed attempt; the last entry repeats once the
// attempt count runs past the end.
type Config struct {
	Path            string
	BusyTimeout     time.Duration
	MinLead         time.Duration
	MaxHorizon      time.Duration
	PendingPerOwner int
	MaxAttempts     int
	Backoff         []time.Duration
}

// BackoffFor returns the delay the record must wait out before it
// becomes a retry candidate again; idx is retry_count-1.
func (c Config) BackoffFor(idx int) time.Duration {
	if len(c.Backoff) == 0 {
		return 5 * time.Minute
	}
	if idx >= len(c.Backoff) {
		return c.Backoff[len(c.Backoff)-1]
	}
	if idx < 0 {
		idx = 0
	}
	return c.Backoff[idx]
}
