// Package publish performs the side-effecting part of one scheduled
// post: fetch the media, hold the shared session, submit the story.
//
// Delivery is at-least-once. A crash between submission and the store
// update can cause a duplicate submission on the next attempt; records
// that already carry an external post id are skipped as a mitigation.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/store"
)

var ErrMediaNotFound = errors.New("media not found in content source")

// Error is a categorized publish failure. The category feeds retry
// eligibility and the owner notification text.
type Error struct {
	Category store.FailureCategory
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err with a category, keeping an existing category if err
// already carries one.
func Fail(category store.FailureCategory, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Category: category, Err: err}
}

// Classify assigns a category to an uncategorized error. Timeouts and
// network failures are transient; anything unknown is permanent.
func Classify(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Category: store.FailTransient, Err: err}
	case isNetError(err):
		return &Error{Category: store.FailTransient, Err: err}
	default:
		return &Error{Category: store.FailPermanent, Err: err}
	}
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}

// CategoryOf extracts the category from err, defaulting to permanent.
func CategoryOf(err error) store.FailureCategory {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return store.FailPermanent
}

// ContentSource fetches media bytes by opaque reference into a local
// temporary file and returns its path. The caller owns deletion.
type ContentSource interface {
	Fetch(ctx context.Context, mediaRef string) (path string, err error)
}

// Target is the external story feed. EnsureSession establishes or
// validates the authenticated session; PublishStory submits one media
// file. Both must respect ctx deadlines.
type Target interface {
	EnsureSession(ctx context.Context) error
	PublishStory(ctx context.Context, path string, kind store.MediaKind, audience store.Audience) (externalID string, err error)
}

// Result is a successful publish outcome. ExternalID may be empty when
// the target does not report one.
type Result struct {
	ExternalID  string
	PublishedAt time.Time
}

// Publisher runs one publish attempt end to end. The session mutex is
// the single shared resource across the worker, retry and manual-login
// paths: only one attempt may use or refresh the session at a time.
type Publisher struct {
	source ContentSource
	target Target
	log    zerolog.Logger

	sessionMu sync.Mutex
	timeout   time.Duration

	now func() time.Time
}

func New(source ContentSource, target Target, timeout time.Duration, log zerolog.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Publisher{
		source:  source,
		target:  target,
		log:     log,
		timeout: timeout,
		now:     time.Now,
	}
}

// Publish performs the full attempt for post. Safe to call repeatedly
// for the same record; failures come back as *Error.
func (p *Publisher) Publish(ctx context.Context, post store.ScheduledPost) (Result, error) {
	// A previous attempt already reached the target; don't submit twice.
	if post.ExternalPostID != "" {
		p.log.Warn().Str("post", post.ID).Str("external_id", post.ExternalPostID).
			Msg("post already submitted, skipping re-submission")
		return Result{ExternalID: post.ExternalPostID, PublishedAt: p.now().UTC()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	path, err := p.source.Fetch(ctx, post.MediaRef)
	if err != nil {
		return Result{}, Classify(fmt.Errorf("fetch media: %w", err))
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			p.log.Warn().Err(rmErr).Str("path", path).Msg("temp media not removed")
		}
	}()

	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()

	if err := p.target.EnsureSession(ctx); err != nil {
		return Result{}, Classify(fmt.Errorf("session: %w", err))
	}

	externalID, err := p.target.PublishStory(ctx, path, post.MediaKind, post.Audience)
	if err != nil {
		return Result{}, Classify(fmt.Errorf("submit story: %w", err))
	}

	res := Result{ExternalID: externalID, PublishedAt: p.now().UTC()}
	p.log.Info().
		Str("post", post.ID).
		Str("external_id", externalID).
		Dur("took", p.now().Sub(start)).
		Msg("story published")
	return res, nil
}

// WithSession runs fn while holding the shared session lock. Used by the
// manual login path (/code) so it cannot interleave with an in-flight
// publish attempt.
func (p *Publisher) WithSession(fn func() error) error {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	return fn()
}
