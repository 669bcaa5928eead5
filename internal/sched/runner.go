// Package sched drives the background ticks: publishing due posts,
// retrying failed ones, and purging old terminal rows. Ticks never
// overlap themselves; a slow publish delays the next worker tick
// instead of stacking a second one on top.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/publish"
	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/store"
)

// Publisher performs one publish attempt for a post.
type Publisher interface {
	Publish(ctx context.Context, post store.ScheduledPost) (publish.Result, error)
}

// Notifier reports outcomes to the post's owner, best effort.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string)
}

type Config struct {
	WorkerInterval  time.Duration
	RetryInterval   time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	Location        *time.Location
}

type Runner struct {
	cfg   Config
	store *store.Store
	pub   Publisher
	notif Notifier
	log   zerolog.Logger

	c   *cron.Cron
	now func() time.Time
}

func NewRunner(cfg Config, st *store.Store, pub Publisher, notif Notifier, log zerolog.Logger) *Runner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Runner{
		cfg:   cfg,
		store: st,
		pub:   pub,
		notif: notif,
		log:   log,
		now:   time.Now,
	}
}

// Start registers the ticks and starts the cron loop. ctx bounds the
// work done inside ticks, not the loop itself; call Stop to end it.
func (r *Runner) Start(ctx context.Context) {
	r.c = cron.New(
		cron.WithLocation(r.cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	r.c.Schedule(cron.Every(r.cfg.WorkerInterval), cron.FuncJob(func() { r.WorkerTick(ctx) }))
	r.c.Schedule(cron.Every(r.cfg.RetryInterval), cron.FuncJob(func() { r.RetryTick(ctx) }))
	r.c.Schedule(cron.Every(r.cfg.CleanupInterval), cron.FuncJob(func() { r.CleanupTick(ctx) }))
	r.c.Start()
	r.log.Info().
		Dur("worker", r.cfg.WorkerInterval).
		Dur("retry", r.cfg.RetryInterval).
		Dur("cleanup", r.cfg.CleanupInterval).
		Msg("scheduler started")
}

// Stop halts the cron loop and waits for a running tick to finish, up
// to ctx's deadline.
func (r *Runner) Stop(ctx context.Context) {
	if r.c == nil {
		return
	}
	done := r.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.log.Warn().Msg("scheduler stop timed out with tick still running")
	}
}

// WorkerTick publishes every post whose scheduled time has arrived.
// A failure on one post never blocks the rest of the batch.
func (r *Runner) WorkerTick(ctx context.Context) {
	now := r.now()
	due, err := r.store.DuePending(ctx, now)
	if err != nil {
		r.log.Error().Err(err).Msg("due query failed")
		return
	}
	if len(due) == 0 {
		return
	}
	r.log.Info().Int("count", len(due)).Msg("publishing due posts")
	for _, post := range due {
		if ctx.Err() != nil {
			return
		}
		r.attempt(ctx, post)
	}
}

// RetryTick re-attempts failed posts whose backoff has elapsed.
func (r *Runner) RetryTick(ctx context.Context) {
	now := r.now()
	candidates, err := r.store.RetryCandidates(ctx, now)
	if err != nil {
		r.log.Error().Err(err).Msg("retry query failed")
		return
	}
	for _, post := range candidates {
		if ctx.Err() != nil {
			return
		}
		r.log.Info().Str("post_id", post.ID).Int("retry_count", post.RetryCount).Msg("retrying failed post")
		r.attempt(ctx, post)
	}
}

// CleanupTick deletes terminal posts older than the retention window.
func (r *Runner) CleanupTick(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.Retention)
	n, err := r.store.PurgeTerminalOlderThan(ctx, cutoff)
	if err != nil {
		r.log.Error().Err(err).Msg("cleanup failed")
		return
	}
	if n > 0 {
		r.log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("purged old posts")
	}
}

func (r *Runner) attempt(ctx context.Context, post store.ScheduledPost) {
	res, err := r.pub.Publish(ctx, post)
	if err == nil {
		if err := r.store.MarkPublished(ctx, post.ID, res.PublishedAt, res.ExternalID); err != nil {
			r.log.Error().Err(err).Str("post_id", post.ID).Msg("publish succeeded but state update failed")
			return
		}
		r.log.Info().Str("post_id", post.ID).Str("external_id", res.ExternalID).Msg("story published")
		r.notif.Notify(ctx, post.OwnerID, fmt.Sprintf(
			"✅ Your story scheduled for %s is published.",
			post.ScheduledAt.In(r.cfg.Location).Format("2006-01-02 15:04")))
		return
	}

	category := publish.CategoryOf(err)
	attempts := post.RetryCount + 1
	if markErr := r.store.MarkError(ctx, post.ID, err.Error(), category, attempts); markErr != nil {
		r.log.Error().Err(markErr).Str("post_id", post.ID).Msg("error state update failed")
		return
	}
	exhausted := attempts >= r.store.MaxAttempts()
	r.log.Warn().Err(err).
		Str("post_id", post.ID).
		Str("category", string(category)).
		Int("attempts", attempts).
		Bool("exhausted", exhausted).
		Msg("publish attempt failed")

	// Failures that will be retried on the clock stay silent; the owner
	// only hears about an actionable challenge or the final outcome.
	if category == store.FailAuthChallenge || exhausted {
		r.notif.Notify(ctx, post.OwnerID, r.failureMessage(post, category, attempts))
	}
}

func (r *Runner) failureMessage(post store.ScheduledPost, category store.FailureCategory, attempts int) string {
	when := post.ScheduledAt.In(r.cfg.Location).Format("2006-01-02 15:04")
	if category == store.FailAuthChallenge {
		return fmt.Sprintf("🔐 Instagram asks for a verification code before your story (%s) can go out. Send /code <6 digits> and it will be retried.", when)
	}
	return fmt.Sprintf("❌ Your story scheduled for %s failed after %d attempts and will not be retried.", when, attempts)
}
