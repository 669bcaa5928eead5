package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig(path string) Config {
	return Config{
		Path:            path,
		MinLead:         time.Minute,
		MaxHorizon:      365 * 24 * time.Hour,
		PendingPerOwner: 3,
		MaxAttempts:     3,
		Backoff:         []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour},
	}
}

func openTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	cfg := testConfig(filepath.Join(t.TempDir(), "posts.db"))
	s, err := Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func mustCreate(t *testing.T, s *Store, owner int64, at time.Time) *ScheduledPost {
	t.Helper()
	p, err := s.Create(context.Background(), CreateParams{
		OwnerID:     owner,
		MediaRef:    "file-id-123",
		MediaKind:   MediaPhoto,
		Audience:    AudiencePublic,
		ScheduledAt: at,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func TestCreateValidatesWindow(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	cases := []struct {
		at   time.Time
		want error
	}{
		{now.Add(-time.Hour), ErrSchedulePassed},
		{now.Add(30 * time.Second), ErrScheduleTooSoon},
		{now.Add(400 * 24 * time.Hour), ErrScheduleTooFar},
	}
	for _, c := range cases {
		_, err := s.Create(ctx, CreateParams{OwnerID: 1, MediaRef: "f", MediaKind: MediaPhoto, Audience: AudiencePublic, ScheduledAt: c.at})
		if !errors.Is(err, c.want) {
			t.Fatalf("Create(at=%v) = %v, want %v", c.at, err, c.want)
		}
	}

	// Nothing entered the store.
	due, err := s.DuePending(ctx, now.Add(500*24*time.Hour))
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("validation failures mutated the store: %d rows", len(due))
	}
}

func TestCreatePerOwnerCap(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustCreate(t, s, 7, now.Add(time.Duration(i+2)*time.Hour))
	}
	_, err := s.Create(ctx, CreateParams{OwnerID: 7, MediaRef: "f", MediaKind: MediaPhoto, Audience: AudiencePublic, ScheduledAt: now.Add(10 * time.Hour)})
	if !errors.Is(err, ErrPendingCapReached) {
		t.Fatalf("want ErrPendingCapReached, got %v", err)
	}

	// Another owner is unaffected.
	mustCreate(t, s, 8, now.Add(2*time.Hour))

	pending, err := s.ListPending(ctx, 7)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("cap breach mutated the store: %d pending", len(pending))
	}
}

func TestDuePendingOrderAndRoundTrip(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	late := mustCreate(t, s, 1, now.Add(3*time.Hour))
	early := mustCreate(t, s, 1, now.Add(time.Hour))
	mid := mustCreate(t, s, 2, now.Add(2*time.Hour))

	// Not due yet.
	due, err := s.DuePending(ctx, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("posts due before their time: %d", len(due))
	}

	// All due, earliest first.
	due, err = s.DuePending(ctx, now.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("want 3 due, got %d", len(due))
	}
	if due[0].ID != early.ID || due[1].ID != mid.ID || due[2].ID != late.ID {
		t.Fatalf("wrong order: %s %s %s", due[0].ID, due[1].ID, due[2].ID)
	}
}

func TestMarkPublishedIdempotent(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, 1, now.Add(time.Hour))
	at := now.Add(time.Hour).Add(time.Minute)

	if err := s.MarkPublished(ctx, p.ID, at, "ext-1"); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	// Second delivery of the same outcome is a no-op success.
	if err := s.MarkPublished(ctx, p.ID, at.Add(time.Hour), "ext-other"); err != nil {
		t.Fatalf("second MarkPublished: %v", err)
	}

	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPublished {
		t.Fatalf("status = %s", got.Status)
	}
	if !got.PublishedAt.Equal(at) || got.ExternalPostID != "ext-1" {
		t.Fatalf("second call overwrote first outcome: %v %q", got.PublishedAt, got.ExternalPostID)
	}
}

func TestMarkPublishedAfterRetrySuccess(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, 1, now.Add(time.Hour))
	if err := s.MarkError(ctx, p.ID, "flaky upload", FailTransient, 1); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	if err := s.MarkPublished(ctx, p.ID, now.Add(2*time.Hour), "ext-retry"); err != nil {
		t.Fatalf("MarkPublished after ERROR: %v", err)
	}
	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPublished || got.LastError != "" {
		t.Fatalf("retry success not recorded: status=%s last_error=%q", got.Status, got.LastError)
	}
}

func TestMarkPublishedConflictsWithCancelled(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, 1, now.Add(time.Hour))
	if ok, _ := s.Cancel(ctx, p.ID, 1); !ok {
		t.Fatal("cancel failed")
	}
	err := s.MarkPublished(ctx, p.ID, now.Add(time.Hour), "ext")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestCancelIdempotentAndOwnerScoped(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, 1, now.Add(time.Hour))

	// Wrong owner: no effect.
	if ok, err := s.Cancel(ctx, p.ID, 999); err != nil || ok {
		t.Fatalf("foreign cancel = (%v, %v)", ok, err)
	}

	if ok, err := s.Cancel(ctx, p.ID, 1); err != nil || !ok {
		t.Fatalf("first cancel = (%v, %v)", ok, err)
	}
	if ok, err := s.Cancel(ctx, p.ID, 1); err != nil || ok {
		t.Fatalf("second cancel = (%v, %v), want no-op", ok, err)
	}

	got, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	pending, err := s.ListPending(ctx, 1)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("cancelled post still listed: %d", len(pending))
	}
}

func TestRetryBudgetAndBackoff(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, 1, now.Add(time.Hour))
	failedAt := *now

	if err := s.MarkError(ctx, p.ID, "network timeout", FailTransient, 1); err != nil {
		t.Fatalf("MarkError: %v", err)
	}

	// Backoff after the first failed attempt is 5 minutes: not a
	// candidate yet.
	cands, err := s.RetryCandidates(ctx, failedAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("RetryCandidates: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("candidate before backoff elapsed")
	}

	cands, err = s.RetryCandidates(ctx, failedAt.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("RetryCandidates: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != p.ID {
		t.Fatalf("want 1 candidate, got %d", len(cands))
	}

	// Exhaust the budget: after max_attempts failures the record never
	// reappears, regardless of elapsed time.
	for attempt := 2; attempt <= s.MaxAttempts(); attempt++ {
		if err := s.MarkError(ctx, p.ID, "still failing", FailTransient, attempt); err != nil {
			t.Fatalf("MarkError(%d): %v", attempt, err)
		}
	}
	got, _ := s.Get(ctx, p.ID)
	if got.RetryCount != s.MaxAttempts() || got.Status != StatusError {
		t.Fatalf("exhausted record: status=%s retry_count=%d", got.Status, got.RetryCount)
	}
	cands, err = s.RetryCandidates(ctx, failedAt.Add(100*time.Hour))
	if err != nil {
		t.Fatalf("RetryCandidates: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("exhausted record still a candidate")
	}
}

func TestAuthChallengeExcludedUntilRequeued(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, 1, now.Add(time.Hour))
	if err := s.MarkError(ctx, p.ID, "two-factor code required", FailAuthChallenge, 1); err != nil {
		t.Fatalf("MarkError: %v", err)
	}

	// Never a timed-retry candidate, no matter how long has passed.
	cands, err := s.RetryCandidates(ctx, now.Add(100*time.Hour))
	if err != nil {
		t.Fatalf("RetryCandidates: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("challenged record offered for timed retry")
	}

	n, err := s.RequeueChallenged(ctx)
	if err != nil {
		t.Fatalf("RequeueChallenged: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	cands, err = s.RetryCandidates(ctx, now.Add(100*time.Hour))
	if err != nil {
		t.Fatalf("RetryCandidates: %v", err)
	}
	if len(cands) != 1 || cands[0].RetryCount != 1 {
		t.Fatalf("requeued record not eligible: %+v", cands)
	}
}

func TestPurgeTerminalOlderThan(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	published := mustCreate(t, s, 1, now.Add(time.Hour))
	cancelled := mustCreate(t, s, 1, now.Add(time.Hour))
	exhausted := mustCreate(t, s, 2, now.Add(time.Hour))
	retryable := mustCreate(t, s, 2, now.Add(time.Hour))
	pending := mustCreate(t, s, 3, now.Add(time.Hour))

	if err := s.MarkPublished(ctx, published.ID, now.Add(time.Hour), ""); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Cancel(ctx, cancelled.ID, 1); !ok {
		t.Fatal("cancel failed")
	}
	if err := s.MarkError(ctx, exhausted.ID, "rejected", FailAuthRejected, s.MaxAttempts()); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkError(ctx, retryable.ID, "timeout", FailTransient, 1); err != nil {
		t.Fatal(err)
	}

	// Cutoff in the future relative to all updates: terminal rows go,
	// PENDING and retryable ERROR stay.
	n, err := s.PurgeTerminalOlderThan(ctx, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 3 {
		t.Fatalf("purged %d, want 3", n)
	}
	if _, err := s.Get(ctx, pending.ID); err != nil {
		t.Fatalf("pending row purged: %v", err)
	}
	if _, err := s.Get(ctx, retryable.ID); err != nil {
		t.Fatalf("retryable row purged: %v", err)
	}
	if _, err := s.Get(ctx, published.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("published row survived: %v", err)
	}
}

func TestStats(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, 5, now.Add(time.Hour))
	mustCreate(t, s, 5, now.Add(2*time.Hour))
	b := mustCreate(t, s, 5, now.Add(3*time.Hour))

	if err := s.MarkPublished(ctx, a.ID, now.Add(time.Hour), "x"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Cancel(ctx, b.ID, 5); !ok {
		t.Fatal("cancel failed")
	}

	st, err := s.Stats(ctx, 5)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := OwnerStats{Pending: 1, Published: 1, Cancelled: 1}
	if st != want {
		t.Fatalf("Stats = %+v, want %+v", st, want)
	}
}

func TestBackoffForClamps(t *testing.T) {
	cfg := testConfig("unused")
	if d := cfg.BackoffFor(0); d != 5*time.Minute {
		t.Fatalf("BackoffFor(0) = %v", d)
	}
	if d := cfg.BackoffFor(2); d != time.Hour {
		t.Fatalf("BackoffFor(2) = %v", d)
	}
	if d := cfg.BackoffFor(50); d != time.Hour {
		t.Fatalf("BackoffFor(50) = %v", d)
	}
}
