package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/store"
)

type fakeSource struct {
	dir string
	err error

	mu   sync.Mutex
	refs []string
}

func (f *fakeSource) Fetch(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	f.refs = append(f.refs, ref)
	n := len(f.refs)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.dir, fmt.Sprintf("media-%s-%d", ref, n))
	if err := os.WriteFile(path, []byte("bytes"), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refs)
}

type fakeTarget struct {
	mu         sync.Mutex
	sessionErr error
	submitErr  error
	externalID string
	submitted  []string // media paths seen by PublishStory
	inFlight   int
	maxFlight  int
}

func (f *fakeTarget) EnsureSession(context.Context) error {
	return f.sessionErr
}

func (f *fakeTarget) PublishStory(_ context.Context, path string, _ store.MediaKind, _ store.Audience) (string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	f.mu.Lock()
	f.inFlight--
	f.submitted = append(f.submitted, path)
	f.mu.Unlock()

	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.externalID, nil
}

func testPost() store.ScheduledPost {
	return store.ScheduledPost{
		ID:        "post-1",
		OwnerID:   42,
		MediaRef:  "ref-1",
		MediaKind: store.MediaPhoto,
		Audience:  store.AudiencePublic,
	}
}

func TestPublishSuccessCleansTempFile(t *testing.T) {
	src := &fakeSource{dir: t.TempDir()}
	tgt := &fakeTarget{externalID: "ext-99"}
	p := New(src, tgt, time.Second, zerolog.Nop())

	res, err := p.Publish(context.Background(), testPost())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.ExternalID != "ext-99" {
		t.Fatalf("external id = %q", res.ExternalID)
	}
	if res.PublishedAt.IsZero() {
		t.Fatal("published_at not set")
	}
	if len(tgt.submitted) != 1 {
		t.Fatalf("submitted %d times", len(tgt.submitted))
	}
	if _, err := os.Stat(tgt.submitted[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp media survived the attempt: %v", err)
	}
}

func TestPublishFailureCleansTempFile(t *testing.T) {
	src := &fakeSource{dir: t.TempDir()}
	tgt := &fakeTarget{submitErr: Fail(store.FailRateLimited, errors.New("429"))}
	p := New(src, tgt, time.Second, zerolog.Nop())

	_, err := p.Publish(context.Background(), testPost())
	if err == nil {
		t.Fatal("expected error")
	}
	if CategoryOf(err) != store.FailRateLimited {
		t.Fatalf("category = %s", CategoryOf(err))
	}
	if _, statErr := os.Stat(tgt.submitted[0]); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("temp media survived the failed attempt: %v", statErr)
	}
}

func TestPublishSkipsWhenExternalIDExists(t *testing.T) {
	src := &fakeSource{dir: t.TempDir()}
	tgt := &fakeTarget{externalID: "new"}
	p := New(src, tgt, time.Second, zerolog.Nop())

	post := testPost()
	post.ExternalPostID = "already-there"

	res, err := p.Publish(context.Background(), post)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.ExternalID != "already-there" {
		t.Fatalf("external id = %q", res.ExternalID)
	}
	if src.fetchCount() != 0 || len(tgt.submitted) != 0 {
		t.Fatal("skipped publish still touched collaborators")
	}
}

func TestPublishSessionFailureCategory(t *testing.T) {
	src := &fakeSource{dir: t.TempDir()}
	tgt := &fakeTarget{sessionErr: Fail(store.FailAuthChallenge, errors.New("code required"))}
	p := New(src, tgt, time.Second, zerolog.Nop())

	_, err := p.Publish(context.Background(), testPost())
	if CategoryOf(err) != store.FailAuthChallenge {
		t.Fatalf("category = %s, want auth_challenge", CategoryOf(err))
	}
}

func TestPublishFetchFailureIsClassified(t *testing.T) {
	src := &fakeSource{dir: t.TempDir(), err: context.DeadlineExceeded}
	p := New(src, &fakeTarget{}, time.Second, zerolog.Nop())

	_, err := p.Publish(context.Background(), testPost())
	if CategoryOf(err) != store.FailTransient {
		t.Fatalf("category = %s, want transient", CategoryOf(err))
	}

	src.err = ErrMediaNotFound
	_, err = p.Publish(context.Background(), testPost())
	if CategoryOf(err) != store.FailPermanent {
		t.Fatalf("category = %s, want permanent", CategoryOf(err))
	}
}

func TestPublishSerializesSessionUse(t *testing.T) {
	src := &fakeSource{dir: t.TempDir()}
	tgt := &fakeTarget{externalID: "x"}
	p := New(src, tgt, time.Second, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Publish(context.Background(), testPost()); err != nil {
				t.Errorf("Publish: %v", err)
			}
		}()
	}
	wg.Wait()

	if tgt.maxFlight != 1 {
		t.Fatalf("concurrent session use observed: max in-flight %d", tgt.maxFlight)
	}
}

func TestClassifyKeepsExistingCategory(t *testing.T) {
	inner := Fail(store.FailAuthRejected, errors.New("bad password"))
	wrapped := Classify(fmt.Errorf("outer: %w", inner))
	if wrapped.Category != store.FailAuthRejected {
		t.Fatalf("category = %s", wrapped.Category)
	}
}
