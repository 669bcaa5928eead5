package bot

import (
	"sync"

	"github.com/ZacoFunKy/Instagram-Story-Programmation/internal/store"
)

// A schedule dialog walks three steps: media received, audience picked,
// time given. The draft holds what has been collected so far; sending
// new media at any point restarts the dialog.
type draftStage int

const (
	stageAudience draftStage = iota // media staged, waiting for audience pick
	stageTime                       // audience picked, waiting for time text
)

type draft struct {
	fileID   string
	kind     store.MediaKind
	audience store.Audience
	stage    draftStage
}

type draftTable struct {
	mu sync.Mutex
	m  map[int64]*draft
}

func newDraftTable() *draftTable {
	return &draftTable{m: make(map[int64]*draft)}
}

func (t *draftTable) begin(chatID int64, fileID string, kind store.MediaKind) {
	t.mu.Lock()
	t.m[chatID] = &draft{fileID: fileID, kind: kind, stage: stageAudience}
	t.mu.Unlock()
}

// pickAudience advances the dialog; it reports false when there is no
// draft waiting for an audience (stale button press).
func (t *draftTable) pickAudience(chatID int64, a store.Audience) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.m[chatID]
	if !ok || d.stage != stageAudience {
		return false
	}
	d.audience = a
	d.stage = stageTime
	return true
}

// awaitingTime returns the draft if the dialog is waiting for time text.
func (t *draftTable) awaitingTime(chatID int64) (*draft, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.m[chatID]
	if !ok || d.stage != stageTime {
		return nil, false
	}
	return d, true
}

func (t *draftTable) clear(chatID int64) {
	t.mu.Lock()
	delete(t.m, chatID)
	t.mu.Unlock()
}
