package signing

import (
	"context"
	"sync"
	"time"
)

// Draft is a persisted, resumable snapshot of in-progress field values.
type Draft struct {
	Values  Values    `json:"values"`
	Status  Status    `json:"status"`
	SavedAt time.Time `json:"lastSavedAt"`
}

// DraftStore is the injected persistence collaborator for drafts. The second
// return of Get reports whether a draft exists.
type DraftStore interface {
	Get(ctx context.Context, sessionID string) (Draft, bool, error)
	Put(ctx context.Context, sessionID string, draft Draft) error
}

type SaveState string

const (
	SaveIdle  SaveState = "idle"
	SaveSaved SaveState = "saved"
	SaveError SaveState = "error"
)

// autosaveMaxRuntime force-stops the interval loop even without teardown.
const autosaveMaxRuntime = 4 * time.Hour

// Coordinator periodically persists a session's values so the session can be
// resumed after reload or crash. Failures are non-fatal: the state flips to
// SaveError and the next tick retries. Saving never blocks user interaction.
// While the interval loop is running, value mutations must go through
// SetValue/ClearValue: the loop snapshots the map under the same mutex, and
// an unsynchronized Session.SetValue would race it.
type Coordinator struct {
	store   DraftStore
	session *Session

	mu    sync.Mutex
	dirty bool
	state SaveState
	task  *Task
}

func NewCoordinator(store DraftStore, session *Session) *Coordinator {
	return &Coordinator{store: store, session: session, state: SaveIdle}
}

// Start begins the interval loop. Idempotent; a second call is a no-op.
func (c *Coordinator) Start(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task != nil {
		return
	}
	c.task = Every(interval, autosaveMaxRuntime, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.tick(ctx)
	})
}

// Stop tears down the interval loop. Orphaned timers are a leak; the
// orchestrator calls this on every terminal transition.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	task := c.task
	c.task = nil
	c.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// MarkDirty records that at least one value changed since the last save.
func (c *Coordinator) MarkDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// SetValue applies a field mutation under the coordinator's mutex and marks
// the draft dirty, so a concurrent tick never reads the map mid-write.
func (c *Coordinator) SetValue(fieldID string, value Value) {
	c.mu.Lock()
	c.session.SetValue(fieldID, value)
	c.dirty = true
	c.mu.Unlock()
}

// ClearValue removes a field entry under the same mutex as SetValue.
func (c *Coordinator) ClearValue(fieldID string) {
	c.mu.Lock()
	c.session.ClearValue(fieldID)
	c.dirty = true
	c.mu.Unlock()
}

func (c *Coordinator) State() SaveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	if !c.dirty || len(c.session.Values) == 0 || c.session.Status == StatusCompleted {
		c.mu.Unlock()
		return
	}
	draft := Draft{
		Values:  c.session.Values.Clone(),
		Status:  c.session.Status,
		SavedAt: time.Now(),
	}
	c.mu.Unlock()

	if err := c.store.Put(ctx, c.session.ID, draft); err != nil {
		c.mu.Lock()
		c.state = SaveError
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.dirty = false
	c.state = SaveSaved
	c.mu.Unlock()
}

// Flush persists synchronously, best-effort. Used on page-unload style
// teardown; the error is returned for logging but callers ignore it.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.session.Values) == 0 || c.session.Status == StatusCompleted {
		c.mu.Unlock()
		return nil
	}
	draft := Draft{
		Values:  c.session.Values.Clone(),
		Status:  c.session.Status,
		SavedAt: time.Now(),
	}
	c.mu.Unlock()
	return c.store.Put(ctx, c.session.ID, draft)
}

// Restore loads the persisted draft, if any. The caller decides whether to
// apply it via Session.Restore; applying it recomputes derived validation
// state on the next evaluator call.
func (c *Coordinator) Restore(ctx context.Context) (Draft, bool, error) {
	return c.store.Get(ctx, c.session.ID)
}
