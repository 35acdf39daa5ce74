/*
Package tasks tracks long-running background operations.

PURPOSE:
  Long operations (summary rebuild, bulk enrichment) return a task id
  immediately; clients poll for the outcome. The tracker persists one
  run row per execution so state survives restarts, and keeps a short-
  TTL memory cache in front of the store so aggressive polling stays
  cheap.

STATE MACHINE:
  running -> completed | failed
  A task id has AT MOST ONE running run at any instant. The store
  enforces this with a create-if-absent that is atomic (a partial unique
  index on the running status), so concurrent Start callers race safely:
  exactly one wins, the others get ErrTaskAlreadyRunning.

CACHING:
  Status reads hit the memory cache first (default TTL 30s) and fall
  back to the store. State transitions write through the cache, so a
  poller sees completion immediately, not a TTL later.

OWNERSHIP:
  A Tracker is an explicitly constructed component handed to the api
  worker; there is no package-level instance.

SEE ALSO:
  - store/sqlite: persistent Store implementation
  - api/worker.go: launches the operations this package tracks
*/
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one task run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Run is one execution of a tracked task.
type Run struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Description string          `json:"description,omitempty"`
	Status      Status          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Store is the persistence the tracker needs. InsertRunning must be
// atomic: when a running run with the same task id already exists it
// returns election.ErrTaskAlreadyRunning and writes nothing.
type Store interface {
	InsertRunning(ctx context.Context, run Run) error
	CloseRun(ctx context.Context, taskID string, status Status, completedAt time.Time, result []byte, errMsg string) (*Run, error)
	LatestRun(ctx context.Context, taskID string) (*Run, error)
	DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// DefaultCacheTTL bounds how stale a cached status read may be.
const DefaultCacheTTL = 30 * time.Second

// Tracker is the persisted task status store with a memory cache.
type Tracker struct {
	store    Store
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	run     Run
	expires time.Time
}

// NewTracker creates a tracker over the given store.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:    store,
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
		cache:    map[string]cacheEntry{},
	}
}

// Start registers a new running run for the task id. When another run
// with the same id is still running, the store's atomic insert fails and
// the error satisfies errors.Is(err, election.ErrTaskAlreadyRunning).
func (t *Tracker) Start(ctx context.Context, taskID, description string) (*Run, error) {
	run := Run{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Description: description,
		Status:      StatusRunning,
		StartedAt:   t.now(),
	}
	if err := t.store.InsertRunning(ctx, run); err != nil {
		return nil, err
	}

	t.cachePut(run)
	log.Printf("[Tasks] %s started: %s", taskID, description)
	return &run, nil
}

// Complete transitions the running run to completed with a result
// payload (marshalled to JSON).
func (t *Tracker) Complete(ctx context.Context, taskID string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}

	run, err := t.store.CloseRun(ctx, taskID, StatusCompleted, t.now(), payload, "")
	if err != nil {
		return err
	}

	t.cachePut(*run)
	log.Printf("[Tasks] %s completed", taskID)
	return nil
}

// Fail transitions the running run to failed with an error message.
func (t *Tracker) Fail(ctx context.Context, taskID string, taskErr error) error {
	message := ""
	if taskErr != nil {
		message = taskErr.Error()
	}

	run, err := t.store.CloseRun(ctx, taskID, StatusFailed, t.now(), nil, message)
	if err != nil {
		return err
	}

	t.cachePut(*run)
	log.Printf("[Tasks] %s failed: %s", taskID, message)
	return nil
}

// Status returns the most recent run for the task id, serving from the
// memory cache when fresh, the store otherwise. Returns
// election.ErrTaskNotFound (via the store) for unknown ids.
func (t *Tracker) Status(ctx context.Context, taskID string) (*Run, error) {
	if run, ok := t.cacheGet(taskID); ok {
		return run, nil
	}

	run, err := t.store.LatestRun(ctx, taskID)
	if err != nil {
		return nil, err
	}
	t.cachePut(*run)
	return run, nil
}

// Cleanup removes terminal runs older than the retention window and
// drops any expired cache entries.
func (t *Tracker) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := t.now().Add(-retention)
	removed, err := t.store.DeleteTerminalRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	now := t.now()
	for id, entry := range t.cache {
		if now.After(entry.expires) {
			delete(t.cache, id)
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		log.Printf("[Tasks] Cleaned up %d old task run(s)", removed)
	}
	return removed, nil
}

func (t *Tracker) cachePut(run Run) {
	t.mu.Lock()
	t.cache[run.TaskID] = cacheEntry{run: run, expires: t.now().Add(t.cacheTTL)}
	t.mu.Unlock()
}

func (t *Tracker) cacheGet(taskID string) (*Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache[taskID]
	if !ok || t.now().After(entry.expires) {
		return nil, false
	}
	run := entry.run
	return &run, true
}
