/*
worker.go - Background worker for long-running operations

PURPOSE:
  Summary rebuilds and bulk enrichment take minutes, not milliseconds.
  The worker launches them on goroutines so the triggering request
  returns immediately with a task id, and runs a periodic cleanup of
  old task runs.

DESIGN:
  - One goroutine per launched operation, tracked by a WaitGroup
  - The task tracker's atomic start is the duplicate guard: launching
    an operation that is already running returns ErrTaskAlreadyRunning
    without spawning anything
  - Stop cancels the shared context; running operations notice at their
    next item boundary and are recorded as failed

CONFIGURATION:
  - CleanupInterval: how often terminal runs are garbage-collected
    (default: 1 hour)
  - Retention: how long terminal runs are kept (default: 24 hours)

USAGE:
  worker := api.NewWorker(store, mapper, enricher, tracker)
  worker.Start()
  // ... later
  worker.Stop()

SEE ALSO:
  - handlers.go: the trigger endpoints
  - tasks: the tracker guarding duplicate launches
*/
package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrutin/election-engine/election"
	"github.com/scrutin/election-engine/enrich"
	"github.com/scrutin/election-engine/store/sqlite"
	"github.com/scrutin/election-engine/tasks"
)

// Task ids are stable across runs so clients can poll well-known names.
const (
	TaskRebuild    = "summary-rebuild"
	TaskEnrichment = "enrichment"
)

// RebuildMode selects how much of the derived table is recomputed.
type RebuildMode string

const (
	RebuildFull        RebuildMode = "full"
	RebuildIncremental RebuildMode = "incremental"
)

// ParseRebuildMode maps the query parameter to a mode; empty defaults
// to full.
func ParseRebuildMode(raw string) (RebuildMode, error) {
	switch RebuildMode(raw) {
	case "", RebuildFull:
		return RebuildFull, nil
	case RebuildIncremental:
		return RebuildIncremental, nil
	default:
		return "", fmt.Errorf("%w: unknown rebuild mode %q", election.ErrValidation, raw)
	}
}

// Worker launches and supervises background operations.
type Worker struct {
	Store           *sqlite.Store
	Mapper          *election.Mapper
	Enricher        *enrich.Runner
	Tracker         *tasks.Tracker
	CleanupInterval time.Duration
	Retention       time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewWorker creates a worker with default cleanup settings.
func NewWorker(store *sqlite.Store, mapper *election.Mapper, enricher *enrich.Runner, tracker *tasks.Tracker) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		Store:           store,
		Mapper:          mapper,
		Enricher:        enricher,
		Tracker:         tracker,
		CleanupInterval: 1 * time.Hour,
		Retention:       24 * time.Hour,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start begins the periodic task-run cleanup.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ticker = time.NewTicker(w.CleanupInterval)
	w.wg.Add(1)
	go w.runCleanup()

	log.Printf("[Worker] Started with cleanup interval %v, retention %v", w.CleanupInterval, w.Retention)
}

// Stop cancels running operations and waits for them to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker != nil {
		w.ticker.Stop()
	}
	w.cancel()
	w.wg.Wait()
	log.Println("[Worker] Stopped")
}

func (w *Worker) runCleanup() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ticker.C:
			if _, err := w.Tracker.Cleanup(w.ctx, w.Retention); err != nil {
				log.Printf("[Worker] Cleanup failed: %v", err)
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// =============================================================================
// OPERATION LAUNCHERS
// =============================================================================

// LaunchRebuild starts an async summary rebuild. Returns the created run
// or ErrTaskAlreadyRunning when one is in flight.
func (w *Worker) LaunchRebuild(mode RebuildMode) (*tasks.Run, error) {
	run, err := w.Tracker.Start(w.ctx, TaskRebuild, fmt.Sprintf("%s summary rebuild", mode))
	if err != nil {
		return nil, err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		written, rebuildMode, err := w.rebuild(w.ctx, mode)
		if err != nil {
			log.Printf("[Worker] Rebuild failed: %v", err)
			if failErr := w.Tracker.Fail(context.Background(), TaskRebuild, err); failErr != nil {
				log.Printf("[Worker] Could not record rebuild failure: %v", failErr)
			}
			return
		}
		result := map[string]any{"mode": string(rebuildMode), "summaries": written}
		if err := w.Tracker.Complete(context.Background(), TaskRebuild, result); err != nil {
			log.Printf("[Worker] Could not record rebuild completion: %v", err)
		}
	}()
	return run, nil
}

// LaunchEnrichment starts an async bulk enrichment run.
func (w *Worker) LaunchEnrichment() (*tasks.Run, error) {
	run, err := w.Tracker.Start(w.ctx, TaskEnrichment, "registry enrichment of invitations")
	if err != nil {
		return nil, err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		result, err := w.Enricher.Run(w.ctx)
		if err != nil {
			log.Printf("[Worker] Enrichment failed: %v", err)
			if failErr := w.Tracker.Fail(context.Background(), TaskEnrichment, err); failErr != nil {
				log.Printf("[Worker] Could not record enrichment failure: %v", failErr)
			}
			return
		}
		if err := w.Tracker.Complete(context.Background(), TaskEnrichment, result); err != nil {
			log.Printf("[Worker] Could not record enrichment completion: %v", err)
		}
	}()
	return run, nil
}

// =============================================================================
// SUMMARY REBUILD
// =============================================================================

// rebuild recomputes the derived table. An incremental run with no
// prior watermark falls back to a full one. Returns the row count
// written and the mode actually executed.
func (w *Worker) rebuild(ctx context.Context, mode RebuildMode) (int, RebuildMode, error) {
	// The mapping is a pure function of the ballots; refresh it so the
	// rebuild resolves federations against current data
	pairs, err := w.Store.CodePairs(ctx)
	if err != nil {
		return 0, mode, err
	}
	w.Mapper.Rebuild(pairs)

	rebuiltAt := time.Now().UTC()

	if mode == RebuildIncremental {
		watermark, err := w.Store.LastRebuildAt(ctx)
		if err != nil {
			return 0, mode, err
		}
		if watermark == nil {
			log.Println("[Worker] No previous rebuild, falling back to full")
			mode = RebuildFull
		} else {
			written, err := w.rebuildIncremental(ctx, *watermark, rebuiltAt)
			return written, mode, err
		}
	}

	ballots, err := w.Store.ListBallots(ctx)
	if err != nil {
		return 0, mode, err
	}
	invitations, err := w.Store.ListInvitations(ctx)
	if err != nil {
		return 0, mode, err
	}

	summaries := election.BuildSummaries(ballots, invitations, w.Mapper, rebuiltAt)
	written, err := w.Store.ReplaceSummaries(ctx, summaries, rebuiltAt)
	if err != nil {
		return 0, mode, err
	}
	log.Printf("[Worker] Full rebuild wrote %d summary row(s)", written)
	return written, mode, nil
}

func (w *Worker) rebuildIncremental(ctx context.Context, watermark, rebuiltAt time.Time) (int, error) {
	touched, err := w.Store.SiretsTouchedSince(ctx, watermark)
	if err != nil {
		return 0, err
	}
	if len(touched) == 0 {
		log.Println("[Worker] Incremental rebuild: nothing touched since last run")
		return 0, nil
	}

	ballots, err := w.Store.ListBallotsForSirets(ctx, touched)
	if err != nil {
		return 0, err
	}
	invitations, err := w.Store.ListInvitationsForSirets(ctx, touched)
	if err != nil {
		return 0, err
	}

	summaries := election.BuildSummaries(ballots, invitations, w.Mapper, rebuiltAt)
	written, err := w.Store.UpsertSummaries(ctx, touched, summaries, rebuiltAt)
	if err != nil {
		return 0, err
	}
	log.Printf("[Worker] Incremental rebuild recomputed %d establishment(s)", written)
	return written, nil
}
