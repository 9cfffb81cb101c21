package crawler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/models"
)

// errors
var (
	ErrAlreadyRunning = errors.New("a crawl run is already running")
)

// RunStore persists run history.
type RunStore interface {
	Create(ctx context.Context, run *models.CrawlRun) error
	Finish(ctx context.Context, run *models.CrawlRun) error
	List(ctx context.Context, limit int) ([]models.CrawlRun, error)
}

// RunResult carries the counts recorded for a finished run.
type RunResult struct {
	NewEntities int
	NewMembers  int
}

// Task is the body of a background run.
type Task func(ctx context.Context) (RunResult, error)

// RunManager runs at most one background crawl at a time.
// thread-safe
type RunManager struct {
	mu       sync.Mutex
	current  *models.CrawlRun
	cancelFn context.CancelFunc
	done     chan struct{}

	store RunStore
	log   *logger.Logger
}

// NewRunManager creates a run manager. store may be nil to keep no history.
func NewRunManager(store RunStore, log *logger.Logger) *RunManager {
	return &RunManager{store: store, log: logger.OrNop(log).Component("runs")}
}

// Start starts task in the background.
// returns ErrAlreadyRunning if a run is in progress
func (m *RunManager) Start(kind, argument string, task Task) (*models.CrawlRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrAlreadyRunning
	}

	// detached from the request context: the run outlives the HTTP handler
	ctx, cancel := context.WithCancel(context.Background())

	run := &models.CrawlRun{
		ID:        uuid.New(),
		Kind:      kind,
		Argument:  argument,
		Status:    models.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if m.store != nil {
		if err := m.store.Create(ctx, run); err != nil {
			cancel()
			return nil, err
		}
	}

	m.current = run
	m.cancelFn = cancel
	m.done = make(chan struct{})

	snapshot := *run
	go m.run(ctx, run, task, m.done)
	return &snapshot, nil
}

// Stop cancels the current run. It reports whether a run was canceled.
// safe to call when no run is active
func (m *RunManager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelFn == nil {
		return false
	}
	m.cancelFn()
	return true
}

// Current returns a copy of the running run, or nil.
func (m *RunManager) Current() *models.CrawlRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	run := *m.current
	return &run
}

// Wait blocks until the current run (if any) finishes or ctx is done.
func (m *RunManager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History lists recent runs, newest first.
func (m *RunManager) History(ctx context.Context, limit int) ([]models.CrawlRun, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.List(ctx, limit)
}

func (m *RunManager) run(ctx context.Context, run *models.CrawlRun, task Task, done chan struct{}) {
	defer close(done)

	res, err := task(ctx)
	finished := time.Now().UTC()

	m.mu.Lock()
	run.NewEntities = res.NewEntities
	run.NewMembers = res.NewMembers
	run.FinishedAt = &finished
	switch {
	case err == nil:
		run.Status = models.RunCompleted
	case errors.Is(err, context.Canceled):
		run.Status = models.RunCanceled
	default:
		run.Status = models.RunFailed
		run.Error = err.Error()
	}
	final := *run
	m.current = nil
	m.cancelFn = nil
	m.mu.Unlock()

	log := m.log.Info()
	if final.Status == models.RunFailed {
		log = m.log.Error().Str("error", final.Error)
	}
	log.Str("run_id", final.ID.String()).
		Str("kind", final.Kind).
		Str("status", string(final.Status)).
		Int("new_entities", final.NewEntities).
		Int("new_members", final.NewMembers).
		Msg("runs: run finished")

	if m.store != nil {
		if err := m.store.Finish(context.Background(), &final); err != nil {
			m.log.Warn().Err(err).Str("run_id", final.ID.String()).Msg("runs: failed to record run")
		}
	}
}
