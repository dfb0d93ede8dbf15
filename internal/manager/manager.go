// Package manager is the entry point callers use to run migrations: it
// guards against concurrent runs, records history and fans events out.
package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/fitsync-migrate/internal/checkpoint"
	"github.com/johndauphine/fitsync-migrate/internal/conflict"
	"github.com/johndauphine/fitsync-migrate/internal/engine"
	"github.com/johndauphine/fitsync-migrate/internal/events"
	"github.com/johndauphine/fitsync-migrate/internal/logging"
	"github.com/johndauphine/fitsync-migrate/internal/metrics"
)

var (
	ErrAlreadyRunning   = errors.New("a migration is already running")
	ErrNotRunning       = errors.New("no migration is running")
	ErrCancelNotAllowed = errors.New("cancelling a migration is disabled by configuration")
	ErrAlreadyMigrated  = errors.New("profile has already been migrated")
	ErrNothingToMigrate = errors.New("no local data to migrate")
)

// LocalData reports whether there is anything to migrate.
type LocalData interface {
	HasLocalData(ctx context.Context) (bool, error)
}

// Config holds manager behavior settings.
type Config struct {
	// Strategy resolves conflicts that have no explicit or automatic resolution.
	Strategy conflict.Strategy
	// Resolutions are applied to every run in addition to per-call ones.
	Resolutions  map[string]conflict.Strategy
	AllowCancel  bool
	HistoryLimit int
}

// Manager owns the single migration that may run in this process.
type Manager struct {
	engine  *engine.Engine
	local   LocalData
	store   *checkpoint.Store
	history *checkpoint.History
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	running  bool // guard held by start, resume and rollback
	active   bool // a start or resume is executing steps
	cancel   context.CancelFunc
	progress *engine.Progress
	result   *engine.Result

	progressBus *events.Bus[engine.Progress]
	resultBus   *events.Bus[*engine.Result]
	stateBus    *events.Bus[Status]
}

// New creates a manager.
func New(eng *engine.Engine, local LocalData, store *checkpoint.Store, cfg Config) *Manager {
	return &Manager{
		engine:      eng,
		local:       local,
		store:       store,
		history:     checkpoint.NewHistory(store, cfg.HistoryLimit),
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		progressBus: events.NewBus[engine.Progress]("progress"),
		resultBus:   events.NewBus[*engine.Result]("result"),
		stateBus:    events.NewBus[Status]("state"),
	}
}

// OnProgress subscribes to per-step progress.
func (m *Manager) OnProgress(fn func(engine.Progress)) *events.Subscription {
	return m.progressBus.Subscribe(fn)
}

// OnResult subscribes to the result of every start or resume.
func (m *Manager) OnResult(fn func(*engine.Result)) *events.Subscription {
	return m.resultBus.Subscribe(fn)
}

// OnStateChange subscribes to status changes: a run starting, ending, or a rollback.
func (m *Manager) OnStateChange(fn func(Status)) *events.Subscription {
	return m.stateBus.Subscribe(fn)
}

// CurrentProgress returns the latest progress of the running migration, or nil.
func (m *Manager) CurrentProgress() *engine.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progress == nil {
		return nil
	}
	p := *m.progress
	return &p
}

// CurrentResult returns the result of the last start or resume, or nil.
func (m *Manager) CurrentResult() *engine.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// IsRunning reports whether a migration or rollback is in progress.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// History returns the retained attempts, oldest first.
func (m *Manager) History() ([]checkpoint.Attempt, error) {
	return m.history.List()
}

// RunOptions are per-call additions to the manager Config.
type RunOptions struct {
	Resolutions map[string]conflict.Strategy
	// Strategy overrides Config.Strategy when set.
	Strategy conflict.Strategy
}

// StartMigration migrates userID from the first step.
func (m *Manager) StartMigration(ctx context.Context, userID string, opts RunOptions) (*engine.Result, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.release()

	done, err := m.store.Completed(userID)
	if err != nil {
		return nil, fmt.Errorf("checking completion marker: %w", err)
	}
	if done {
		return nil, ErrAlreadyMigrated
	}
	has, err := m.local.HasLocalData(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking local data: %w", err)
	}
	if !has {
		return nil, ErrNothingToMigrate
	}
	return m.runEngine(ctx, "start", userID, opts, m.engine.Start)
}

// ResumeMigration continues the stored checkpoint for userID. A checkpoint
// written by an incompatible version is discarded and a fresh migration started.
func (m *Manager) ResumeMigration(ctx context.Context, userID string, opts RunOptions) (*engine.Result, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.release()

	res, err := m.runEngine(ctx, "resume", userID, opts, m.engine.Resume)
	if errors.Is(err, checkpoint.ErrSchemaMismatch) {
		logging.Warn("Stored checkpoint is from an incompatible version, starting over: %v", err)
		if cerr := m.store.Clear(); cerr != nil {
			return nil, fmt.Errorf("clearing stale checkpoint: %w", cerr)
		}
		if cerr := m.store.ClearBackup(); cerr != nil {
			logging.Warn("Clearing stale backup: %v", cerr)
		}
		return m.runEngine(ctx, "start", userID, opts, m.engine.Start)
	}
	return res, err
}

// CancelMigration asks the running migration to stop after its current step.
// The step in flight is not interrupted; a later resume continues from the
// last checkpoint.
func (m *Manager) CancelMigration() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.AllowCancel {
		return ErrCancelNotAllowed
	}
	if !m.running || m.cancel == nil {
		return ErrNotRunning
	}
	m.cancel()
	m.progress = nil
	logging.Info("Cancellation requested; the current step will finish first")
	return nil
}

// RollbackMigration undoes the stored checkpoint for userID.
func (m *Manager) RollbackMigration(ctx context.Context, userID string) (*engine.RollbackResult, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.release()

	attempt := m.newAttempt("rollback", userID)
	res, err := protect(func() (*engine.RollbackResult, error) {
		return m.engine.Rollback(ctx, userID)
	})
	attempt.EndTime = m.now()
	switch {
	case err != nil:
		attempt.Error = err.Error()
	case res != nil:
		attempt.MigrationID = res.MigrationID
		attempt.Success = res.Success
		if !res.Success {
			attempt.Error = "local restore failed: " + res.RestoreError
		}
	}
	m.recordAttempt(attempt)

	m.mu.Lock()
	m.result = nil
	m.progress = nil
	m.mu.Unlock()
	m.publishState(userID)
	return res, err
}

type runFunc func(ctx context.Context, userID string, opts engine.Options) (*engine.Result, error)

// runEngine wraps one engine call. Precondition errors are returned as is;
// anything else that goes wrong, panics included, becomes a failed result.
func (m *Manager) runEngine(ctx context.Context, op, userID string, opts RunOptions, fn runFunc) (*engine.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.cancel = cancel
	m.active = true
	m.progress = nil
	m.mu.Unlock()

	sub := m.progressBus.Subscribe(func(p engine.Progress) {
		if runCtx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.progress = &p
		m.mu.Unlock()
	})
	defer sub.Unsubscribe()

	attempt := m.newAttempt(op, userID)
	m.publishState(userID)

	res, err := protect(func() (*engine.Result, error) {
		return fn(runCtx, userID, m.engineOptions(opts))
	})
	attempt.EndTime = m.now()

	if err != nil && isPrecondition(err) {
		attempt.Error = err.Error()
		m.recordAttempt(attempt)
		m.setInactive(nil)
		m.publishState(userID)
		return nil, err
	}
	if err != nil {
		logging.Error("Migration %s failed unexpectedly: %v", op, err)
		res = failedResult(res, userID, err, attempt.StartTime, attempt.EndTime)
	}

	attempt.MigrationID = res.MigrationID
	attempt.Success = res.Success
	attempt.Counts = res.Counts()
	if res.Err != nil {
		attempt.Error = res.Err.Error()
	}
	m.recordAttempt(attempt)

	m.setInactive(res)
	m.resultBus.Publish(res)
	m.publishState(userID)
	return res, nil
}

// setInactive marks the run finished, keeping res as the current result when given.
func (m *Manager) setInactive(res *engine.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	if res != nil {
		m.result = res
	}
}

func (m *Manager) engineOptions(opts RunOptions) engine.Options {
	merged := make(map[string]conflict.Strategy, len(m.cfg.Resolutions)+len(opts.Resolutions))
	for id, st := range m.cfg.Resolutions {
		merged[id] = st
	}
	for id, st := range opts.Resolutions {
		merged[id] = st
	}
	strategy := m.cfg.Strategy
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}
	return engine.Options{
		Resolutions: merged,
		Strategy:    strategy,
		OnProgress:  m.progressBus.Publish,
	}
}

func (m *Manager) acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.cancel = nil
}

func (m *Manager) newAttempt(op, userID string) checkpoint.Attempt {
	return checkpoint.Attempt{
		ID:        uuid.NewString(),
		UserID:    userID,
		Operation: op,
		StartTime: m.now(),
	}
}

func (m *Manager) recordAttempt(a checkpoint.Attempt) {
	metrics.RecordAttempt(a.Operation, a.Success)
	if err := m.history.Append(a); err != nil {
		logging.Warn("Recording migration history: %v", err)
	}
}

func (m *Manager) publishState(userID string) {
	st, err := m.CheckStatus(context.Background(), userID)
	if err != nil {
		logging.Warn("Computing migration status: %v", err)
		return
	}
	m.stateBus.Publish(*st)
}

func isPrecondition(err error) bool {
	var owner *checkpoint.OwnershipError
	return errors.As(err, &owner) ||
		errors.Is(err, checkpoint.ErrNoCheckpoint) ||
		errors.Is(err, checkpoint.ErrSchemaMismatch) ||
		errors.Is(err, engine.ErrNotResumable) ||
		errors.Is(err, engine.ErrIncompleteMigration)
}

func failedResult(res *engine.Result, userID string, err error, start, end time.Time) *engine.Result {
	if res == nil {
		res = &engine.Result{UserID: userID, StartTime: start}
	}
	res.Success = false
	res.Err = err
	res.EndTime = end
	res.Errors = append(res.Errors, checkpoint.StepError{Message: err.Error(), Timestamp: end})
	return res
}

// protect runs fn, turning a panic into an error.
func protect[T any](fn func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
