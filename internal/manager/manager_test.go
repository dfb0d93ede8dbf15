package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/fitsync-migrate/internal/checkpoint"
	"github.com/johndauphine/fitsync-migrate/internal/conflict"
	"github.com/johndauphine/fitsync-migrate/internal/engine"
	"github.com/johndauphine/fitsync-migrate/internal/local"
	"github.com/johndauphine/fitsync-migrate/internal/profile"
	"github.com/johndauphine/fitsync-migrate/internal/remote"
)

const user = "user-1"

type harness struct {
	local  *local.Store
	remote *remote.Memory
	store  *checkpoint.Store
	mgr    *Manager
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ls, err := local.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })

	h := &harness{local: ls, remote: remote.NewMemory()}
	h.store = checkpoint.NewStore(checkpoint.NewMemoryBackend())
	h.mgr = New(engine.New(ls, h.remote, h.store), ls, h.store, cfg)
	return h
}

func (h *harness) seed(t *testing.T) {
	t.Helper()
	require.NoError(t, h.local.SaveSection(context.Background(), &profile.PersonalInfo{Name: "Alex", Age: 30}))
	require.NoError(t, h.local.SaveSection(context.Background(), &profile.WorkoutPreferences{Location: "home", WorkoutsPerWeek: 2}))
}

// blockingStore holds every upsert until release is closed.
type blockingStore struct {
	remote.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) Upsert(ctx context.Context, table string, rec remote.Record, key string) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Store.Upsert(ctx, table, rec, key)
}

type panickingLocal struct{ engine.LocalStore }

func (panickingLocal) LoadSection(context.Context, profile.Kind) (profile.Section, error) {
	panic("disk on fire")
}

func TestStartMigrationPublishesEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AllowCancel: true})
	h.seed(t)

	var (
		progress []engine.Progress
		results  []*engine.Result
		states   []Status
	)
	h.mgr.OnProgress(func(p engine.Progress) { progress = append(progress, p) })
	h.mgr.OnResult(func(r *engine.Result) { results = append(results, r) })
	h.mgr.OnStateChange(func(s Status) { states = append(states, s) })

	res, err := h.mgr.StartMigration(ctx, user, RunOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Len(t, progress, len(engine.Steps))
	require.Len(t, results, 1)
	assert.Same(t, res, results[0])
	assert.Same(t, res, h.mgr.CurrentResult())
	require.Len(t, states, 2)
	assert.True(t, states[0].IsActive)
	assert.False(t, states[1].IsActive)
	assert.True(t, states[1].Completed)
	assert.False(t, states[1].CanStart)

	hist, err := h.mgr.History()
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "start", hist[0].Operation)
	assert.True(t, hist[0].Success)
	assert.Equal(t, res.MigrationID, hist[0].MigrationID)
	assert.Equal(t, 1, hist[0].Counts["personal_info"])
	assert.Equal(t, 0, hist[0].Counts["fitness_goals"])
}

func TestStartAfterSuccessIsRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seed(t)

	_, err := h.mgr.StartMigration(ctx, user, RunOptions{})
	require.NoError(t, err)
	upserts := h.remote.Calls("upsert", remote.TableUserProfiles)

	st, err := h.mgr.CheckStatus(ctx, user)
	require.NoError(t, err)
	assert.False(t, st.CanStart)
	assert.True(t, st.Completed)

	_, err = h.mgr.StartMigration(ctx, user, RunOptions{})
	assert.ErrorIs(t, err, ErrAlreadyMigrated)
	assert.Equal(t, upserts, h.remote.Calls("upsert", remote.TableUserProfiles), "never re-uploads")
}

func TestStartWithoutLocalData(t *testing.T) {
	h := newHarness(t, Config{})
	st, err := h.mgr.CheckStatus(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, st.HasLocalData)
	assert.False(t, st.CanStart)
	assert.Empty(t, st.History)

	_, err = h.mgr.StartMigration(context.Background(), user, RunOptions{})
	assert.ErrorIs(t, err, ErrNothingToMigrate)
}

func TestConflictThenResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Strategy: conflict.Manual})
	h.seed(t)
	require.NoError(t, h.remote.Insert(remote.TableUserProfiles, remote.Record{"user_id": user, "name": "Alexandra"}))

	res, err := h.mgr.StartMigration(ctx, user, RunOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	var unresolved *conflict.UnresolvedError
	require.ErrorAs(t, res.Err, &unresolved)

	st, err := h.mgr.CheckStatus(ctx, user)
	require.NoError(t, err)
	assert.True(t, st.HasIncompleteResumable)
	require.NotNil(t, st.IncompleteCheckpoint)
	assert.Equal(t, checkpoint.StatusFailed, st.IncompleteCheckpoint.Status)
	assert.False(t, st.CanStart)
	require.NotNil(t, st.LastAttempt)
	assert.False(t, st.LastAttempt.Success)

	res, err = h.mgr.ResumeMigration(ctx, user, RunOptions{
		Resolutions: map[string]conflict.Strategy{"personal_info.name": conflict.UseLocal},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "Alex", h.remote.Rows(remote.TableUserProfiles)[0]["name"])
}

func TestResumeSchemaMismatchStartsFresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seed(t)
	require.NoError(t, h.store.Save(&checkpoint.Checkpoint{
		SchemaVersion: checkpoint.SchemaVersion + 1, UserID: user, Steps: []string{"old"}, Status: checkpoint.StatusInterrupted,
	}))

	res, err := h.mgr.ResumeMigration(ctx, user, RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	hist, err := h.mgr.History()
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "resume", hist[0].Operation)
	assert.False(t, hist[0].Success)
	assert.Equal(t, "start", hist[1].Operation)
	assert.True(t, hist[1].Success)
}

func TestResumePreconditionErrorsAreReturned(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.mgr.ResumeMigration(context.Background(), user, RunOptions{})
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)

	hist, err := h.mgr.History()
	require.NoError(t, err)
	require.Len(t, hist, 1, "failed attempts are recorded too")
	assert.NotEmpty(t, hist[0].Error)
}

func TestConcurrentRunIsRejectedAndCancelIsCooperative(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AllowCancel: true})
	h.seed(t)
	blocker := &blockingStore{Store: h.remote, entered: make(chan struct{}), release: make(chan struct{})}
	h.mgr = New(engine.New(h.local, blocker, h.store), h.local, h.store, Config{AllowCancel: true})

	type outcome struct {
		res *engine.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.mgr.StartMigration(ctx, user, RunOptions{})
		done <- outcome{res, err}
	}()

	<-blocker.entered
	assert.True(t, h.mgr.IsRunning())
	_, err := h.mgr.StartMigration(ctx, user, RunOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = h.mgr.RollbackMigration(ctx, user)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, h.mgr.CancelMigration())
	close(blocker.release)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("migration did not stop")
	}
	require.NoError(t, out.err)
	assert.True(t, out.res.Cancelled)
	assert.Contains(t, out.res.CompletedSteps, engine.StepUploadPersonalInfo, "the step in flight finishes")
	assert.False(t, h.mgr.IsRunning())
	assert.Nil(t, h.mgr.CurrentProgress())

	cp, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusInterrupted, cp.Status)

	assert.ErrorIs(t, h.mgr.CancelMigration(), ErrNotRunning)
}

func TestCancelDisallowed(t *testing.T) {
	h := newHarness(t, Config{AllowCancel: false})
	assert.ErrorIs(t, h.mgr.CancelMigration(), ErrCancelNotAllowed)
}

func TestPanicBecomesFailedResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seed(t)
	h.mgr = New(engine.New(panickingLocal{h.local}, h.remote, h.store), h.local, h.store, Config{})

	var got []*engine.Result
	h.mgr.OnResult(func(r *engine.Result) { got = append(got, r) })

	res, err := h.mgr.StartMigration(ctx, user, RunOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "disk on fire")
	assert.Len(t, got, 1)
	assert.False(t, h.mgr.IsRunning())
}

func TestSubscriberPanicDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seed(t)

	var calls int
	h.mgr.OnProgress(func(engine.Progress) { panic("bad subscriber") })
	sub := h.mgr.OnProgress(func(engine.Progress) { calls++ })

	res, err := h.mgr.StartMigration(ctx, user, RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, len(engine.Steps), calls)

	sub.Unsubscribe()
	assert.Equal(t, 1, h.mgr.progressBus.Len(), "the per-run listener is removed after the run")
}

func TestRollbackMigration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seed(t)
	h.remote.Fault = func(op, table string) error {
		if op == "upsert" && table == remote.TableWorkoutPreferences {
			return errors.New("rejected")
		}
		return nil
	}

	res, err := h.mgr.StartMigration(ctx, user, RunOptions{})
	require.NoError(t, err)
	require.False(t, res.Success)

	rb, err := h.mgr.RollbackMigration(ctx, user)
	require.NoError(t, err)
	assert.True(t, rb.Success)
	assert.Nil(t, h.mgr.CurrentResult())
	assert.Empty(t, h.remote.Rows(remote.TableUserProfiles))

	st, err := h.mgr.CheckStatus(ctx, user)
	require.NoError(t, err)
	assert.True(t, st.CanStart, "after rollback the user can start again")
	require.NotNil(t, st.LastAttempt)
	assert.Equal(t, "rollback", st.LastAttempt.Operation)
}

func TestStartKeepsFailedMigrationForRollback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.seed(t)
	h.remote.Fault = func(op, table string) error {
		if op == "upsert" && table == remote.TableWorkoutPreferences {
			return errors.New("rejected")
		}
		return nil
	}

	res, err := h.mgr.StartMigration(ctx, user, RunOptions{})
	require.NoError(t, err)
	require.False(t, res.Success)

	_, err = h.mgr.StartMigration(ctx, user, RunOptions{})
	require.ErrorIs(t, err, engine.ErrIncompleteMigration)
	assert.Equal(t, 1, h.remote.Calls("upsert", remote.TableUserProfiles), "the second start wrote nothing")

	hist, err := h.mgr.History()
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "start", hist[1].Operation)
	assert.Contains(t, hist[1].Error, "resume or roll it back")

	rb, err := h.mgr.RollbackMigration(ctx, user)
	require.NoError(t, err)
	require.True(t, rb.Success)

	sec, err := h.local.LoadSection(ctx, profile.KindPersonalInfo)
	require.NoError(t, err)
	assert.Equal(t, 1, sec.Metadata().Version)
	assert.Equal(t, profile.SyncPending, sec.Metadata().SyncStatus)
	assert.Empty(t, h.remote.Rows(remote.TableUserProfiles))
}

func TestHistoryIsBounded(t *testing.T) {
	h := newHarness(t, Config{HistoryLimit: 3})
	for i := 0; i < 5; i++ {
		_, err := h.mgr.ResumeMigration(context.Background(), user, RunOptions{})
		require.Error(t, err)
	}
	hist, err := h.mgr.History()
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}
