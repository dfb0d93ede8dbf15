package manager

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/fitsync-migrate/internal/checkpoint"
)

// Status summarizes whether a migration is needed, possible or in progress.
type Status struct {
	UserID                 string                 `json:"user_id,omitempty"`
	IsActive               bool                   `json:"is_active"`
	CanStart               bool                   `json:"can_start"`
	HasLocalData           bool                   `json:"has_local_data"`
	Completed              bool                   `json:"completed"`
	HasIncompleteResumable bool                   `json:"has_incomplete_resumable"`
	IncompleteCheckpoint   *checkpoint.Checkpoint `json:"incomplete_checkpoint,omitempty"`
	LastAttempt            *checkpoint.Attempt    `json:"last_attempt,omitempty"`
	History                []checkpoint.Attempt   `json:"history"`
}

// CheckStatus gathers local data, checkpoint, completion and history state
// concurrently. An empty userID accepts a checkpoint of any user.
//
// HasIncompleteResumable also covers a failed checkpoint, not only an
// interrupted one: resume retries the failed step. While it is set, CanStart
// is false and StartMigration returns engine.ErrIncompleteMigration.
func (m *Manager) CheckStatus(ctx context.Context, userID string) (*Status, error) {
	var (
		hasLocal  bool
		cp        *checkpoint.Checkpoint
		completed bool
		history   []checkpoint.Attempt
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hasLocal, err = m.local.HasLocalData(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		cp, err = m.store.Load()
		return err
	})
	g.Go(func() error {
		if userID == "" {
			return nil
		}
		var err error
		completed, err = m.store.Completed(userID)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = m.history.List()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st := &Status{
		UserID:       userID,
		IsActive:     m.isActive(),
		HasLocalData: hasLocal,
		Completed:    completed,
		History:      history,
	}
	if st.History == nil {
		st.History = []checkpoint.Attempt{}
	}
	if cp.Resumable() && (userID == "" || cp.UserID == userID) {
		st.HasIncompleteResumable = true
		st.IncompleteCheckpoint = cp
	}
	if n := len(history); n > 0 {
		last := history[n-1]
		st.LastAttempt = &last
	}
	st.CanStart = st.HasLocalData && !st.Completed && !st.IsActive && !st.HasIncompleteResumable
	return st, nil
}

func (m *Manager) isActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
