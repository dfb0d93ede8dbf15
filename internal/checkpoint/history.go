package checkpoint

import (
	"sync"
	"time"
)

// DefaultHistoryLimit is the number of attempts retained when no limit is given.
const DefaultHistoryLimit = 10

// Attempt is one entry in the migration history.
type Attempt struct {
	ID          string         `json:"id"`
	MigrationID string         `json:"migration_id,omitempty"`
	UserID      string         `json:"user_id"`
	Operation   string         `json:"operation"` // start, resume, rollback
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Counts      map[string]int `json:"counts,omitempty"` // migrated records per category
}

// Duration returns how long the attempt ran.
func (a Attempt) Duration() time.Duration {
	if a.EndTime.IsZero() {
		return 0
	}
	return a.EndTime.Sub(a.StartTime)
}

// History is a bounded, oldest-first list of attempts.
type History struct {
	store *Store
	limit int
	mu    sync.Mutex
}

// NewHistory returns a history on top of store keeping at most limit entries.
func NewHistory(store *Store, limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{store: store, limit: limit}
}

// Append records an attempt, evicting the oldest entries beyond the limit.
func (h *History) Append(a Attempt) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	list, err := h.list()
	if err != nil {
		return err
	}
	list = append(list, a)
	if over := len(list) - h.limit; over > 0 {
		list = list[over:]
	}
	return h.store.saveJSON(HistoryKey, list)
}

// List returns all retained attempts, oldest first.
func (h *History) List() ([]Attempt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.list()
}

// Last returns the most recent attempt, or nil if the history is empty.
func (h *History) Last() (*Attempt, error) {
	list, err := h.List()
	if err != nil || len(list) == 0 {
		return nil, err
	}
	last := list[len(list)-1]
	return &last, nil
}

func (h *History) list() ([]Attempt, error) {
	var list []Attempt
	ok, err := h.store.loadJSON(HistoryKey, &list)
	if err != nil || !ok {
		return nil, err
	}
	return list, nil
}
