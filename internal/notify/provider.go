package notify

import (
	"github.com/johndauphine/fitsync-migrate/internal/engine"
	"github.com/johndauphine/fitsync-migrate/internal/logging"
)

// Provider defines the notification contract for migration events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// MigrationCompleted sends notification when a start or resume succeeds.
	MigrationCompleted(res *engine.Result) error

	// MigrationFailed sends notification when a start or resume fails or is interrupted.
	MigrationFailed(res *engine.Result) error

	// RollbackCompleted sends notification after a rollback.
	RollbackCompleted(res *engine.RollbackResult) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)

// OnResult adapts p to a result subscriber. Delivery errors are logged.
func OnResult(p Provider) func(*engine.Result) {
	return func(res *engine.Result) {
		var err error
		if res.Success {
			err = p.MigrationCompleted(res)
		} else {
			err = p.MigrationFailed(res)
		}
		if err != nil {
			logging.Warn("Sending notification: %v", err)
		}
	}
}
