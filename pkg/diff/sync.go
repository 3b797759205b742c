package diff

import (
	"time"

	"github.com/driftwarden/driftwarden/pkg/workflow"
)

// SyncStatus classifies how a runtime workflow relates to its tracked
// source-of-truth version.
type SyncStatus string

const (
	// SyncInSync means runtime and source are content-equal.
	SyncInSync SyncStatus = "in_sync"
	// SyncLocalChanges means only the runtime changed since the last sync.
	SyncLocalChanges SyncStatus = "local_changes"
	// SyncUpdateAvailable means only the source changed since the last sync.
	SyncUpdateAvailable SyncStatus = "update_available"
	// SyncConflict means both sides changed, or the direction of change
	// cannot be established.
	SyncConflict SyncStatus = "conflict"
)

// nearSimultaneousWindow bounds how close the two sides' modification
// times may be before the direction of change is considered unknowable.
// Timestamps this close usually come from the same sync or deploy pass.
const nearSimultaneousWindow = 2 * time.Second

// ComputeSyncStatus classifies a runtime workflow against its source
// counterpart. Content equality is decided by canonical hash; when the
// contents differ, modification timestamps relative to the last successful
// sync decide direction. A nil source means the workflow is not tracked
// yet, so its content counts as local changes. Missing or ambiguous
// timestamps classify as conflict: misreporting a conflict is recoverable,
// silently overwriting one side's changes is not.
func ComputeSyncStatus(runtime workflow.Definition, source *workflow.Definition, lastSyncedAt, runtimeUpdatedAt, sourceUpdatedAt *time.Time) (SyncStatus, error) {
	if source == nil {
		return SyncLocalChanges, nil
	}

	runtimeHash, err := workflow.Hash(runtime)
	if err != nil {
		return "", err
	}
	sourceHash, err := workflow.Hash(*source)
	if err != nil {
		return "", err
	}
	if runtimeHash == sourceHash {
		return SyncInSync, nil
	}

	if lastSyncedAt == nil || runtimeUpdatedAt == nil || sourceUpdatedAt == nil {
		return SyncConflict, nil
	}

	runtimeChanged := runtimeUpdatedAt.After(*lastSyncedAt)
	sourceChanged := sourceUpdatedAt.After(*lastSyncedAt)
	switch {
	case runtimeChanged && !sourceChanged:
		if withinWindow(*runtimeUpdatedAt, *sourceUpdatedAt) {
			return SyncConflict, nil
		}
		return SyncLocalChanges, nil
	case sourceChanged && !runtimeChanged:
		if withinWindow(*runtimeUpdatedAt, *sourceUpdatedAt) {
			return SyncConflict, nil
		}
		return SyncUpdateAvailable, nil
	default:
		return SyncConflict, nil
	}
}

func withinWindow(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= nearSimultaneousWindow
}
