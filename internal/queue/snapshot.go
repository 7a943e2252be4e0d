package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const opBuildSnapshot = "queue.build_snapshot"

// Scope narrows a snapshot to rows touched at or after a point in time.
// A nil Since is the session scope: the whole queue plus today's counters.
type Scope struct {
	Since *time.Time
}

// SnapshotBuilderConfig bundles snapshot builder dependencies.
type SnapshotBuilderConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// SnapshotBuilder materializes the current read view of a broadcaster.
type SnapshotBuilder struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSnapshotBuilder validates dependencies and builds a SnapshotBuilder.
func NewSnapshotBuilder(cfg SnapshotBuilderConfig) (*SnapshotBuilder, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opBuildSnapshot, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SnapshotBuilder{db: cfg.Database, clock: clock}, nil
}

// Build reads the snapshot inside one transaction. The version is read
// first, so a snapshot at version v reflects every command up to and
// including v and nothing later.
func (builder *SnapshotBuilder) Build(ctx context.Context, broadcasterID string, scope Scope) (StateSnapshot, error) {
	var snapshot StateSnapshot
	transactionError := builder.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var index StateIndex
		err := transaction.Where("broadcaster_id = ?", broadcasterID).Take(&index).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return newServiceError(opBuildSnapshot, reasonVersionIncrement, err)
		}
		snapshot.Version = index.CurrentVersion

		var broadcaster Broadcaster
		if err := transaction.Where("id = ?", broadcasterID).Take(&broadcaster).Error; err != nil {
			return newServiceError(opBuildSnapshot, reasonBroadcasterLookup, err)
		}
		settings, parseErr := ParseSettings([]byte(broadcaster.SettingsJSON))
		if parseErr != nil {
			return newServiceError(opBuildSnapshot, reasonSettingsMerge, parseErr)
		}
		snapshot.Settings = settings

		query := transaction.
			Where("broadcaster_id = ? AND status = ?", broadcasterID, StatusQueued).
			Order("enqueued_at ASC, id ASC")
		if scope.Since != nil {
			query = query.Where("last_updated_at >= ?", scope.Since.UTC())
		}
		var entries []QueueEntry
		if err := query.Find(&entries).Error; err != nil {
			return newServiceError(opBuildSnapshot, reasonEntryUpdateFailed, err)
		}
		snapshot.Queue = entries

		day, dayErr := LocalDay(builder.clock(), broadcaster.Timezone)
		if dayErr != nil {
			return dayErr
		}
		counterQuery := transaction.
			Where("day = ? AND broadcaster_id = ?", day, broadcasterID).
			Order("user_id ASC")
		if scope.Since != nil {
			counterQuery = counterQuery.Where("updated_at >= ?", scope.Since.UTC())
		}
		var counters []DailyCounter
		if err := counterQuery.Find(&counters).Error; err != nil {
			return newServiceError(opBuildSnapshot, reasonCounterFailed, err)
		}
		snapshot.CountersToday = make([]UserCounter, 0, len(counters))
		for _, counter := range counters {
			snapshot.CountersToday = append(snapshot.CountersToday, UserCounter{UserID: counter.UserID, Count: counter.Count})
		}
		return nil
	})
	if transactionError != nil {
		return StateSnapshot{}, transactionError
	}
	if snapshot.Queue == nil {
		snapshot.Queue = []QueueEntry{}
	}
	return snapshot, nil
}
