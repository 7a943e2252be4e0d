package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew          = "queue.store.new"
	opEnsureBroadcaster = "queue.ensure_broadcaster"
	opLoadBroadcaster   = "queue.load_broadcaster"
	opListQueued        = "queue.list_queued"
)

// StoreConfig bundles store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store covers broadcaster profile reads and seeding outside the command path.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore validates dependencies and builds a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// EnsureBroadcaster seeds the broadcaster row and its version counter if
// they do not exist yet. Existing rows are left untouched.
func (store *Store) EnsureBroadcaster(ctx context.Context, broadcasterID, displayName, timezone string) error {
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return ErrInvalidTimezone
	}
	now := store.clock().UTC()

	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		broadcaster := Broadcaster{
			ID:           broadcasterID,
			DisplayName:  displayName,
			Timezone:     timezone,
			SettingsJSON: "{}",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&broadcaster).Error; err != nil {
			return newServiceError(opEnsureBroadcaster, reasonBroadcasterLookup, err)
		}
		index := StateIndex{BroadcasterID: broadcasterID, CurrentVersion: 0, UpdatedAt: now}
		if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&index).Error; err != nil {
			return newServiceError(opEnsureBroadcaster, reasonVersionIncrement, err)
		}
		return nil
	})
}

// LoadBroadcaster returns the broadcaster profile with parsed settings.
func (store *Store) LoadBroadcaster(ctx context.Context, broadcasterID string) (*Broadcaster, Settings, error) {
	var broadcaster Broadcaster
	err := store.db.WithContext(ctx).Where("id = ?", broadcasterID).Take(&broadcaster).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, Settings{}, ErrNotFound
	}
	if err != nil {
		return nil, Settings{}, newServiceError(opLoadBroadcaster, reasonBroadcasterLookup, err)
	}
	settings, parseErr := ParseSettings([]byte(broadcaster.SettingsJSON))
	if parseErr != nil {
		return nil, Settings{}, newServiceError(opLoadBroadcaster, reasonSettingsMerge, parseErr)
	}
	return &broadcaster, settings, nil
}

// ListQueuedEntries returns the live queue in enqueue order.
func (store *Store) ListQueuedEntries(ctx context.Context, broadcasterID string) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := store.db.WithContext(ctx).
		Where("broadcaster_id = ? AND status = ?", broadcasterID, StatusQueued).
		Order("enqueued_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, newServiceError(opListQueued, reasonEntryUpdateFailed, err)
	}
	return entries, nil
}
