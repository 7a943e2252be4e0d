package queue

import (
	"time"
)

// QueueEntryStatus enumerates the lifecycle states of a queue entry.
type QueueEntryStatus string

const (
	StatusQueued    QueueEntryStatus = "QUEUED"
	StatusCompleted QueueEntryStatus = "COMPLETED"
	StatusRemoved   QueueEntryStatus = "REMOVED"
)

// RemovalReason records why a queue entry left the queue.
type RemovalReason string

const (
	RemovalUndo             RemovalReason = "UNDO"
	RemovalExplicit         RemovalReason = "EXPLICIT_REMOVE"
	RemovalStreamStartClear RemovalReason = "STREAM_START_CLEAR"
)

// ParseRemovalReason validates a caller-supplied removal reason.
func ParseRemovalReason(value string) (RemovalReason, bool) {
	switch RemovalReason(value) {
	case RemovalUndo, RemovalExplicit, RemovalStreamStartClear:
		return RemovalReason(value), true
	default:
		return "", false
	}
}

// Broadcaster stores the per-broadcaster profile and settings document.
type Broadcaster struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	DisplayName  string    `gorm:"column:display_name;size:190;not null;default:''"`
	Timezone     string    `gorm:"column:timezone;size:64;not null;default:'UTC'"`
	SettingsJSON string    `gorm:"column:settings_json;type:text;not null;default:'{}'"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Broadcaster) TableName() string {
	return "broadcasters"
}

// StateIndex holds the per-broadcaster version counter. The counter is
// incremented with a single UPDATE ... RETURNING statement inside the same
// transaction as the command log append, so concurrent writers serialize at
// the storage engine.
type StateIndex struct {
	BroadcasterID  string    `gorm:"column:broadcaster_id;primaryKey;size:190;not null"`
	CurrentVersion int64     `gorm:"column:current_version;not null;default:0"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StateIndex) TableName() string {
	return "state_index"
}

// CommandLogEntry is the append-only per-broadcaster command log row.
type CommandLogEntry struct {
	EntryID       int64     `gorm:"column:entry_id;primaryKey;autoIncrement"`
	BroadcasterID string    `gorm:"column:broadcaster_id;size:190;not null;uniqueIndex:idx_command_log_version,priority:1;uniqueIndex:idx_command_log_op,priority:1"`
	Version       int64     `gorm:"column:version;not null;uniqueIndex:idx_command_log_version,priority:2"`
	OpID          *string   `gorm:"column:op_id;size:64;uniqueIndex:idx_command_log_op,priority:3"`
	CommandType   string    `gorm:"column:command_type;size:64;not null;uniqueIndex:idx_command_log_op,priority:2"`
	PayloadJSON   string    `gorm:"column:payload_json;type:text;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CommandLogEntry) TableName() string {
	return "command_log"
}

// QueueEntry is a persisted redemption waiting in (or retired from) the queue.
type QueueEntry struct {
	ID              string           `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	BroadcasterID   string           `gorm:"column:broadcaster_id;size:190;not null;uniqueIndex:idx_queue_redemption,priority:1;index:idx_queue_status,priority:1" json:"broadcaster_id"`
	UserID          string           `gorm:"column:user_id;size:190;not null" json:"user_id"`
	UserLogin       string           `gorm:"column:user_login;size:190;not null" json:"user_login"`
	UserDisplayName string           `gorm:"column:user_display_name;size:190;not null" json:"user_display_name"`
	UserAvatar      *string          `gorm:"column:user_avatar;size:500" json:"user_avatar,omitempty"`
	RewardID        string           `gorm:"column:reward_id;size:190;not null" json:"reward_id"`
	RedemptionID    *string          `gorm:"column:redemption_id;size:190;uniqueIndex:idx_queue_redemption,priority:2" json:"redemption_id,omitempty"`
	EnqueuedAt      time.Time        `gorm:"column:enqueued_at;not null" json:"enqueued_at"`
	Status          QueueEntryStatus `gorm:"column:status;size:32;not null;index:idx_queue_status,priority:2" json:"status"`
	StatusReason    *string          `gorm:"column:status_reason;size:64" json:"status_reason,omitempty"`
	Managed         bool             `gorm:"column:managed;not null;default:false" json:"managed"`
	LastUpdatedAt   time.Time        `gorm:"column:last_updated_at;not null" json:"last_updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (QueueEntry) TableName() string {
	return "queue_entries"
}

// DailyCounter counts redemptions per local calendar day and user.
type DailyCounter struct {
	Day           string    `gorm:"column:day;primaryKey;size:10;not null"`
	BroadcasterID string    `gorm:"column:broadcaster_id;primaryKey;size:190;not null"`
	UserID        string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Count         int64     `gorm:"column:count;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DailyCounter) TableName() string {
	return "daily_counters"
}

// BackfillStatus enumerates reconciliation checkpoint states.
type BackfillStatus string

const (
	BackfillIdle    BackfillStatus = "idle"
	BackfillRunning BackfillStatus = "running"
	BackfillError   BackfillStatus = "error"
)

// BackfillCheckpoint tracks reconciliation progress per broadcaster.
type BackfillCheckpoint struct {
	BroadcasterID    string         `gorm:"column:broadcaster_id;primaryKey;size:190;not null"`
	Status           BackfillStatus `gorm:"column:status;size:16;not null;default:'idle'"`
	Cursor           *string        `gorm:"column:cursor;size:500"`
	LastRedemptionID *string        `gorm:"column:last_redemption_id;size:190"`
	LastSeenAt       *time.Time     `gorm:"column:last_seen_at"`
	LastError        *string        `gorm:"column:last_error;size:500"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BackfillCheckpoint) TableName() string {
	return "backfill_checkpoints"
}

// UserCounter is the read-side representation of a daily counter value.
type UserCounter struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

// StateSnapshot is the materialized read view returned to recovering clients.
type StateSnapshot struct {
	Version       int64         `json:"version"`
	Queue         []QueueEntry  `json:"queue"`
	CountersToday []UserCounter `json:"counters_today"`
	Settings      Settings      `json:"settings"`
}

// LocalDay renders the calendar day of the given instant in the broadcaster's
// timezone, the key space of DailyCounter.
func LocalDay(at time.Time, timezone string) (string, error) {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return "", ErrInvalidTimezone
	}
	return at.In(location).Format("2006-01-02"), nil
}
