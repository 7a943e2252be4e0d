package queue

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opExecutorNew    = "queue.executor.new"
	opExecute        = "queue.execute"
	opExecuteAdmin   = "queue.execute_admin"
	fieldBroadcaster = "broadcaster_id"
	fieldCommandType = "command_type"
	fieldOpID        = "op_id"

	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonBroadcasterLookup  = "broadcaster_lookup_failed"
	reasonVersionIncrement   = "version_increment_failed"
	reasonLogAppendFailed    = "log_append_failed"
	reasonOpLookupFailed     = "op_lookup_failed"
	reasonEntryInsertFailed  = "entry_insert_failed"
	reasonEntryUpdateFailed  = "entry_update_failed"
	reasonCounterFailed      = "counter_update_failed"
	reasonSettingsMerge      = "settings_merge_failed"
	reasonProjectionFailed   = "projection_failed"
	reasonUnknownCommandType = "unknown_command_type"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a machine-readable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ExecutorConfig bundles executor dependencies.
type ExecutorConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Executor appends commands to the per-broadcaster log and applies their
// effects, all inside a single transaction per Execute call. Versions come
// from the state index counter, so every applied command owns exactly one
// version and versions never repeat or skip.
type Executor struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	projector  Projector
}

// NewExecutor validates dependencies and builds an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opExecutorNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opExecutorNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Executor{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// stamp prefers the command's issue time so replays and backfills keep the
// timestamps they were issued with; the clock covers commands without one.
func (executor *Executor) stamp(issuedAt time.Time) time.Time {
	if issuedAt.IsZero() {
		return executor.clock().UTC()
	}
	return issuedAt.UTC()
}

// AdminOutcome reports the result of an admin command, including replays.
type AdminOutcome struct {
	Version   int64
	Patches   []Patch
	Duplicate bool
}

// Execute applies a batch of commands for one broadcaster atomically. Either
// every command lands in the log with its own version, or none do.
func (executor *Executor) Execute(ctx context.Context, broadcasterID string, commands []Command) ([]Patch, error) {
	if len(commands) == 0 {
		return nil, nil
	}

	var patches []Patch
	transactionError := executor.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		broadcaster, err := executor.loadBroadcaster(transaction, opExecute, broadcasterID)
		if err != nil {
			return err
		}
		for _, command := range commands {
			applied, applyErr := executor.apply(transaction, opExecute, broadcaster, command, nil)
			if applyErr != nil {
				return applyErr
			}
			patches = append(patches, applied...)
		}
		return nil
	})
	if transactionError != nil {
		return nil, transactionError
	}
	return patches, nil
}

// ExecuteAdmin applies one admin command identified by an op id. Replaying
// the same op id with an identical payload returns the originally assigned
// version with Duplicate set and no new patches; a replay with a different
// payload or command type fails with ErrOpConflict.
func (executor *Executor) ExecuteAdmin(ctx context.Context, broadcasterID string, opID string, command Command) (AdminOutcome, error) {
	if _, parseErr := uuid.Parse(opID); parseErr != nil {
		return AdminOutcome{}, ErrInvalidOpID
	}

	var outcome AdminOutcome
	transactionError := executor.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		broadcaster, err := executor.loadBroadcaster(transaction, opExecuteAdmin, broadcasterID)
		if err != nil {
			return err
		}

		existing, found, lookupErr := executor.lookupOp(transaction, broadcasterID, command.CommandType(), opID)
		if lookupErr != nil {
			executor.logError(opExecuteAdmin, reasonOpLookupFailed, lookupErr,
				zap.String(fieldBroadcaster, broadcasterID), zap.String(fieldOpID, opID))
			return newServiceError(opExecuteAdmin, reasonOpLookupFailed, lookupErr)
		}
		if found {
			same, compareErr := payloadsEqual(existing.PayloadJSON, command.Payload())
			if compareErr != nil {
				return newServiceError(opExecuteAdmin, reasonOpLookupFailed, compareErr)
			}
			if !same {
				return ErrOpConflict
			}
			outcome = AdminOutcome{Version: existing.Version, Duplicate: true}
			return nil
		}

		applied, applyErr := executor.apply(transaction, opExecuteAdmin, broadcaster, command, &opID)
		if applyErr != nil {
			return applyErr
		}
		outcome = AdminOutcome{Version: applied[0].Version, Patches: applied}
		return nil
	})
	if transactionError != nil {
		return AdminOutcome{}, transactionError
	}
	return outcome, nil
}

func (executor *Executor) apply(transaction *gorm.DB, operation string, broadcaster *Broadcaster, command Command, opID *string) ([]Patch, error) {
	switch cmd := command.(type) {
	case EnqueueCommand:
		return executor.applyEnqueue(transaction, operation, broadcaster, cmd, opID)
	case RedemptionUpdateCommand:
		return executor.applyRedemptionUpdate(transaction, operation, broadcaster, cmd, opID)
	case QueueCompleteCommand:
		return executor.applyComplete(transaction, operation, broadcaster, cmd, opID)
	case QueueRemoveCommand:
		return executor.applyRemove(transaction, operation, broadcaster, cmd, opID)
	case SettingsUpdateCommand:
		return executor.applySettingsUpdate(transaction, operation, broadcaster, cmd, opID)
	default:
		err := fmt.Errorf("command type %q", command.CommandType())
		executor.logError(operation, reasonUnknownCommandType, err, zap.String(fieldBroadcaster, command.Broadcaster()))
		return nil, newServiceError(operation, reasonUnknownCommandType, err)
	}
}

func (executor *Executor) applyEnqueue(transaction *gorm.DB, operation string, broadcaster *Broadcaster, cmd EnqueueCommand, opID *string) ([]Patch, error) {
	now := executor.stamp(cmd.IssuedAt)

	entryID, idErr := executor.idProvider.NewID()
	if idErr != nil {
		return nil, newServiceError(operation, reasonEntryInsertFailed, idErr)
	}
	redemptionID := cmd.RedemptionID
	entry := QueueEntry{
		ID:              entryID,
		BroadcasterID:   cmd.BroadcasterID,
		UserID:          cmd.User.ID,
		UserLogin:       cmd.User.Login,
		UserDisplayName: cmd.User.DisplayName,
		RewardID:        cmd.Reward.ID,
		RedemptionID:    &redemptionID,
		EnqueuedAt:      cmd.RedeemedAt.UTC(),
		Status:          StatusQueued,
		LastUpdatedAt:   now,
	}
	createResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if createResult.Error != nil {
		executor.logError(operation, reasonEntryInsertFailed, createResult.Error,
			zap.String(fieldBroadcaster, cmd.BroadcasterID))
		return nil, newServiceError(operation, reasonEntryInsertFailed, createResult.Error)
	}
	if createResult.RowsAffected == 0 {
		return nil, ErrDuplicateRedemption
	}

	count, counterErr := executor.incrementCounter(transaction, broadcaster, cmd.User.ID, now)
	if counterErr != nil {
		if errors.Is(counterErr, ErrInvalidTimezone) {
			return nil, counterErr
		}
		executor.logError(operation, reasonCounterFailed, counterErr,
			zap.String(fieldBroadcaster, cmd.BroadcasterID))
		return nil, newServiceError(operation, reasonCounterFailed, counterErr)
	}

	version, appendErr := executor.appendLog(transaction, operation, cmd, opID, now)
	if appendErr != nil {
		return nil, appendErr
	}

	patch, projectErr := executor.projector.Enqueued(version, now, entry, count)
	if projectErr != nil {
		return nil, newServiceError(operation, reasonProjectionFailed, projectErr)
	}
	return []Patch{patch}, nil
}

func (executor *Executor) applyRedemptionUpdate(transaction *gorm.DB, operation string, broadcaster *Broadcaster, cmd RedemptionUpdateCommand, opID *string) ([]Patch, error) {
	now := executor.stamp(cmd.IssuedAt)
	version, appendErr := executor.appendLog(transaction, operation, cmd, opID, now)
	if appendErr != nil {
		return nil, appendErr
	}
	patch, projectErr := executor.projector.RedemptionUpdated(version, now, cmd)
	if projectErr != nil {
		return nil, newServiceError(operation, reasonProjectionFailed, projectErr)
	}
	return []Patch{patch}, nil
}

func (executor *Executor) applyComplete(transaction *gorm.DB, operation string, broadcaster *Broadcaster, cmd QueueCompleteCommand, opID *string) ([]Patch, error) {
	now := executor.stamp(cmd.IssuedAt)

	entry, err := executor.loadQueuedEntry(transaction, operation, cmd.BroadcasterID, cmd.EntryID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":          StatusCompleted,
		"last_updated_at": now,
	}
	if updateErr := transaction.Model(&QueueEntry{}).
		Where("broadcaster_id = ? AND id = ?", cmd.BroadcasterID, entry.ID).
		Updates(updates).Error; updateErr != nil {
		executor.logError(operation, reasonEntryUpdateFailed, updateErr,
			zap.String(fieldBroadcaster, cmd.BroadcasterID))
		return nil, newServiceError(operation, reasonEntryUpdateFailed, updateErr)
	}

	version, appendErr := executor.appendLog(transaction, operation, cmd, opID, now)
	if appendErr != nil {
		return nil, appendErr
	}

	patch, projectErr := executor.projector.Completed(version, now, entry.ID)
	if projectErr != nil {
		return nil, newServiceError(operation, reasonProjectionFailed, projectErr)
	}
	return []Patch{patch}, nil
}

func (executor *Executor) applyRemove(transaction *gorm.DB, operation string, broadcaster *Broadcaster, cmd QueueRemoveCommand, opID *string) ([]Patch, error) {
	now := executor.stamp(cmd.IssuedAt)

	entry, err := executor.loadQueuedEntry(transaction, operation, cmd.BroadcasterID, cmd.EntryID)
	if err != nil {
		return nil, err
	}

	reason := string(cmd.Reason)
	updates := map[string]any{
		"status":          StatusRemoved,
		"status_reason":   reason,
		"last_updated_at": now,
	}
	if updateErr := transaction.Model(&QueueEntry{}).
		Where("broadcaster_id = ? AND id = ?", cmd.BroadcasterID, entry.ID).
		Updates(updates).Error; updateErr != nil {
		executor.logError(operation, reasonEntryUpdateFailed, updateErr,
			zap.String(fieldBroadcaster, cmd.BroadcasterID))
		return nil, newServiceError(operation, reasonEntryUpdateFailed, updateErr)
	}

	// Undoing an enqueue always hands the redemption back to the counter;
	// other removal reasons decrement only when the command asks for it.
	decrement := cmd.DecrementCount || cmd.Reason == RemovalUndo
	var count int64
	var counterErr error
	if decrement {
		count, counterErr = executor.decrementCounter(transaction, broadcaster, entry.UserID, now)
	} else {
		count, counterErr = executor.readCounter(transaction, broadcaster, entry.UserID, now)
	}
	if counterErr != nil {
		if errors.Is(counterErr, ErrInvalidTimezone) {
			return nil, counterErr
		}
		executor.logError(operation, reasonCounterFailed, counterErr,
			zap.String(fieldBroadcaster, cmd.BroadcasterID))
		return nil, newServiceError(operation, reasonCounterFailed, counterErr)
	}

	version, appendErr := executor.appendLog(transaction, operation, cmd, opID, now)
	if appendErr != nil {
		return nil, appendErr
	}

	removed, projectErr := executor.projector.Removed(version, now, entry.ID, cmd.Reason, count)
	if projectErr != nil {
		return nil, newServiceError(operation, reasonProjectionFailed, projectErr)
	}
	patches := []Patch{removed}
	if decrement {
		counterPatch, counterProjectErr := executor.projector.CounterUpdated(version, now, entry.UserID, count)
		if counterProjectErr != nil {
			return nil, newServiceError(operation, reasonProjectionFailed, counterProjectErr)
		}
		patches = append(patches, counterPatch)
	}
	return patches, nil
}

func (executor *Executor) applySettingsUpdate(transaction *gorm.DB, operation string, broadcaster *Broadcaster, cmd SettingsUpdateCommand, opID *string) ([]Patch, error) {
	now := executor.stamp(cmd.IssuedAt)

	merged, mergeErr := MergeSettingsPatch([]byte(broadcaster.SettingsJSON), cmd.Patch)
	if mergeErr != nil {
		if errors.Is(mergeErr, ErrInvalidSettingsPatch) {
			return nil, mergeErr
		}
		executor.logError(operation, reasonSettingsMerge, mergeErr,
			zap.String(fieldBroadcaster, cmd.BroadcasterID))
		return nil, newServiceError(operation, reasonSettingsMerge, mergeErr)
	}
	if _, parseErr := ParseSettings(merged); parseErr != nil {
		return nil, ErrInvalidSettingsPatch
	}

	if updateErr := transaction.Model(&Broadcaster{}).
		Where("id = ?", cmd.BroadcasterID).
		Updates(map[string]any{"settings_json": string(merged), "updated_at": now}).Error; updateErr != nil {
		executor.logError(operation, reasonSettingsMerge, updateErr,
			zap.String(fieldBroadcaster, cmd.BroadcasterID))
		return nil, newServiceError(operation, reasonSettingsMerge, updateErr)
	}
	broadcaster.SettingsJSON = string(merged)

	version, appendErr := executor.appendLog(transaction, operation, cmd, opID, now)
	if appendErr != nil {
		return nil, appendErr
	}

	patch, projectErr := executor.projector.SettingsUpdated(version, now, cmd.Patch)
	if projectErr != nil {
		return nil, newServiceError(operation, reasonProjectionFailed, projectErr)
	}
	return []Patch{patch}, nil
}

// appendLog claims the next version from the state index and writes the
// command log row under that version.
func (executor *Executor) appendLog(transaction *gorm.DB, operation string, command Command, opID *string, now time.Time) (int64, error) {
	var version int64
	incrementErr := transaction.Raw(
		"UPDATE state_index SET current_version = current_version + 1, updated_at = ? WHERE broadcaster_id = ? RETURNING current_version",
		now, command.Broadcaster(),
	).Scan(&version).Error
	if incrementErr != nil {
		executor.logError(operation, reasonVersionIncrement, incrementErr,
			zap.String(fieldBroadcaster, command.Broadcaster()))
		return 0, newServiceError(operation, reasonVersionIncrement, incrementErr)
	}
	if version == 0 {
		return 0, ErrNotFound
	}

	payloadJSON, encodeErr := gojson.Marshal(command.Payload())
	if encodeErr != nil {
		return 0, newServiceError(operation, reasonLogAppendFailed, encodeErr)
	}
	row := CommandLogEntry{
		BroadcasterID: command.Broadcaster(),
		Version:       version,
		OpID:          opID,
		CommandType:   command.CommandType(),
		PayloadJSON:   string(payloadJSON),
		CreatedAt:     now,
	}
	if createErr := transaction.Create(&row).Error; createErr != nil {
		executor.logError(operation, reasonLogAppendFailed, createErr,
			zap.String(fieldBroadcaster, command.Broadcaster()),
			zap.String(fieldCommandType, command.CommandType()))
		return 0, newServiceError(operation, reasonLogAppendFailed, createErr)
	}
	return version, nil
}

func (executor *Executor) loadBroadcaster(transaction *gorm.DB, operation, broadcasterID string) (*Broadcaster, error) {
	var broadcaster Broadcaster
	err := transaction.Where("id = ?", broadcasterID).Take(&broadcaster).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		executor.logError(operation, reasonBroadcasterLookup, err, zap.String(fieldBroadcaster, broadcasterID))
		return nil, newServiceError(operation, reasonBroadcasterLookup, err)
	}
	return &broadcaster, nil
}

func (executor *Executor) loadQueuedEntry(transaction *gorm.DB, operation, broadcasterID, entryID string) (*QueueEntry, error) {
	var entry QueueEntry
	err := transaction.Where("broadcaster_id = ? AND id = ?", broadcasterID, entryID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		executor.logError(operation, reasonEntryUpdateFailed, err, zap.String(fieldBroadcaster, broadcasterID))
		return nil, newServiceError(operation, reasonEntryUpdateFailed, err)
	}
	if entry.Status != StatusQueued {
		return nil, ErrInvalidTransition
	}
	return &entry, nil
}

func (executor *Executor) lookupOp(transaction *gorm.DB, broadcasterID, commandType, opID string) (*CommandLogEntry, bool, error) {
	var entry CommandLogEntry
	err := transaction.
		Where("broadcaster_id = ? AND command_type = ? AND op_id = ?", broadcasterID, commandType, opID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

// Counters key on the local day the command is issued, not the day the
// redemption happened upstream, so backfilled history still lands in today's
// totals.
func (executor *Executor) incrementCounter(transaction *gorm.DB, broadcaster *Broadcaster, userID string, now time.Time) (int64, error) {
	day, err := LocalDay(now, broadcaster.Timezone)
	if err != nil {
		return 0, err
	}
	counter := DailyCounter{Day: day, BroadcasterID: broadcaster.ID, UserID: userID, Count: 1, UpdatedAt: now}
	upsert := transaction.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "broadcaster_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":      gorm.Expr("count + 1"),
			"updated_at": now,
		}),
	}).Create(&counter)
	if upsert.Error != nil {
		return 0, upsert.Error
	}
	return executor.readCounterDay(transaction, broadcaster.ID, userID, day)
}

func (executor *Executor) decrementCounter(transaction *gorm.DB, broadcaster *Broadcaster, userID string, now time.Time) (int64, error) {
	day, err := LocalDay(now, broadcaster.Timezone)
	if err != nil {
		return 0, err
	}
	updateErr := transaction.Exec(
		"UPDATE daily_counters SET count = CASE WHEN count > 0 THEN count - 1 ELSE 0 END, updated_at = ? WHERE day = ? AND broadcaster_id = ? AND user_id = ?",
		now, day, broadcaster.ID, userID,
	).Error
	if updateErr != nil {
		return 0, updateErr
	}
	return executor.readCounterDay(transaction, broadcaster.ID, userID, day)
}

func (executor *Executor) readCounter(transaction *gorm.DB, broadcaster *Broadcaster, userID string, at time.Time) (int64, error) {
	day, err := LocalDay(at, broadcaster.Timezone)
	if err != nil {
		return 0, err
	}
	return executor.readCounterDay(transaction, broadcaster.ID, userID, day)
}

func (executor *Executor) readCounterDay(transaction *gorm.DB, broadcasterID, userID, day string) (int64, error) {
	var counter DailyCounter
	err := transaction.
		Where("day = ? AND broadcaster_id = ? AND user_id = ?", day, broadcasterID, userID).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Count, nil
}

// payloadsEqual compares a stored log payload with a candidate command
// payload after JSON round-tripping, so numeric types compare uniformly.
func payloadsEqual(storedJSON string, payload map[string]any) (bool, error) {
	var stored map[string]any
	if err := gojson.Unmarshal([]byte(storedJSON), &stored); err != nil {
		return false, err
	}
	encoded, err := gojson.Marshal(payload)
	if err != nil {
		return false, err
	}
	var candidate map[string]any
	if err := gojson.Unmarshal(encoded, &candidate); err != nil {
		return false, err
	}
	return reflect.DeepEqual(stored, candidate), nil
}

func (executor *Executor) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("operation", operation), zap.String("reason", reason), zap.Error(err))
	executor.logger.Error("queue executor operation failed", fields...)
}
