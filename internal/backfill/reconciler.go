package backfill

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/overlayworks/pointsqueue/internal/events"
	"github.com/overlayworks/pointsqueue/internal/ingest"
	"github.com/overlayworks/pointsqueue/internal/metrics"
	"github.com/overlayworks/pointsqueue/internal/queue"
)

const (
	triggerBufferSize = 16

	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

var errMissingDependency = errors.New("backfill: missing dependency")

// Redemption is one unfulfilled redemption reported by the upstream API.
type Redemption struct {
	ID         string
	User       events.User
	Reward     events.Reward
	RedeemedAt time.Time
}

// Source pages through the unfulfilled redemptions of a broadcaster.
// An empty next cursor ends the walk.
type Source interface {
	ListUnfulfilled(ctx context.Context, broadcasterID, cursor string) ([]Redemption, string, error)
}

// ReconcilerConfig bundles reconciler dependencies.
type ReconcilerConfig struct {
	Database *gorm.DB
	Source   Source
	Ingest   *ingest.Service
	Logger   *zap.Logger
	Clock    func() time.Time
	Metrics  *metrics.Metrics
}

// Reconciler replays redemptions the service missed while it was down.
// Runs are triggered per broadcaster and feed synthesized events through the
// regular ingest pipeline, so dedup and policy decisions stay in one place.
type Reconciler struct {
	db       *gorm.DB
	source   Source
	ingest   *ingest.Service
	logger   *zap.Logger
	clock    func() time.Time
	metrics  *metrics.Metrics
	triggers chan string
}

// NewReconciler validates dependencies and builds a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Database == nil || cfg.Source == nil || cfg.Ingest == nil {
		return nil, errMissingDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		db:       cfg.Database,
		source:   cfg.Source,
		ingest:   cfg.Ingest,
		logger:   logger,
		clock:    clock,
		metrics:  cfg.Metrics,
		triggers: make(chan string, triggerBufferSize),
	}, nil
}

// Trigger requests a reconciliation run. It never blocks; when the trigger
// queue is full the request is dropped and a later trigger catches up.
func (r *Reconciler) Trigger(broadcasterID string) {
	select {
	case r.triggers <- broadcasterID:
	default:
		r.logger.Warn("backfill trigger dropped", zap.String("broadcaster_id", broadcasterID))
	}
}

// Run consumes triggers until ctx is done. Call it from a dedicated goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case broadcasterID := <-r.triggers:
			if err := r.Reconcile(ctx, broadcasterID); err != nil {
				r.logger.Error("backfill run failed",
					zap.String("broadcaster_id", broadcasterID),
					zap.Error(err))
			}
		}
	}
}

// Reconcile walks the upstream redemption list once for one broadcaster.
func (r *Reconciler) Reconcile(ctx context.Context, broadcasterID string) error {
	if err := r.setStatus(ctx, broadcasterID, queue.BackfillRunning, nil); err != nil {
		return err
	}

	cursor := ""
	var lastRedemptionID string
	for {
		redemptions, nextCursor, err := r.source.ListUnfulfilled(ctx, broadcasterID, cursor)
		if err != nil {
			r.recordOutcome(outcomeFailed)
			message := err.Error()
			if statusErr := r.setStatus(ctx, broadcasterID, queue.BackfillError, &message); statusErr != nil {
				r.logger.Error("backfill checkpoint update failed", zap.Error(statusErr))
			}
			return err
		}

		for _, redemption := range redemptions {
			event := events.RedemptionAdd{
				BroadcasterID: broadcasterID,
				At:            redemption.RedeemedAt,
				RedemptionID:  redemption.ID,
				User:          redemption.User,
				Reward:        redemption.Reward,
			}
			if _, err := r.ingest.Process(ctx, event); err != nil {
				r.recordOutcome(outcomeFailed)
				message := err.Error()
				if statusErr := r.setStatus(ctx, broadcasterID, queue.BackfillError, &message); statusErr != nil {
					r.logger.Error("backfill checkpoint update failed", zap.Error(statusErr))
				}
				return err
			}
			lastRedemptionID = redemption.ID
		}

		if err := r.saveProgress(ctx, broadcasterID, nextCursor, lastRedemptionID); err != nil {
			return err
		}
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	r.recordOutcome(outcomeCompleted)
	return r.setStatus(ctx, broadcasterID, queue.BackfillIdle, nil)
}

// Checkpoint returns the stored reconciliation state for a broadcaster.
func (r *Reconciler) Checkpoint(ctx context.Context, broadcasterID string) (*queue.BackfillCheckpoint, error) {
	var checkpoint queue.BackfillCheckpoint
	err := r.db.WithContext(ctx).Where("broadcaster_id = ?", broadcasterID).Take(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (r *Reconciler) setStatus(ctx context.Context, broadcasterID string, status queue.BackfillStatus, lastError *string) error {
	now := r.clock().UTC()
	checkpoint := queue.BackfillCheckpoint{
		BroadcasterID: broadcasterID,
		Status:        status,
		LastError:     lastError,
		UpdatedAt:     now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "broadcaster_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":     status,
			"last_error": lastError,
			"updated_at": now,
		}),
	}).Create(&checkpoint).Error
}

func (r *Reconciler) saveProgress(ctx context.Context, broadcasterID, cursor, lastRedemptionID string) error {
	now := r.clock().UTC()
	updates := map[string]any{
		"cursor":     cursor,
		"updated_at": now,
	}
	if lastRedemptionID != "" {
		updates["last_redemption_id"] = lastRedemptionID
		updates["last_seen_at"] = now
	}
	return r.db.WithContext(ctx).Model(&queue.BackfillCheckpoint{}).
		Where("broadcaster_id = ?", broadcasterID).
		Updates(updates).Error
}

func (r *Reconciler) recordOutcome(outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.BackfillRuns.WithLabelValues(outcome).Inc()
}
