package policy

import (
	"sync"
	"time"

	"github.com/overlayworks/pointsqueue/internal/events"
	"github.com/overlayworks/pointsqueue/internal/queue"
)

// Action is the engine's verdict for an incoming redemption.
type Action string

const (
	ActionApplied   Action = "applied"
	ActionDuplicate Action = "duplicate"
	ActionIgnored   Action = "ignored"
)

const (
	ReasonEventNotSupported     = "event_not_supported"
	ReasonPolicyDisabled        = "policy_disabled"
	ReasonRewardNotTargeted     = "reward_not_targeted"
	ReasonDuplicateWithinWindow = "duplicate_within_window"
)

// pruneLimit caps the occurrence cache before stale keys are swept.
const pruneLimit = 4096

// Outcome carries the commands the engine derived from one event.
type Outcome struct {
	Commands []queue.Command
	Action   Action
	Reason   string
}

type occurrenceKey struct {
	broadcasterID string
	userID        string
	rewardID      string
}

// EngineConfig bundles engine dependencies.
type EngineConfig struct {
	Clock func() time.Time
}

// Engine decides whether a redemption enters the queue or is treated as a
// duplicate. The occurrence cache keys on broadcaster, user, and reward; the
// anti-spam window always slides from the most recent occurrence, so rapid
// repeats keep extending the suppression.
type Engine struct {
	mu       sync.Mutex
	lastSeen map[occurrenceKey]time.Time
	clock    func() time.Time
}

// NewEngine builds an Engine with an empty occurrence cache.
func NewEngine(cfg EngineConfig) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{lastSeen: make(map[occurrenceKey]time.Time), clock: clock}
}

// Evaluate maps a normalized event onto queue commands under the given
// settings. Only redemption additions produce commands; every other event
// kind is reported as unsupported and left to the caller. The commands carry
// issuedAt as their issue time; a zero issuedAt falls back to the clock.
func (engine *Engine) Evaluate(settings queue.Settings, event events.Event, issuedAt time.Time) Outcome {
	add, ok := event.(events.RedemptionAdd)
	if !ok {
		return Outcome{Action: ActionIgnored, Reason: ReasonEventNotSupported}
	}

	if len(settings.Policy.TargetRewards) == 0 {
		return Outcome{Action: ActionIgnored, Reason: ReasonPolicyDisabled}
	}
	if !settings.Policy.RewardEnabled(add.Reward.ID) {
		return Outcome{Action: ActionIgnored, Reason: ReasonRewardNotTargeted}
	}

	window := time.Duration(settings.Policy.AntiSpamWindowSec) * time.Second
	key := occurrenceKey{broadcasterID: add.BroadcasterID, userID: add.User.ID, rewardID: add.Reward.ID}

	engine.mu.Lock()
	last, seen := engine.lastSeen[key]
	engine.lastSeen[key] = add.At
	engine.pruneLocked(add.At, window)
	engine.mu.Unlock()

	if issuedAt.IsZero() {
		issuedAt = engine.clock()
	}
	issuedAt = issuedAt.UTC()
	duplicate := seen && window > 0 && add.At.Sub(last) < window
	if duplicate {
		mode := queue.ModeConsume
		if settings.Policy.DuplicatePolicy == queue.DuplicateRefund {
			mode = queue.ModeRefund
		}
		return Outcome{
			Action: ActionDuplicate,
			Reason: ReasonDuplicateWithinWindow,
			Commands: []queue.Command{
				queue.RedemptionUpdateCommand{
					BroadcasterID: add.BroadcasterID,
					RedemptionID:  add.RedemptionID,
					Mode:          mode,
					Applicable:    false,
					Result:        queue.ResultSkipped,
					Source:        queue.SourcePolicy,
					IssuedAt:      issuedAt,
				},
			},
		}
	}

	return Outcome{
		Action: ActionApplied,
		Commands: []queue.Command{
			queue.EnqueueCommand{
				BroadcasterID: add.BroadcasterID,
				RedemptionID:  add.RedemptionID,
				User:          add.User,
				Reward:        add.Reward,
				RedeemedAt:    add.At,
				Source:        queue.SourcePolicy,
				IssuedAt:      issuedAt,
			},
			// Placeholder settlement: the redemption is consumed upstream
			// during reconciliation, not at enqueue time.
			queue.RedemptionUpdateCommand{
				BroadcasterID: add.BroadcasterID,
				RedemptionID:  add.RedemptionID,
				Mode:          queue.ModeConsume,
				Applicable:    false,
				Result:        queue.ResultSkipped,
				Source:        queue.SourcePolicy,
				IssuedAt:      issuedAt,
			},
		},
	}
}

// pruneLocked sweeps occurrences that can no longer suppress anything.
// Callers hold the mutex.
func (engine *Engine) pruneLocked(now time.Time, window time.Duration) {
	if len(engine.lastSeen) < pruneLimit {
		return
	}
	retention := window
	if retention < time.Hour {
		retention = time.Hour
	}
	for key, at := range engine.lastSeen {
		if now.Sub(at) >= retention {
			delete(engine.lastSeen, key)
		}
	}
}
