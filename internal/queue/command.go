package queue

import (
	"time"

	"github.com/overlayworks/pointsqueue/internal/events"
)

const (
	CommandTypeEnqueue          = "enqueue"
	CommandTypeRedemptionUpdate = "redemption.update"
	CommandTypeQueueComplete    = "queue.complete"
	CommandTypeQueueRemove      = "queue.remove"
	CommandTypeSettingsUpdate   = "settings.update"
)

const redactedValue = "***"

// CommandSource identifies who issued a command.
type CommandSource string

const (
	SourcePolicy CommandSource = "policy"
	SourceAdmin  CommandSource = "admin"
	SourceSystem CommandSource = "system"
)

// CommandResult is the outcome recorded on a redemption update.
type CommandResult string

const (
	ResultOK      CommandResult = "ok"
	ResultFailed  CommandResult = "failed"
	ResultSkipped CommandResult = "skipped"
)

// UpdateMode selects how a redemption is settled upstream.
type UpdateMode string

const (
	ModeConsume UpdateMode = "consume"
	ModeRefund  UpdateMode = "refund"
)

// Command is a single unit of work appended to the per-broadcaster log.
// Payload returns the representation persisted in the log; issued-at
// timestamps are excluded so idempotent replays compare equal.
type Command interface {
	CommandType() string
	Broadcaster() string
	Payload() map[string]any
}

// Redactable commands carry viewer-identifying fields and expose a masked
// payload for observability surfaces. The durable log keeps the real values.
type Redactable interface {
	RedactedPayload() map[string]any
}

// EnqueueCommand places a redemption into the queue.
type EnqueueCommand struct {
	BroadcasterID string
	RedemptionID  string
	User          events.User
	Reward        events.Reward
	RedeemedAt    time.Time
	Source        CommandSource
	IssuedAt      time.Time
}

func (c EnqueueCommand) CommandType() string { return CommandTypeEnqueue }
func (c EnqueueCommand) Broadcaster() string { return c.BroadcasterID }

func (c EnqueueCommand) Payload() map[string]any {
	payload := map[string]any{
		"redemption_id": c.RedemptionID,
		"user": map[string]any{
			"id":           c.User.ID,
			"login":        c.User.Login,
			"display_name": c.User.DisplayName,
		},
		"reward_id":   c.Reward.ID,
		"redeemed_at": c.RedeemedAt.UTC().Format(time.RFC3339Nano),
		"source":      string(c.Source),
	}
	if c.Reward.Cost != nil {
		payload["reward_cost"] = *c.Reward.Cost
	}
	return payload
}

// RedactedPayload masks the login and display name for the audit tap.
func (c EnqueueCommand) RedactedPayload() map[string]any {
	payload := c.Payload()
	payload["user"] = map[string]any{
		"id":           c.User.ID,
		"login":        redactedValue,
		"display_name": redactedValue,
	}
	return payload
}

// RedemptionUpdateCommand records the intended upstream settlement of a
// redemption. Managed marks updates the service itself will carry out.
type RedemptionUpdateCommand struct {
	BroadcasterID string
	RedemptionID  string
	Mode          UpdateMode
	Applicable    bool
	Result        CommandResult
	Managed       bool
	ErrorDetail   *string
	Source        CommandSource
	IssuedAt      time.Time
}

func (c RedemptionUpdateCommand) CommandType() string { return CommandTypeRedemptionUpdate }
func (c RedemptionUpdateCommand) Broadcaster() string { return c.BroadcasterID }

func (c RedemptionUpdateCommand) Payload() map[string]any {
	payload := map[string]any{
		"redemption_id": c.RedemptionID,
		"mode":          string(c.Mode),
		"applicable":    c.Applicable,
		"result":        string(c.Result),
		"managed":       c.Managed,
		"source":        string(c.Source),
	}
	if c.ErrorDetail != nil {
		payload["error"] = *c.ErrorDetail
	}
	return payload
}

// QueueCompleteCommand marks a queued entry as served.
type QueueCompleteCommand struct {
	BroadcasterID string
	EntryID       string
	OpID          string
	Source        CommandSource
	IssuedAt      time.Time
}

func (c QueueCompleteCommand) CommandType() string { return CommandTypeQueueComplete }
func (c QueueCompleteCommand) Broadcaster() string { return c.BroadcasterID }

func (c QueueCompleteCommand) Payload() map[string]any {
	return map[string]any{
		"entry_id": c.EntryID,
		"source":   string(c.Source),
	}
}

// QueueRemoveCommand takes a queued entry out of the queue without serving it.
// OpID is empty for system-issued removals such as stream-start clearing.
type QueueRemoveCommand struct {
	BroadcasterID  string
	EntryID        string
	OpID           string
	Reason         RemovalReason
	DecrementCount bool
	Source         CommandSource
	IssuedAt       time.Time
}

func (c QueueRemoveCommand) CommandType() string { return CommandTypeQueueRemove }
func (c QueueRemoveCommand) Broadcaster() string { return c.BroadcasterID }

func (c QueueRemoveCommand) Payload() map[string]any {
	return map[string]any{
		"entry_id":        c.EntryID,
		"reason":          string(c.Reason),
		"decrement_count": c.DecrementCount,
		"source":          string(c.Source),
	}
}

// SettingsUpdateCommand applies a merge patch to the settings document.
type SettingsUpdateCommand struct {
	BroadcasterID string
	OpID          string
	Patch         []byte
	Source        CommandSource
	IssuedAt      time.Time
}

func (c SettingsUpdateCommand) CommandType() string { return CommandTypeSettingsUpdate }
func (c SettingsUpdateCommand) Broadcaster() string { return c.BroadcasterID }

func (c SettingsUpdateCommand) Payload() map[string]any {
	return map[string]any{
		"patch":  string(c.Patch),
		"source": string(c.Source),
	}
}
