package queue

import (
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
)

// PatchKind names the shape of a patch's data document.
type PatchKind string

const (
	PatchQueueEnqueued     PatchKind = "queue.enqueued"
	PatchQueueCompleted    PatchKind = "queue.completed"
	PatchQueueRemoved      PatchKind = "queue.removed"
	PatchCounterUpdated    PatchKind = "counter.updated"
	PatchSettingsUpdated   PatchKind = "settings.updated"
	PatchRedemptionUpdated PatchKind = "redemption.updated"
	PatchStateReplace      PatchKind = "state.replace"
)

// Patch is a versioned state delta fanned out to connected clients.
type Patch struct {
	Version int64             `json:"version"`
	Kind    PatchKind         `json:"type"`
	At      time.Time         `json:"at"`
	Data    gojson.RawMessage `json:"data"`
}

// Projector turns applied commands into client-facing patches. Every method
// is pure: the same inputs always yield the same patch document.
type Projector struct{}

func (Projector) encode(version int64, kind PatchKind, at time.Time, data any) (Patch, error) {
	raw, err := gojson.Marshal(data)
	if err != nil {
		return Patch{}, fmt.Errorf("queue: encode %s patch: %w", kind, err)
	}
	return Patch{Version: version, Kind: kind, At: at.UTC(), Data: raw}, nil
}

// Enqueued projects a freshly inserted queue entry together with the user's
// running daily count.
func (p Projector) Enqueued(version int64, at time.Time, entry QueueEntry, userTodayCount int64) (Patch, error) {
	return p.encode(version, PatchQueueEnqueued, at, map[string]any{
		"entry":            entry,
		"user_today_count": userTodayCount,
	})
}

// Completed projects a served entry.
func (p Projector) Completed(version int64, at time.Time, entryID string) (Patch, error) {
	return p.encode(version, PatchQueueCompleted, at, map[string]any{
		"entry_id": entryID,
	})
}

// Removed projects an entry taken out of the queue. The daily count is the
// user's value after any decrement the removal carried.
func (p Projector) Removed(version int64, at time.Time, entryID string, reason RemovalReason, userTodayCount int64) (Patch, error) {
	return p.encode(version, PatchQueueRemoved, at, map[string]any{
		"entry_id":         entryID,
		"reason":           string(reason),
		"user_today_count": userTodayCount,
	})
}

// CounterUpdated projects a standalone daily counter change.
func (p Projector) CounterUpdated(version int64, at time.Time, userID string, count int64) (Patch, error) {
	return p.encode(version, PatchCounterUpdated, at, map[string]any{
		"user_id": userID,
		"count":   count,
	})
}

// SettingsUpdated projects the merge patch that was applied, not the merged
// document. Clients fold it into their local copy the same way the server did.
func (p Projector) SettingsUpdated(version int64, at time.Time, patch []byte) (Patch, error) {
	return p.encode(version, PatchSettingsUpdated, at, map[string]any{
		"patch": gojson.RawMessage(patch),
	})
}

// RedemptionUpdated projects the settlement outcome of a redemption.
func (p Projector) RedemptionUpdated(version int64, at time.Time, cmd RedemptionUpdateCommand) (Patch, error) {
	data := map[string]any{
		"redemption_id": cmd.RedemptionID,
		"mode":          string(cmd.Mode),
		"applicable":    cmd.Applicable,
		"result":        string(cmd.Result),
		"managed":       cmd.Managed,
	}
	if cmd.ErrorDetail != nil {
		data["error"] = *cmd.ErrorDetail
	}
	return p.encode(version, PatchRedemptionUpdated, at, data)
}

// StateReplace wraps a full snapshot for clients that fell behind the ring.
func (p Projector) StateReplace(at time.Time, snapshot StateSnapshot) (Patch, error) {
	return p.encode(snapshot.Version, PatchStateReplace, at, map[string]any{
		"state": snapshot,
	})
}
