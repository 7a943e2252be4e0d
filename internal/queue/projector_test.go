package queue

import (
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
)

func decodeData(t *testing.T, patch Patch) map[string]any {
	t.Helper()
	var data map[string]any
	if err := gojson.Unmarshal(patch.Data, &data); err != nil {
		t.Fatalf("failed to decode patch data: %v", err)
	}
	return data
}

func TestEnqueuedPatchShape(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	entry := QueueEntry{
		ID:            "entry-1",
		BroadcasterID: "broadcaster-1",
		UserID:        "user-1",
		Status:        StatusQueued,
		EnqueuedAt:    at,
		LastUpdatedAt: at,
	}

	patch, err := Projector{}.Enqueued(7, at, entry, 3)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	if patch.Version != 7 || patch.Kind != PatchQueueEnqueued {
		t.Fatalf("unexpected envelope: %#v", patch)
	}

	data := decodeData(t, patch)
	if data["user_today_count"] != float64(3) {
		t.Fatalf("expected user_today_count 3, got %v", data["user_today_count"])
	}
	entryDoc, ok := data["entry"].(map[string]any)
	if !ok || entryDoc["id"] != "entry-1" {
		t.Fatalf("unexpected entry document: %v", data["entry"])
	}
}

func TestRemovedPatchCarriesReasonAndCount(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	patch, err := Projector{}.Removed(9, at, "entry-1", RemovalStreamStartClear, 0)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}

	data := decodeData(t, patch)
	if data["entry_id"] != "entry-1" {
		t.Fatalf("unexpected entry_id %v", data["entry_id"])
	}
	if data["reason"] != string(RemovalStreamStartClear) {
		t.Fatalf("unexpected reason %v", data["reason"])
	}
	if data["user_today_count"] != float64(0) {
		t.Fatalf("unexpected count %v", data["user_today_count"])
	}
}

func TestRedemptionUpdatedPatchIncludesErrorOnlyWhenPresent(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	cmd := RedemptionUpdateCommand{
		BroadcasterID: "broadcaster-1",
		RedemptionID:  "redemption-1",
		Mode:          ModeRefund,
		Applicable:    false,
		Result:        ResultSkipped,
	}

	patch, err := Projector{}.RedemptionUpdated(2, at, cmd)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	data := decodeData(t, patch)
	if _, present := data["error"]; present {
		t.Fatalf("error key must be absent without a detail")
	}
	if data["mode"] != string(ModeRefund) || data["result"] != string(ResultSkipped) {
		t.Fatalf("unexpected settlement fields: %v", data)
	}

	detail := "upstream rejected"
	cmd.ErrorDetail = &detail
	patch, err = Projector{}.RedemptionUpdated(3, at, cmd)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	data = decodeData(t, patch)
	if data["error"] != detail {
		t.Fatalf("expected error detail, got %v", data["error"])
	}
}

func TestStateReplaceWrapsSnapshot(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	snapshot := StateSnapshot{Version: 42, Queue: []QueueEntry{}, Settings: DefaultSettings()}

	patch, err := Projector{}.StateReplace(at, snapshot)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	if patch.Version != 42 || patch.Kind != PatchStateReplace {
		t.Fatalf("unexpected envelope: %#v", patch)
	}
	data := decodeData(t, patch)
	state, ok := data["state"].(map[string]any)
	if !ok || state["version"] != float64(42) {
		t.Fatalf("unexpected state document: %v", data["state"])
	}
}
