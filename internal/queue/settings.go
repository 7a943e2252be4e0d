package queue

import (
	"fmt"

	gojson "github.com/goccy/go-json"
)

const defaultAntiSpamWindowSec = 60

// DuplicatePolicy selects the redemption-update mode used for duplicates
// detected inside the anti-spam window.
type DuplicatePolicy string

const (
	DuplicateConsume DuplicatePolicy = "consume"
	DuplicateRefund  DuplicatePolicy = "refund"
)

// PolicySettings controls the anti-spam behaviour of the policy engine.
type PolicySettings struct {
	AntiSpamWindowSec int64           `json:"anti_spam_window_sec"`
	DuplicatePolicy   DuplicatePolicy `json:"duplicate_policy"`
	TargetRewards     []string        `json:"target_rewards"`
}

// RewardEnabled reports whether the reward participates in policy evaluation.
func (p PolicySettings) RewardEnabled(rewardID string) bool {
	for _, id := range p.TargetRewards {
		if id == rewardID {
			return true
		}
	}
	return false
}

// Settings is the per-broadcaster configuration persisted as JSON.
type Settings struct {
	OverlayTheme         string         `json:"overlay_theme"`
	GroupSize            int            `json:"group_size"`
	ClearOnStreamStart   bool           `json:"clear_on_stream_start"`
	ClearDecrementCounts bool           `json:"clear_decrement_counts"`
	Policy               PolicySettings `json:"policy"`
}

// DefaultSettings returns the settings applied to a broadcaster with no
// stored configuration.
func DefaultSettings() Settings {
	return Settings{
		OverlayTheme: "default",
		GroupSize:    1,
		Policy: PolicySettings{
			AntiSpamWindowSec: defaultAntiSpamWindowSec,
			DuplicatePolicy:   DuplicateConsume,
		},
	}
}

// ParseSettings decodes stored settings JSON, filling absent fields with
// defaults. An empty document yields DefaultSettings.
func ParseSettings(raw []byte) (Settings, error) {
	settings := DefaultSettings()
	if len(raw) == 0 {
		return settings, nil
	}
	if err := gojson.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("queue: parse settings: %w", err)
	}
	return settings, nil
}

// MergeSettingsPatch applies an RFC 7386 style merge patch to the stored
// settings document. Objects merge recursively, a null value deletes the key,
// and any other value replaces it. The patch itself must be a JSON object.
func MergeSettingsPatch(current, patch []byte) ([]byte, error) {
	var patchDoc map[string]any
	if err := gojson.Unmarshal(patch, &patchDoc); err != nil || patchDoc == nil {
		return nil, ErrInvalidSettingsPatch
	}

	base := map[string]any{}
	if len(current) > 0 {
		if err := gojson.Unmarshal(current, &base); err != nil {
			return nil, fmt.Errorf("queue: parse stored settings: %w", err)
		}
	}

	merged := mergeObjects(base, patchDoc)
	out, err := gojson.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("queue: encode merged settings: %w", err)
	}
	return out, nil
}

func mergeObjects(base, patch map[string]any) map[string]any {
	for key, value := range patch {
		if value == nil {
			delete(base, key)
			continue
		}
		patchChild, patchIsObject := value.(map[string]any)
		if !patchIsObject {
			base[key] = value
			continue
		}
		baseChild, baseIsObject := base[key].(map[string]any)
		if !baseIsObject {
			baseChild = map[string]any{}
		}
		base[key] = mergeObjects(baseChild, patchChild)
	}
	return base
}
