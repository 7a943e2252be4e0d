package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	eventTypeRedemptionAdd    = "channel.channel_points_custom_reward_redemption.add"
	eventTypeRedemptionUpdate = "channel.channel_points_custom_reward_redemption.update"
	eventTypeStreamOnline     = "stream.online"
	eventTypeStreamOffline    = "stream.offline"
)

var (
	// ErrUnsupportedEventType indicates an EventSub type this service does not consume.
	ErrUnsupportedEventType = errors.New("events: unsupported event type")
	// ErrMissingEvent indicates the notification payload has no event block.
	ErrMissingEvent = errors.New("events: missing event block in payload")
	// ErrMissingField indicates a required payload field is absent.
	ErrMissingField = errors.New("events: missing required field")
	// ErrInvalidTimestamp indicates a timestamp field failed RFC 3339 parsing.
	ErrInvalidTimestamp = errors.New("events: invalid timestamp")
)

// Normalize converts a raw EventSub notification payload into an Event.
// The mapping is deterministic: the same input always yields the same event.
func Normalize(eventType string, payload json.RawMessage) (Event, error) {
	switch eventType {
	case eventTypeRedemptionAdd:
		return normalizeRedemption(payload, false)
	case eventTypeRedemptionUpdate:
		return normalizeRedemption(payload, true)
	case eventTypeStreamOnline:
		return normalizeStream(payload, true)
	case eventTypeStreamOffline:
		return normalizeStream(payload, false)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventType, eventType)
	}
}

type redemptionPayload struct {
	Event *redemptionEvent `json:"event"`
}

type redemptionEvent struct {
	ID                string           `json:"id"`
	BroadcasterUserID string           `json:"broadcaster_user_id"`
	UserID            string           `json:"user_id"`
	UserLogin         string           `json:"user_login"`
	UserName          string           `json:"user_name"`
	Status            string           `json:"status"`
	RedeemedAt        string           `json:"redeemed_at"`
	Reward            redemptionReward `json:"reward"`
}

type redemptionReward struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cost  *int64 `json:"cost"`
}

type streamPayload struct {
	Event *streamEvent `json:"event"`
}

type streamEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	StartedAt         string `json:"started_at"`
	EndedAt           string `json:"ended_at"`
}

func normalizeRedemption(payload json.RawMessage, includeStatus bool) (Event, error) {
	var data redemptionPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("events: parse payload: %w", err)
	}
	if data.Event == nil {
		return nil, ErrMissingEvent
	}
	event := data.Event
	if event.ID == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingField)
	}
	if event.BroadcasterUserID == "" {
		return nil, fmt.Errorf("%w: broadcaster_user_id", ErrMissingField)
	}

	redeemedAt, err := time.Parse(time.RFC3339, event.RedeemedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: redeemed_at: %v", ErrInvalidTimestamp, err)
	}

	user := User{ID: event.UserID, Login: event.UserLogin, DisplayName: event.UserName}
	reward := Reward{ID: event.Reward.ID, Title: event.Reward.Title, Cost: event.Reward.Cost}

	if includeStatus {
		return RedemptionUpdate{
			BroadcasterID: event.BroadcasterUserID,
			At:            redeemedAt.UTC(),
			RedemptionID:  event.ID,
			Status:        mapStatus(event.Status),
			User:          user,
			Reward:        reward,
		}, nil
	}
	return RedemptionAdd{
		BroadcasterID: event.BroadcasterUserID,
		At:            redeemedAt.UTC(),
		RedemptionID:  event.ID,
		User:          user,
		Reward:        reward,
	}, nil
}

func normalizeStream(payload json.RawMessage, online bool) (Event, error) {
	var data streamPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("events: parse payload: %w", err)
	}
	if data.Event == nil {
		return nil, ErrMissingEvent
	}
	event := data.Event

	field := "ended_at"
	raw := event.EndedAt
	if online {
		field = "started_at"
		raw = event.StartedAt
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	occurredAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTimestamp, field, err)
	}

	if online {
		return StreamOnline{BroadcasterID: event.BroadcasterUserID, At: occurredAt.UTC()}, nil
	}
	return StreamOffline{BroadcasterID: event.BroadcasterUserID, At: occurredAt.UTC()}, nil
}

func mapStatus(value string) RedemptionStatus {
	switch value {
	case "UNFULFILLED", "PENDING":
		return RedemptionStatusPending
	case "FULFILLED":
		return RedemptionStatusFulfilled
	case "CANCELED", "CANCELLED":
		return RedemptionStatusCanceled
	default:
		return RedemptionStatusUnknown
	}
}
