package events

import (
	"time"
)

// Kind identifies a normalized event variant.
type Kind string

const (
	// KindRedemptionAdd is a new channel-points redemption.
	KindRedemptionAdd Kind = "redemption.add"
	// KindRedemptionUpdate is a status change for an existing redemption.
	KindRedemptionUpdate Kind = "redemption.update"
	// KindStreamOnline marks the broadcast going live.
	KindStreamOnline Kind = "stream.online"
	// KindStreamOffline marks the broadcast ending.
	KindStreamOffline Kind = "stream.offline"
)

// Event is the normalized representation of an EventSub notification.
// Implementations are value types; the union is closed.
type Event interface {
	Kind() Kind
	Broadcaster() string
	OccurredAt() time.Time
}

// User carries the redeeming viewer's identity. Login and DisplayName may be
// empty when the platform omits them.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Reward carries the redeemed reward's metadata.
type Reward struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Cost  *int64 `json:"cost,omitempty"`
}

// RedemptionStatus enumerates platform redemption states.
type RedemptionStatus string

const (
	RedemptionStatusPending   RedemptionStatus = "pending"
	RedemptionStatusFulfilled RedemptionStatus = "fulfilled"
	RedemptionStatusCanceled  RedemptionStatus = "canceled"
	RedemptionStatusUnknown   RedemptionStatus = "unknown"
)

// RedemptionAdd is emitted when a viewer redeems a channel-points reward.
type RedemptionAdd struct {
	BroadcasterID string    `json:"broadcaster_id"`
	At            time.Time `json:"occurred_at"`
	RedemptionID  string    `json:"redemption_id"`
	User          User      `json:"user"`
	Reward        Reward    `json:"reward"`
}

func (e RedemptionAdd) Kind() Kind            { return KindRedemptionAdd }
func (e RedemptionAdd) Broadcaster() string   { return e.BroadcasterID }
func (e RedemptionAdd) OccurredAt() time.Time { return e.At }

// RedemptionUpdate is emitted when an existing redemption changes status.
type RedemptionUpdate struct {
	BroadcasterID string           `json:"broadcaster_id"`
	At            time.Time        `json:"occurred_at"`
	RedemptionID  string           `json:"redemption_id"`
	Status        RedemptionStatus `json:"status"`
	User          User             `json:"user"`
	Reward        Reward           `json:"reward"`
}

func (e RedemptionUpdate) Kind() Kind            { return KindRedemptionUpdate }
func (e RedemptionUpdate) Broadcaster() string   { return e.BroadcasterID }
func (e RedemptionUpdate) OccurredAt() time.Time { return e.At }

// StreamOnline is emitted when the broadcaster goes live.
type StreamOnline struct {
	BroadcasterID string    `json:"broadcaster_id"`
	At            time.Time `json:"occurred_at"`
}

func (e StreamOnline) Kind() Kind            { return KindStreamOnline }
func (e StreamOnline) Broadcaster() string   { return e.BroadcasterID }
func (e StreamOnline) OccurredAt() time.Time { return e.At }

// StreamOffline is emitted when the broadcast ends.
type StreamOffline struct {
	BroadcasterID string    `json:"broadcaster_id"`
	At            time.Time `json:"occurred_at"`
}

func (e StreamOffline) Kind() Kind            { return KindStreamOffline }
func (e StreamOffline) Broadcaster() string   { return e.BroadcasterID }
func (e StreamOffline) OccurredAt() time.Time { return e.At }
