// Package types provides common type definitions for the reward settlement pipeline.
package types

// EventType is the provider-level webhook event type
type EventType string

const (
	// EventCastCreated is a new cast; replies carry a parent cast
	EventCastCreated EventType = "cast.created"
	// EventReactionCreated is a like or a recast
	EventReactionCreated EventType = "reaction.created"
	// EventFollowCreated is a follow between two users
	EventFollowCreated EventType = "follow.created"
	// EventMiniAppAdded registers a notification token
	EventMiniAppAdded EventType = "miniapp_added"
	// EventMiniAppRemoved revokes a notification token
	EventMiniAppRemoved EventType = "miniapp_removed"
	// EventNotificationsEnabled registers a notification token
	EventNotificationsEnabled EventType = "notifications_enabled"
	// EventNotificationsDisabled revokes a notification token
	EventNotificationsDisabled EventType = "notifications_disabled"
)

// IsEngagement reports whether the event type can produce a reward
func (t EventType) IsEngagement() bool {
	switch t {
	case EventCastCreated, EventReactionCreated, EventFollowCreated:
		return true
	}
	return false
}

// Action is the engagement action a reward is configured for
type Action string

const (
	ActionLike   Action = "like"
	ActionRecast Action = "recast"
	ActionReply  Action = "reply"
	ActionFollow Action = "follow"
)

// Valid reports whether a is one of the four rewardable actions
func (a Action) Valid() bool {
	switch a {
	case ActionLike, ActionRecast, ActionReply, ActionFollow:
		return true
	}
	return false
}

// EntryStatus is the lifecycle state of a ledger entry
type EntryStatus string

const (
	// EntryPending is owed and waiting for a batch
	EntryPending EntryStatus = "pending"
	// EntrySettling is claimed by a batch that has not confirmed yet
	EntrySettling EntryStatus = "settling"
	// EntrySettled is paid on-chain. Terminal.
	EntrySettled EntryStatus = "settled"
	// EntryFailed exhausted its retries and needs an operator
	EntryFailed EntryStatus = "failed"
)

// Valid reports whether s is a known entry status
func (s EntryStatus) Valid() bool {
	switch s {
	case EntryPending, EntrySettling, EntrySettled, EntryFailed:
		return true
	}
	return false
}

// BatchStatus is the lifecycle state of a settlement batch
type BatchStatus string

const (
	// BatchCollected means entries are claimed but nothing was broadcast
	BatchCollected BatchStatus = "collected"
	// BatchSubmitted means a signed transaction exists and may be on-chain
	BatchSubmitted BatchStatus = "submitted"
	// BatchConfirmed means the transaction succeeded
	BatchConfirmed BatchStatus = "confirmed"
	// BatchReverted means the transaction failed or was dropped and entries were released
	BatchReverted BatchStatus = "reverted"
)

// IsOpen reports whether the batch still needs reconciliation
func (s BatchStatus) IsOpen() bool {
	return s == BatchCollected || s == BatchSubmitted
}

// ProfileSource records which provider resolved an identity
type ProfileSource string

const (
	SourceCache  ProfileSource = "cache"
	SourceHub    ProfileSource = "hub"
	SourceNeynar ProfileSource = "neynar"
)
