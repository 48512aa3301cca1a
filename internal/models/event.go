package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/reward-settler/internal/types"
)

// EngagementEvent is a normalized webhook engagement. TargetFID is the
// creator whose content (or profile, for follows) was engaged with.
type EngagementEvent struct {
	ProviderEventID string          `json:"providerEventId"`
	Type            types.EventType `json:"type"`
	Action          types.Action    `json:"action"`
	ActorFID        int64           `json:"actorFid"`
	TargetFID       int64           `json:"targetFid"`
	TargetCastHash  string          `json:"targetCastHash,omitempty"`
	// CastHash is the hash of the reply itself for cast.created events
	CastHash  string    `json:"castHash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NaturalEventID derives a stable id for an engagement when the provider did
// not send one. Redeliveries of the same engagement map to the same id.
func NaturalEventID(action types.Action, actorFID, targetFID int64, targetCastHash, castHash string) string {
	switch action {
	case types.ActionLike, types.ActionRecast:
		return fmt.Sprintf("%s:%d:%s", action, actorFID, strings.ToLower(targetCastHash))
	case types.ActionReply:
		return fmt.Sprintf("reply:%s", strings.ToLower(castHash))
	case types.ActionFollow:
		return fmt.Sprintf("follow:%d:%d", actorFID, targetFID)
	}
	return ""
}

// HasCastContext reports whether the event references a cast
func (e *EngagementEvent) HasCastContext() bool {
	return e.TargetCastHash != ""
}
