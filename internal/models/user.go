// Package models provides data models for the reward settlement pipeline.
package models

import (
	"time"

	"github.com/reward-settler/internal/types"
)

// UserProfile is a resolved Farcaster identity
type UserProfile struct {
	FID               int64               `json:"fid" db:"fid"`
	WalletAddress     string              `json:"walletAddress" db:"wallet_address"`
	Username          string              `json:"username,omitempty" db:"username"`
	DisplayName       string              `json:"displayName,omitempty" db:"display_name"`
	VerifiedAddresses []string            `json:"verifiedAddresses,omitempty" db:"verified_addresses"`
	Source            types.ProfileSource `json:"source" db:"source"`
	ResolvedAt        time.Time           `json:"resolvedAt" db:"resolved_at"`
}

// UserConfig is a creator's reward configuration. Amounts are base-10 integer
// strings in the token's minor units.
type UserConfig struct {
	WalletAddress string    `json:"walletAddress" db:"wallet_address"`
	IsActive      bool      `json:"isActive" db:"is_active"`
	TokenAddress  string    `json:"tokenAddress" db:"token_address"`
	LikeAmount    string    `json:"likeAmount" db:"like_amount"`
	RecastAmount  string    `json:"recastAmount" db:"recast_amount"`
	ReplyAmount   string    `json:"replyAmount" db:"reply_amount"`
	FollowAmount  string    `json:"followAmount" db:"follow_amount"`
	LikeEnabled   bool      `json:"likeEnabled" db:"like_enabled"`
	RecastEnabled bool      `json:"recastEnabled" db:"recast_enabled"`
	ReplyEnabled  bool      `json:"replyEnabled" db:"reply_enabled"`
	FollowEnabled bool      `json:"followEnabled" db:"follow_enabled"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// AmountFor returns the configured amount and enabled flag for an action
func (c *UserConfig) AmountFor(action types.Action) (amount string, enabled bool) {
	switch action {
	case types.ActionLike:
		return c.LikeAmount, c.LikeEnabled
	case types.ActionRecast:
		return c.RecastAmount, c.RecastEnabled
	case types.ActionReply:
		return c.ReplyAmount, c.ReplyEnabled
	case types.ActionFollow:
		return c.FollowAmount, c.FollowEnabled
	}
	return "", false
}

// NotificationToken is a push token registered by a mini app user
type NotificationToken struct {
	WalletAddress string    `json:"walletAddress" db:"wallet_address"`
	FID           int64     `json:"fid" db:"fid"`
	Token         string    `json:"token" db:"token"`
	DeliveryURL   string    `json:"deliveryUrl" db:"delivery_url"`
	AddedAt       time.Time `json:"addedAt" db:"added_at"`
}
