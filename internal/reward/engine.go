// Package reward decides whether an engagement earns a reward and how much.
// Evaluate is pure: identity resolution and config lookup happen before it is called.
package reward

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/types"
)

// Reason explains a decision
type Reason string

const (
	ReasonEligible           Reason = "eligible"
	ReasonNoConfig           Reason = "no_config"
	ReasonInactive           Reason = "inactive"
	ReasonActionDisabled     Reason = "action_disabled"
	ReasonSelfEngagement     Reason = "self_engagement"
	ReasonUnresolvedActor    Reason = "unresolved_actor"
	ReasonMissingCastContext Reason = "missing_cast_context"
	ReasonZeroAmount         Reason = "zero_amount"
	ReasonUnsupportedAction  Reason = "unsupported_action"
)

// SelfEngagementCheck selects how actor and creator are compared
type SelfEngagementCheck string

const (
	SelfByFID     SelfEngagementCheck = "fid"
	SelfByAddress SelfEngagementCheck = "address"
	SelfByEither  SelfEngagementCheck = "either"
)

// Policy holds the deployment-level eligibility choices
type Policy struct {
	SelfEngagement           SelfEngagementCheck
	RewardFollowsWithoutCast bool
}

// DefaultPolicy excludes self-engagement by fid or address and rewards follows
func DefaultPolicy() Policy {
	return Policy{SelfEngagement: SelfByEither, RewardFollowsWithoutCast: true}
}

// ParsePolicy builds a policy from configuration strings
func ParsePolicy(selfCheck string, followsWithoutCast bool) (Policy, error) {
	p := Policy{RewardFollowsWithoutCast: followsWithoutCast}
	switch SelfEngagementCheck(strings.ToLower(selfCheck)) {
	case SelfByFID:
		p.SelfEngagement = SelfByFID
	case SelfByAddress:
		p.SelfEngagement = SelfByAddress
	case SelfByEither, "":
		p.SelfEngagement = SelfByEither
	default:
		return Policy{}, fmt.Errorf("unknown self-engagement check %q", selfCheck)
	}
	return p, nil
}

// Engagement is an event together with the addresses resolved for its parties.
// ActorAddress is empty when the actor's fid has no verified address.
type Engagement struct {
	Event          models.EngagementEvent
	CreatorAddress string
	ActorAddress   string
}

// Decision is the outcome of Evaluate
type Decision struct {
	Eligible bool
	Amount   *big.Int
	Token    string
	Reason   Reason
}

func reject(r Reason) Decision {
	return Decision{Reason: r}
}

// Evaluate applies the eligibility rules in order: active config, enabled
// action, not self-engagement, resolved actor. creator is nil when the
// creator has no config or it is inactive.
func Evaluate(in Engagement, creator *models.UserConfig, policy Policy) Decision {
	if creator == nil {
		return reject(ReasonNoConfig)
	}
	if !creator.IsActive {
		return reject(ReasonInactive)
	}

	ev := in.Event
	if !ev.Action.Valid() {
		return reject(ReasonUnsupportedAction)
	}

	rawAmount, enabled := creator.AmountFor(ev.Action)
	if !enabled {
		return reject(ReasonActionDisabled)
	}

	if isSelfEngagement(in, policy.SelfEngagement) {
		return reject(ReasonSelfEngagement)
	}

	if !models.IsValidAddress(in.ActorAddress) {
		return reject(ReasonUnresolvedActor)
	}

	if ev.Action == types.ActionFollow {
		if !policy.RewardFollowsWithoutCast && !ev.HasCastContext() {
			return reject(ReasonMissingCastContext)
		}
	} else if !ev.HasCastContext() {
		return reject(ReasonMissingCastContext)
	}

	amount, ok := ParseAmount(rawAmount)
	if !ok {
		return reject(ReasonZeroAmount)
	}

	return Decision{
		Eligible: true,
		Amount:   amount,
		Token:    models.NormalizeAddress(creator.TokenAddress),
		Reason:   ReasonEligible,
	}
}

func isSelfEngagement(in Engagement, check SelfEngagementCheck) bool {
	byFID := in.Event.ActorFID != 0 && in.Event.ActorFID == in.Event.TargetFID
	byAddress := models.SameAddress(in.ActorAddress, in.CreatorAddress)

	switch check {
	case SelfByFID:
		return byFID
	case SelfByAddress:
		return byAddress
	default:
		return byFID || byAddress
	}
}

// ParseAmount parses a positive base-10 integer amount in minor units.
// Fractions, signs other than a leading '+', and zero are rejected.
func ParseAmount(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}
