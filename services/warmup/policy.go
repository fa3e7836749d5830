// Package warmup computes how many emails a sending account may still
// send today.
package warmup

import (
	"math"

	"replypilot/models"
)

// Unlimited is the cap of a subscription without a daily limit.
const Unlimited = math.MaxInt

// Tier caps daily volume while an account's age is below UntilDays.
type Tier struct {
	UntilDays int
	Cap       int
}

// Policy holds the ramp schedule and the new-account override. Every value
// is product policy and may be tuned through configuration.
type Policy struct {
	Tiers []Tier
	// MatureCap applies once the account is older than every tier.
	MatureCap int
	// WarmingUpDays and WarmedUpDays are the phase boundaries.
	WarmingUpDays int
	WarmedUpDays  int
	// Until the account is warmed up and at least OverrideDays old, the
	// cap never exceeds OverrideCap, whatever the subscription allows.
	OverrideDays int
	OverrideCap  int
}

func DefaultPolicy() Policy {
	return Policy{
		Tiers: []Tier{
			{UntilDays: 7, Cap: 10},
			{UntilDays: 14, Cap: 20},
			{UntilDays: 21, Cap: 35},
			{UntilDays: 30, Cap: 50},
		},
		MatureCap:     100,
		WarmingUpDays: 7,
		WarmedUpDays:  30,
		OverrideDays:  14,
		OverrideCap:   20,
	}
}

// TierCap is the ramp cap for an account that is days old.
func (p Policy) TierCap(days int) int {
	for _, t := range p.Tiers {
		if days < t.UntilDays {
			return t.Cap
		}
	}
	return p.MatureCap
}

// PhaseFor maps account age to a warmup phase.
func (p Policy) PhaseFor(days int) string {
	switch {
	case days >= p.WarmedUpDays:
		return models.WarmupWarmedUp
	case days >= p.WarmingUpDays:
		return models.WarmupWarmingUp
	default:
		return models.WarmupInitializing
	}
}

// Cap is the effective daily cap. subscriptionCap <= 0 means unlimited.
func (p Policy) Cap(days int, phase string, subscriptionCap int) int {
	limit := subscriptionCap
	if limit <= 0 {
		limit = Unlimited
	}
	limit = min(limit, p.TierCap(days))
	if phase != models.WarmupWarmedUp || days < p.OverrideDays {
		limit = min(limit, p.OverrideCap)
	}
	return limit
}

// phaseRank orders phases so they only ever advance.
func phaseRank(phase string) int {
	switch phase {
	case models.WarmupWarmingUp:
		return 1
	case models.WarmupWarmedUp:
		return 2
	default:
		return 0
	}
}
