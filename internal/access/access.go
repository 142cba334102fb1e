package access

import (
	"fmt"
	"time"

	"github.com/basket/narrabot/internal/store"
)

// Denial reasons.
const (
	ReasonVIPRequired            = "vip_required"
	ReasonInsufficientWorthiness = "insufficient_worthiness"
	ReasonLevelLocked            = "level_locked"
	ReasonInsufficientFunds      = "insufficient_funds"
	ReasonRoleForbidden          = "role_forbidden"
)

// Resource describes what is being requested. Zero-valued gates do not
// apply.
type Resource struct {
	Name               string
	AdminOnly          bool
	VIPRequired        bool
	LevelRequired      int
	WorthinessRequired float64
	Cost               int64
}

// Decision is the policy outcome. Callers compose Guidance into
// user-facing messages; they never invent their own reasons.
type Decision struct {
	Allowed  bool
	Reason   string
	Guidance string
}

var allow = Decision{Allowed: true}

// Evaluate is a pure function of the inputs; it performs no I/O and
// holds no state. Subscription may be nil (no subscription on file).
func Evaluate(profile *store.Profile, sub *store.Subscription, state *store.UserState, res Resource, now time.Time) Decision {
	if res.AdminOnly && (profile == nil || profile.Role != store.RoleAdmin) {
		return Decision{Allowed: false, Reason: ReasonRoleForbidden}
	}

	if res.VIPRequired && !vipActive(profile, sub, now) {
		return Decision{
			Allowed:  false,
			Reason:   ReasonVIPRequired,
			Guidance: "Subscribe to VIP to unlock this content.",
		}
	}

	if res.LevelRequired > 0 && (state == nil || state.NarrativeLevel < res.LevelRequired) {
		current := 0
		if state != nil {
			current = state.NarrativeLevel
		}
		return Decision{
			Allowed: false,
			Reason:  ReasonLevelLocked,
			Guidance: fmt.Sprintf("Requires level %d, you are at level %d. Complete missions and unlock hints to progress.",
				res.LevelRequired, current),
		}
	}

	if res.WorthinessRequired > 0 && (state == nil || state.Worthiness < res.WorthinessRequired) {
		current := 0.0
		if state != nil {
			current = state.Worthiness
		}
		return Decision{
			Allowed: false,
			Reason:  ReasonInsufficientWorthiness,
			Guidance: fmt.Sprintf("Worthiness %.2f of %.2f required. Keep engaging to raise it.",
				current, res.WorthinessRequired),
		}
	}

	if res.Cost > 0 && (state == nil || state.Balance < res.Cost) {
		deficit := res.Cost
		if state != nil {
			deficit = res.Cost - state.Balance
		}
		return Decision{
			Allowed:  false,
			Reason:   ReasonInsufficientFunds,
			Guidance: fmt.Sprintf("You need %d more to afford this.", deficit),
		}
	}

	return allow
}

// VIPActive reports whether the user holds active VIP access right now.
// Admins pass unconditionally.
func VIPActive(profile *store.Profile, sub *store.Subscription, now time.Time) bool {
	return vipActive(profile, sub, now)
}

func vipActive(profile *store.Profile, sub *store.Subscription, now time.Time) bool {
	if profile != nil && profile.Role == store.RoleAdmin {
		return true
	}
	return sub.IsVIP(now)
}
