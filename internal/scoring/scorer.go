// Package scoring computes the priority score that orders an operator's
// worklist. Pure functions only; callers recompute whenever an input
// changes, the score is never hand-set.
package scoring

import (
	"math"
	"time"
)

// Plan is the account plan tier of the subject.
type Plan string

const (
	PlanInvest  Plan = "invest"
	PlanExpand  Plan = "expand"
	PlanManage  Plan = "manage"
	PlanMonitor Plan = "monitor"
)

// Urgency buckets an execution's time pressure.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// DefaultBase is the base score used when a caller supplies none.
const DefaultBase = 50.0

const (
	urgencyBonusHigh   = 25.0
	urgencyBonusMedium = 10.0

	// Workload penalty: -2 per active execution beyond the third, capped.
	// Discourages piling all high-value work onto one owner.
	workloadFreeSlots  = 3
	workloadPenaltyPer = 2.0
	workloadPenaltyCap = 20.0
)

// Factors are the weighted inputs to Score.
type Factors struct {
	Base                 float64
	ARR                  float64
	Plan                 Plan
	Urgency              Urgency
	ActiveWorkload       int
	ExperienceMultiplier float64 // optional; 0 means the 1.0 default
}

// Score computes
//
//	((base + urgencyBonus) × arrMult × planMult × experienceMult) + workloadPenalty
func Score(f Factors) float64 {
	base := f.Base
	if base == 0 {
		base = DefaultBase
	}
	exp := f.ExperienceMultiplier
	if exp == 0 {
		exp = 1.0
	}
	score := (base+UrgencyBonus(f.Urgency))*ARRMultiplier(f.ARR)*PlanMultiplier(f.Plan)*exp + WorkloadPenalty(f.ActiveWorkload)
	return math.Round(score*100) / 100
}

// ARRMultiplier maps annual recurring revenue onto its tier multiplier.
func ARRMultiplier(arr float64) float64 {
	switch {
	case arr > 150_000:
		return 2.0
	case arr >= 100_000:
		return 1.5
	default:
		return 1.0
	}
}

// PlanMultiplier maps the account plan onto its multiplier. Unknown plans
// score as manage.
func PlanMultiplier(p Plan) float64 {
	switch p {
	case PlanInvest:
		return 1.5
	case PlanExpand:
		return 1.3
	case PlanMonitor:
		return 0.8
	default:
		return 1.0
	}
}

// UrgencyBonus is the fixed add-on for the urgency classification.
func UrgencyBonus(u Urgency) float64 {
	switch u {
	case UrgencyHigh:
		return urgencyBonusHigh
	case UrgencyMedium:
		return urgencyBonusMedium
	default:
		return 0
	}
}

// WorkloadPenalty is a non-positive adjustment growing with the owner's
// other active executions.
func WorkloadPenalty(activeCount int) float64 {
	over := activeCount - workloadFreeSlots
	if over <= 0 {
		return 0
	}
	return -math.Min(float64(over)*workloadPenaltyPer, workloadPenaltyCap)
}

// Classify buckets urgency by deadline proximity and open risk signals:
// overdue or due within two days (or any open risk) is high, due within a
// week is medium, everything else low. A zero deadline with no risk is low.
func Classify(deadline time.Time, now time.Time, riskOpen bool) Urgency {
	if riskOpen {
		return UrgencyHigh
	}
	if deadline.IsZero() {
		return UrgencyLow
	}
	until := deadline.Sub(now)
	switch {
	case until <= 48*time.Hour:
		return UrgencyHigh
	case until <= 7*24*time.Hour:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}
