package domain

import "strings"

// PlanID identifies a subscription tier.
type PlanID string

const (
	PlanFree  PlanID = "free"
	PlanTier1 PlanID = "tier1"
	PlanTier2 PlanID = "tier2"
	PlanTier3 PlanID = "tier3"
)

// Plans lists every known plan in rank order.
var Plans = []PlanID{PlanFree, PlanTier1, PlanTier2, PlanTier3}

var planRanks = map[PlanID]int{
	PlanFree:  0,
	PlanTier1: 1,
	PlanTier2: 2,
	PlanTier3: 3,
}

// Rank returns the plan's position in the tier order, or -1 for unknown plans.
func (p PlanID) Rank() int {
	if r, ok := planRanks[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether p is a known plan.
func (p PlanID) Valid() bool {
	_, ok := planRanks[p]
	return ok
}

// ParsePlanID normalizes s and returns the matching plan.
func ParsePlanID(s string) (PlanID, error) {
	p := PlanID(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", Errorf(EINVALID, "plan.parse", "unknown plan: %q", s)
	}
	return p, nil
}

// Interval is the billing cadence of a subscription.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalAnnual  Interval = "annual"
)

// Valid reports whether i is a known interval.
func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalAnnual
}

// ParseInterval accepts the internal names as well as the provider's
// recurring interval names ("month", "year").
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly", "month":
		return IntervalMonthly, nil
	case "annual", "annually", "yearly", "year":
		return IntervalAnnual, nil
	}
	return "", Errorf(EINVALID, "interval.parse", "unknown billing interval: %q", s)
}

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusPastDue || s == StatusCanceled
}

// PlanChange classifies a transition between two plans.
type PlanChange int

const (
	ChangeLateral PlanChange = iota
	ChangeUpgrade
	ChangeDowngrade
)

func (c PlanChange) String() string {
	switch c {
	case ChangeUpgrade:
		return "upgrade"
	case ChangeDowngrade:
		return "downgrade"
	default:
		return "lateral"
	}
}

// ClassifyChange compares plan ranks to decide how a move from one plan to
// another is applied.
func ClassifyChange(from, to PlanID) PlanChange {
	switch {
	case to.Rank() > from.Rank():
		return ChangeUpgrade
	case to.Rank() < from.Rank():
		return ChangeDowngrade
	default:
		return ChangeLateral
	}
}
