package models

// Plan is the billing tier of the current identity.
type Plan string

const (
	PlanFree Plan = "Free"
	PlanGo   Plan = "Go"
)

// QuotaState tracks daily message usage. A nil Limit means unlimited.
type QuotaState struct {
	Plan           Plan `json:"plan"`
	Used           int  `json:"used"`
	Limit          *int `json:"limit,omitempty"`
	BonusAvailable bool `json:"bonus_available"`
	BonusClaimed   bool `json:"bonus_claimed"`
}

// Remaining returns messages left today, or -1 when unlimited.
func (q QuotaState) Remaining() int {
	if q.Limit == nil {
		return -1
	}
	if left := *q.Limit - q.Used; left > 0 {
		return left
	}
	return 0
}

// Exhausted reports whether a Free identity has used its allowance.
func (q QuotaState) Exhausted() bool {
	return q.Plan == PlanFree && q.Limit != nil && q.Used >= *q.Limit
}
