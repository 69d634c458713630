// Package governor decides, before every debate round, whether the debate may
// proceed. The decision is pure: it looks only at the numbers it is handed.
package governor

// Stop reasons reported when a debate must halt.
const (
	ReasonMaxRounds = "max_rounds_reached"
	ReasonBudget    = "budget_exceeded"
)

// Limits are the configured ceilings a debate runs under.
type Limits struct {
	MaxRounds    int
	MaxBudgetEUR float64
}

// Rates converts token counts into euros.
type Rates struct {
	InputUSDPerMTok  float64
	OutputUSDPerMTok float64
	EURPerUSD        float64
}

// Usage is the running consumption of a debate.
type Usage struct {
	RoundsCompleted int
	InputTokens     int
	OutputTokens    int
}

// Decision is the outcome of a governor check.
type Decision struct {
	Proceed bool
	Reason  string
	CostEUR float64
}

// CostUSD prices the given usage at the per-million-token rates.
func CostUSD(u Usage, r Rates) float64 {
	inUSD := float64(u.InputTokens) / 1_000_000 * r.InputUSDPerMTok
	outUSD := float64(u.OutputTokens) / 1_000_000 * r.OutputUSDPerMTok
	return inUSD + outUSD
}

// CostEUR prices the given usage. Rates are quoted per million tokens in USD
// and converted at the configured exchange rate.
func CostEUR(u Usage, r Rates) float64 {
	return CostUSD(u, r) * r.EURPerUSD
}

// Decide checks the round ceiling first, then the budget. A usage exactly at
// a ceiling stops the debate; strictly below both, it proceeds.
func Decide(u Usage, l Limits, r Rates) Decision {
	cost := CostEUR(u, r)
	if u.RoundsCompleted >= l.MaxRounds {
		return Decision{Reason: ReasonMaxRounds, CostEUR: cost}
	}
	if cost >= l.MaxBudgetEUR {
		return Decision{Reason: ReasonBudget, CostEUR: cost}
	}
	return Decision{Proceed: true, CostEUR: cost}
}
