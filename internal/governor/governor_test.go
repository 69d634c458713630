package governor

import (
	"math"
	"testing"
)

var testRates = Rates{InputUSDPerMTok: 0.59, OutputUSDPerMTok: 0.79, EURPerUSD: 0.92}

func TestDecide_Proceeds(t *testing.T) {
	d := Decide(
		Usage{RoundsCompleted: 3, InputTokens: 1000, OutputTokens: 1000},
		Limits{MaxRounds: 15, MaxBudgetEUR: 0.50},
		testRates,
	)
	if !d.Proceed {
		t.Fatalf("Decide() = %+v, want proceed", d)
	}
	if d.Reason != "" {
		t.Errorf("reason = %q, want empty", d.Reason)
	}
}

func TestDecide_MaxRoundsBoundary(t *testing.T) {
	limits := Limits{MaxRounds: 15, MaxBudgetEUR: 100}

	d := Decide(Usage{RoundsCompleted: 14}, limits, testRates)
	if !d.Proceed {
		t.Errorf("14 of 15 rounds should proceed, got %+v", d)
	}

	d = Decide(Usage{RoundsCompleted: 15}, limits, testRates)
	if d.Proceed || d.Reason != ReasonMaxRounds {
		t.Errorf("15 of 15 rounds = %+v, want stop(%s)", d, ReasonMaxRounds)
	}
}

func TestDecide_BudgetBoundary(t *testing.T) {
	// 1M input tokens at 0.59 USD/MTok and 0.92 EUR/USD is 0.5428 EUR.
	u := Usage{RoundsCompleted: 1, InputTokens: 1_000_000}

	d := Decide(u, Limits{MaxRounds: 15, MaxBudgetEUR: 0.55}, testRates)
	if !d.Proceed {
		t.Errorf("under budget should proceed, got %+v", d)
	}

	d = Decide(u, Limits{MaxRounds: 15, MaxBudgetEUR: 0.50}, testRates)
	if d.Proceed || d.Reason != ReasonBudget {
		t.Errorf("over budget = %+v, want stop(%s)", d, ReasonBudget)
	}
}

func TestDecide_RoundsCheckedBeforeBudget(t *testing.T) {
	// Both ceilings exceeded; the round ceiling wins.
	d := Decide(
		Usage{RoundsCompleted: 15, InputTokens: 10_000_000},
		Limits{MaxRounds: 15, MaxBudgetEUR: 0.01},
		testRates,
	)
	if d.Reason != ReasonMaxRounds {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonMaxRounds)
	}
}

func TestCostEUR(t *testing.T) {
	got := CostEUR(Usage{InputTokens: 2_000_000, OutputTokens: 1_000_000}, testRates)
	want := (2*0.59 + 1*0.79) * 0.92
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("CostEUR() = %v, want %v", got, want)
	}
}
