package valuation

import (
	"strings"
)

// Weights are the reconciliation weights of the three approaches before any
// redistribution
type Weights struct {
	SalesComparison float64
	Cost            float64
	Income          float64
}

func (w Weights) of(m Method) float64 {
	switch m {
	case MethodSalesComparison:
		return w.SalesComparison
	case MethodCost:
		return w.Cost
	case MethodIncome:
		return w.Income
	}
	return 0
}

// Reconciled is the weighted combination of the available approaches
type Reconciled struct {
	Value      float64
	Confidence float64
	// Weights holds the redistributed weight of each outcome, same order
	Weights []float64
}

// Reconcile redistributes the base weights over the available outcomes,
// proportionally, and combines their values and confidences. No available
// outcome with a positive weight is a NoMethodAvailable failure.
func Reconcile(outcomes []Outcome, base Weights) (Reconciled, error) {
	var total float64
	for _, o := range outcomes {
		if o.IsAvailable() {
			total += base.of(o.Method)
		}
	}
	if total <= 0 {
		reasons := make([]string, 0, len(outcomes))
		for _, o := range outcomes {
			if o.IsAvailable() {
				reasons = append(reasons, string(o.Method)+": zero reconciliation weight")
				continue
			}
			reasons = append(reasons, string(o.Method)+": "+o.Reason.Error())
		}
		return Reconciled{}, newError(KindNoMethodAvailable, "%s", strings.Join(reasons, "; "))
	}

	rec := Reconciled{Weights: make([]float64, len(outcomes))}
	for i, o := range outcomes {
		if !o.IsAvailable() {
			continue
		}
		w := base.of(o.Method) / total
		rec.Weights[i] = w
		rec.Value += w * o.Value
		rec.Confidence += w * o.Confidence
	}
	rec.Confidence = clamp(rec.Confidence, 0, 100)
	return rec, nil
}
