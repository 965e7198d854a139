package valuation

import (
	"fmt"

	"appraisal/server/internal/models"
)

// Method names one appraisal approach
type Method string

const (
	MethodCost            Method = "cost"
	MethodSalesComparison Method = "sales_comparison"
	MethodIncome          Method = "income"
)

// Outcome is either an available value with its confidence or the reason the
// approach could not run. There is no zero value that reads as a valuation.
type Outcome struct {
	Method     Method
	available  bool
	Value      float64
	Confidence float64
	Reason     error
}

// Available builds the outcome of an approach that produced a value
func Available(method Method, value, confidence float64) Outcome {
	return Outcome{
		Method:     method,
		available:  true,
		Value:      value,
		Confidence: clamp(confidence, 0, 100),
	}
}

// Unavailable builds the outcome of an approach that was skipped
func Unavailable(method Method, reason error) Outcome {
	if reason == nil {
		reason = fmt.Errorf("%s approach unavailable", method)
	}
	return Outcome{Method: method, Reason: reason}
}

// errOutOfRange is the reason an approach whose arithmetic left the float64
// range is skipped
func errOutOfRange(method Method) error {
	return newError(KindInvalidInput, "%s approach value is out of range for the given inputs", method)
}

func (o Outcome) IsAvailable() bool {
	return o.available
}

func (o Outcome) report(weight float64) models.MethodOutcome {
	out := models.MethodOutcome{
		Method:    string(o.Method),
		Available: o.available,
		Weight:    round4(weight),
	}
	if o.available {
		out.Value = round2(o.Value)
		out.Confidence = round2(o.Confidence)
		return out
	}
	if kind, ok := KindOf(o.Reason); ok {
		out.Kind = string(kind)
	}
	out.Reason = o.Reason.Error()
	return out
}

// notes collects the warnings raised while valuing one request
type notes []string

func (n *notes) addf(format string, args ...interface{}) {
	*n = append(*n, fmt.Sprintf(format, args...))
}
