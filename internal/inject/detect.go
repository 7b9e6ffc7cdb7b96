// Package inject watches the dependent layer for context degradation and
// pushes the identity-restoration context to it when needed.
package inject

// Degradation thresholds. Either condition alone suffices.
const (
	LowTokenThreshold      = 2000
	HighConfusionThreshold = 0.7
)

// Metrics are self-reported by the dependent layer's health method.
// Nil fields were not reported and are not evaluated.
type Metrics struct {
	TokenBudgetRemaining *float64 `json:"tokenBudgetRemaining,omitempty"`
	ConfusionScore       *float64 `json:"confusionScore,omitempty"`
}

// HealthReport is the result of the health method.
type HealthReport struct {
	Metrics
	ContextReset *bool `json:"contextReset,omitempty"`
}

// DetectDegradation reports whether the metrics indicate a degraded context.
func DetectDegradation(m Metrics) bool {
	if m.TokenBudgetRemaining != nil && *m.TokenBudgetRemaining < LowTokenThreshold {
		return true
	}
	if m.ConfusionScore != nil && *m.ConfusionScore > HighConfusionThreshold {
		return true
	}
	return false
}

// Degraded folds the explicit reset flag into the metric check.
func (h HealthReport) Degraded() bool {
	return DetectDegradation(h.Metrics) || (h.ContextReset != nil && *h.ContextReset)
}
