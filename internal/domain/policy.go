package domain

// ReviewPolicy decides what happens to a transaction after scoring:
// whether it lands in the review queue, is cleared, or is blocked
// outright. Policies are evaluated over the finished assessment and never
// feed back into the fused score.
type ReviewPolicy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Expression is a CEL expression over assessment variables
	// (suspicion_score, anomaly_score, behavioral_score,
	// classifier_score, is_anomaly, amount, category).
	Expression string `json:"expression"`

	// Bands map the expression's numeric result to a review outcome.
	Bands []PolicyBand `json:"bands"`

	Enabled bool `json:"enabled"`
}

// PolicyBand maps a score range to a review outcome.
// Lower bound inclusive, upper bound exclusive; nil upper means unbounded.
type PolicyBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	Outcome    string   `json:"outcome"` // pending, approved, blocked
	Reason     string   `json:"reason"`
}

// PolicyResult is the output of evaluating one review policy.
type PolicyResult struct {
	PolicyID  string  `json:"policyId"`
	TxID      string  `json:"txId"`
	Outcome   string  `json:"outcome"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
	ProcessMs int64   `json:"processMs"`
}
