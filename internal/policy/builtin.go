package policy

import "github.com/opensource-finance/kestrel/internal/domain"

func f(v float64) *float64 { return &v }

// BuiltinPolicies returns the default review policies installed on first
// boot when the database holds none. Operators replace them through the
// policy API.
func BuiltinPolicies() []*domain.ReviewPolicy {
	return []*domain.ReviewPolicy{
		{
			ID:          "builtin-suspicion-bands",
			Name:        "Suspicion score bands",
			Description: "Routes transactions by fused suspicion score",
			Version:     "1.0",
			Expression:  "suspicion_score",
			Bands: []domain.PolicyBand{
				{UpperLimit: f(71), Outcome: domain.ReviewApproved, Reason: "score within normal range"},
				{LowerLimit: f(71), UpperLimit: f(90), Outcome: domain.ReviewPending, Reason: "elevated suspicion score"},
				{LowerLimit: f(90), Outcome: domain.ReviewBlocked, Reason: "critical suspicion score"},
			},
			Enabled: true,
		},
		{
			ID:          "builtin-anomaly-consensus",
			Name:        "Anomaly consensus hold",
			Description: "Holds transactions both model components agree on",
			Version:     "1.0",
			Expression:  "anomaly_score > 70 && behavioral_score > 50",
			Bands: []domain.PolicyBand{
				{LowerLimit: f(1), Outcome: domain.ReviewPending, Reason: "anomaly and behavioral consensus"},
			},
			Enabled: true,
		},
	}
}
