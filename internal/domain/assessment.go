package domain

import (
	"time"
)

// Assessment is the complete risk assessment for a single transaction:
// the fused suspicion score, the three component scores that produced it,
// and the feature vector used (kept for audit and explainability).
type Assessment struct {
	ID       string `json:"id"`
	TxID     string `json:"txId"`
	HolderID string `json:"holderId"`

	// SuspicionScore is the fused risk estimate in [0,100].
	SuspicionScore int  `json:"suspicionScore"`
	IsAnomaly      bool `json:"isAnomaly"`

	// Component scores, each in [0,100].
	AnomalyScore    int `json:"anomalyScore"`
	BehavioralScore int `json:"behavioralScore"`
	ClassifierScore int `json:"classifierScore"`

	// ClassifierUsed reports whether a trained classifier existed for the
	// holder and its score participated in the fusion weighting.
	ClassifierUsed bool `json:"classifierUsed"`

	// Features is the feature vector fed to the statistical scorers,
	// keyed by feature name.
	Features map[string]float64 `json:"features"`

	Timestamp time.Time `json:"timestamp"`

	// ReviewOutcome is the review policy verdict, if policies are loaded.
	ReviewOutcome string   `json:"reviewOutcome,omitempty"`
	Reasons       []string `json:"reasons,omitempty"`

	Metadata AssessmentMetadata `json:"metadata"`
}

// AssessmentMetadata contains processing information.
type AssessmentMetadata struct {
	TraceID       string `json:"traceId"`
	ExtractMs     int64  `json:"extractMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}

// AssessmentResponse is the API response for a transaction analysis.
type AssessmentResponse struct {
	AssessmentID   string             `json:"assessmentId"`
	TxID           string             `json:"txId"`
	SuspicionScore int                `json:"suspicionScore"`
	IsAnomaly      bool               `json:"isAnomaly"`
	ReviewStatus   string             `json:"reviewStatus"`
	Scores         ComponentScores    `json:"scores"`
	Reasons        []string           `json:"reasons,omitempty"`
	Metadata       AssessmentMetadata `json:"metadata"`
}

// ComponentScores breaks the fused score into its three signals.
type ComponentScores struct {
	Anomaly    int `json:"anomaly"`
	Behavioral int `json:"behavioral"`
	Classifier int `json:"classifier"`
}

// ToResponse converts an Assessment to an API response.
func (a *Assessment) ToResponse(reviewStatus string) *AssessmentResponse {
	return &AssessmentResponse{
		AssessmentID:   a.ID,
		TxID:           a.TxID,
		SuspicionScore: a.SuspicionScore,
		IsAnomaly:      a.IsAnomaly,
		ReviewStatus:   reviewStatus,
		Scores: ComponentScores{
			Anomaly:    a.AnomalyScore,
			Behavioral: a.BehavioralScore,
			Classifier: a.ClassifierScore,
		},
		Reasons:  a.Reasons,
		Metadata: a.Metadata,
	}
}
