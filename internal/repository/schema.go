package repository

// Schema definitions for Kestrel's database.
// Compatible with both SQLite and PostgreSQL.

// Amounts are stored as TEXT and round-tripped through decimal strings:
// REAL would silently reintroduce the float drift the decimal type exists
// to prevent.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    holder_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    merchant TEXT NOT NULL,
    category TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    is_spending INTEGER NOT NULL DEFAULT 0,
    suspicion_score INTEGER NOT NULL DEFAULT 0,
    is_flagged INTEGER NOT NULL DEFAULT 0,
    review_status TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_transactions_holder ON transactions(holder_id);
CREATE INDEX IF NOT EXISTS idx_transactions_holder_ts ON transactions(holder_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_flagged ON transactions(is_flagged);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    holder_id TEXT NOT NULL,
    suspicion_score INTEGER NOT NULL,
    is_anomaly INTEGER NOT NULL,
    anomaly_score INTEGER NOT NULL,
    behavioral_score INTEGER NOT NULL,
    classifier_score INTEGER NOT NULL,
    classifier_used INTEGER NOT NULL,
    features TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    review_outcome TEXT,
    reasons TEXT,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_tx ON assessments(tx_id);
CREATE INDEX IF NOT EXISTS idx_assessments_holder ON assessments(holder_id);
CREATE INDEX IF NOT EXISTS idx_assessments_timestamp ON assessments(timestamp);
`

const schemaReviewPolicies = `
CREATE TABLE IF NOT EXISTS review_policies (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_review_policies_enabled ON review_policies(enabled);
`

const schemaFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    holder_id TEXT NOT NULL,
    is_fraud INTEGER NOT NULL,
    reviewed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_tx ON feedback(tx_id);
CREATE INDEX IF NOT EXISTS idx_feedback_holder ON feedback(holder_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaAssessments,
		schemaReviewPolicies,
		schemaFeedback,
	}
}
