package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// ListTransactionsByHolder returns a holder's transactions strictly
	// earlier than the given instant, ordered by timestamp ascending.
	ListTransactionsByHolder(ctx context.Context, holderID string, before time.Time) ([]*Transaction, error)

	// ListTransactions returns the full stored corpus, ordered by
	// timestamp ascending. Used for the bootstrap training pass.
	ListTransactions(ctx context.Context) ([]*Transaction, error)

	// UpdateTransactionReview persists the three mutable review fields.
	UpdateTransactionReview(ctx context.Context, txID string, suspicionScore int, isFlagged bool, reviewStatus string) error

	// Assessment results
	SaveAssessment(ctx context.Context, a *Assessment) error
	GetAssessment(ctx context.Context, assessmentID string) (*Assessment, error)
	GetAssessmentByTransaction(ctx context.Context, txID string) (*Assessment, error)

	// Review policy configuration
	SavePolicy(ctx context.Context, policy *ReviewPolicy) error
	GetPolicy(ctx context.Context, policyID string) (*ReviewPolicy, error)
	ListPolicies(ctx context.Context) ([]*ReviewPolicy, error)
	DeletePolicy(ctx context.Context, policyID string) error

	// Reviewer feedback
	SaveFeedback(ctx context.Context, fb *Feedback) error
	ListFeedbackByHolder(ctx context.Context, holderID string) ([]*Feedback, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
