// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const txColumns = `id, holder_id, amount, currency, merchant, category,
	   timestamp, created_at, is_spending, suspicion_score, is_flagged, review_status`

// SaveTransaction stores a transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction with an ID is required", ErrInvalidInput)
	}
	if tx.HolderID == "" {
		return fmt.Errorf("%w: holderID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, holder_id, amount, currency, merchant, category,
			timestamp, created_at, is_spending, suspicion_score, is_flagged, review_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.HolderID,
		tx.Amount.String(), tx.Currency,
		tx.Merchant, tx.Category,
		tx.Timestamp, tx.CreatedAt,
		boolToInt(tx.IsSpending), tx.SuspicionScore,
		boolToInt(tx.IsFlagged), tx.ReviewStatus,
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: txID is required", ErrInvalidInput)
	}

	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = ?`

	tx, err := r.scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// ListTransactionsByHolder returns a holder's transactions strictly
// earlier than the given instant, ordered by timestamp ascending.
func (r *SQLRepository) ListTransactionsByHolder(ctx context.Context, holderID string, before time.Time) ([]*domain.Transaction, error) {
	if holderID == "" {
		return nil, fmt.Errorf("%w: holderID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE holder_id = ? AND timestamp < ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), holderID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.collectTransactions(rows)
}

// ListTransactions returns the full stored corpus ordered by timestamp
// ascending. Used for the bootstrap training pass.
func (r *SQLRepository) ListTransactions(ctx context.Context) ([]*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions ORDER BY timestamp ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.collectTransactions(rows)
}

// UpdateTransactionReview persists the three mutable review fields.
func (r *SQLRepository) UpdateTransactionReview(ctx context.Context, txID string, suspicionScore int, isFlagged bool, reviewStatus string) error {
	if txID == "" {
		return fmt.Errorf("%w: txID is required", ErrInvalidInput)
	}

	query := `
		UPDATE transactions
		SET suspicion_score = ?, is_flagged = ?, review_status = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		suspicionScore, boolToInt(isFlagged), reviewStatus, txID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveAssessment stores an assessment result.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.Assessment) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: assessment with an ID is required", ErrInvalidInput)
	}

	features, _ := json.Marshal(a.Features)
	reasons, _ := json.Marshal(a.Reasons)
	metadata, _ := json.Marshal(a.Metadata)

	query := `
		INSERT INTO assessments (
			id, tx_id, holder_id, suspicion_score, is_anomaly,
			anomaly_score, behavioral_score, classifier_score, classifier_used,
			features, timestamp, review_outcome, reasons, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.TxID, a.HolderID,
		a.SuspicionScore, boolToInt(a.IsAnomaly),
		a.AnomalyScore, a.BehavioralScore, a.ClassifierScore, boolToInt(a.ClassifierUsed),
		string(features), a.Timestamp, a.ReviewOutcome,
		string(reasons), string(metadata),
	)
	return err
}

const assessmentColumns = `id, tx_id, holder_id, suspicion_score, is_anomaly,
	   anomaly_score, behavioral_score, classifier_score, classifier_used,
	   features, timestamp, review_outcome, reasons, metadata`

// GetAssessment retrieves an assessment by ID.
func (r *SQLRepository) GetAssessment(ctx context.Context, assessmentID string) (*domain.Assessment, error) {
	if assessmentID == "" {
		return nil, fmt.Errorf("%w: assessmentID is required", ErrInvalidInput)
	}

	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE id = ?`
	return r.queryAssessment(ctx, query, assessmentID)
}

// GetAssessmentByTransaction retrieves the latest assessment for a
// transaction.
func (r *SQLRepository) GetAssessmentByTransaction(ctx context.Context, txID string) (*domain.Assessment, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: txID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + assessmentColumns + `
		FROM assessments
		WHERE tx_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`
	return r.queryAssessment(ctx, query, txID)
}

func (r *SQLRepository) queryAssessment(ctx context.Context, query string, arg any) (*domain.Assessment, error) {
	var a domain.Assessment
	var isAnomaly, classifierUsed int
	var features, metadata string
	var outcome, reasons sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), arg).Scan(
		&a.ID, &a.TxID, &a.HolderID,
		&a.SuspicionScore, &isAnomaly,
		&a.AnomalyScore, &a.BehavioralScore, &a.ClassifierScore, &classifierUsed,
		&features, &a.Timestamp, &outcome, &reasons, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.IsAnomaly = isAnomaly == 1
	a.ClassifierUsed = classifierUsed == 1
	a.ReviewOutcome = outcome.String
	json.Unmarshal([]byte(features), &a.Features)
	if reasons.Valid && reasons.String != "" {
		json.Unmarshal([]byte(reasons.String), &a.Reasons)
	}
	json.Unmarshal([]byte(metadata), &a.Metadata)

	return &a, nil
}

// SavePolicy stores a review policy, versioned by (id, version).
func (r *SQLRepository) SavePolicy(ctx context.Context, policy *domain.ReviewPolicy) error {
	if policy == nil || policy.ID == "" {
		return fmt.Errorf("%w: policy with an ID is required", ErrInvalidInput)
	}

	bands, _ := json.Marshal(policy.Bands)
	now := time.Now().UTC()

	query := `
		INSERT INTO review_policies (
			id, name, description, version, expression, bands, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		policy.ID, policy.Name, policy.Description,
		policy.Version, policy.Expression, string(bands),
		boolToInt(policy.Enabled), now, now,
	)
	return err
}

// GetPolicy retrieves the latest enabled version of a review policy.
func (r *SQLRepository) GetPolicy(ctx context.Context, policyID string) (*domain.ReviewPolicy, error) {
	if policyID == "" {
		return nil, fmt.Errorf("%w: policyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, description, version, expression, bands, enabled
		FROM review_policies
		WHERE id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var p domain.ReviewPolicy
	var bands string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), policyID).Scan(
		&p.ID, &p.Name, &p.Description,
		&p.Version, &p.Expression, &bands, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Enabled = enabled == 1
	json.Unmarshal([]byte(bands), &p.Bands)

	return &p, nil
}

// ListPolicies retrieves all enabled review policies.
func (r *SQLRepository) ListPolicies(ctx context.Context) ([]*domain.ReviewPolicy, error) {
	query := `
		SELECT id, name, description, version, expression, bands, enabled
		FROM review_policies
		WHERE enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.ReviewPolicy
	for rows.Next() {
		var p domain.ReviewPolicy
		var bands string
		var enabled int

		if err := rows.Scan(
			&p.ID, &p.Name, &p.Description,
			&p.Version, &p.Expression, &bands, &enabled,
		); err != nil {
			return nil, err
		}

		p.Enabled = enabled == 1
		json.Unmarshal([]byte(bands), &p.Bands)
		policies = append(policies, &p)
	}

	return policies, rows.Err()
}

// DeletePolicy soft-deletes a review policy by setting enabled = 0.
func (r *SQLRepository) DeletePolicy(ctx context.Context, policyID string) error {
	if policyID == "" {
		return fmt.Errorf("%w: policyID is required", ErrInvalidInput)
	}

	query := `
		UPDATE review_policies
		SET enabled = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), policyID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveFeedback stores a reviewer verdict.
func (r *SQLRepository) SaveFeedback(ctx context.Context, fb *domain.Feedback) error {
	if fb == nil || fb.ID == "" {
		return fmt.Errorf("%w: feedback with an ID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO feedback (id, tx_id, holder_id, is_fraud, reviewed_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		fb.ID, fb.TxID, fb.HolderID, boolToInt(fb.IsFraud), fb.ReviewedAt)
	return err
}

// ListFeedbackByHolder retrieves a holder's feedback, oldest first.
func (r *SQLRepository) ListFeedbackByHolder(ctx context.Context, holderID string) ([]*domain.Feedback, error) {
	if holderID == "" {
		return nil, fmt.Errorf("%w: holderID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tx_id, holder_id, is_fraud, reviewed_at
		FROM feedback
		WHERE holder_id = ?
		ORDER BY reviewed_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), holderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feedback []*domain.Feedback
	for rows.Next() {
		var fb domain.Feedback
		var isFraud int

		if err := rows.Scan(&fb.ID, &fb.TxID, &fb.HolderID, &isFraud, &fb.ReviewedAt); err != nil {
			return nil, err
		}

		fb.IsFraud = isFraud == 1
		feedback = append(feedback, &fb)
	}

	return feedback, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var amount string
	var isSpending, isFlagged int

	if err := row.Scan(
		&tx.ID, &tx.HolderID,
		&amount, &tx.Currency,
		&tx.Merchant, &tx.Category,
		&tx.Timestamp, &tx.CreatedAt,
		&isSpending, &tx.SuspicionScore,
		&isFlagged, &tx.ReviewStatus,
	); err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount for transaction %s: %w", tx.ID, err)
	}

	tx.Amount = parsed
	tx.IsSpending = isSpending == 1
	tx.IsFlagged = isFlagged == 1

	return &tx, nil
}

func (r *SQLRepository) collectTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := r.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
