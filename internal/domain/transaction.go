// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Review status values for a transaction. Only the engine and a human
// reviewer may move a transaction between these states.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewBlocked  = "blocked"
)

// Transaction represents a single financial transaction for an account
// holder. All fields except SuspicionScore, IsFlagged and ReviewStatus are
// immutable once created.
type Transaction struct {
	ID       string `json:"id"`
	HolderID string `json:"holderId"`

	// Amount is signed: negative for spending, positive for income.
	// Decimal, never float, to avoid currency drift.
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	Merchant string `json:"merchant"`
	Category string `json:"category"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	IsSpending bool `json:"isSpending"`

	// Mutable review fields, written back after analysis.
	SuspicionScore int    `json:"suspicionScore"`
	IsFlagged      bool   `json:"isFlagged"`
	ReviewStatus   string `json:"reviewStatus"`
}

// TransactionRequest is the API request payload for transaction analysis.
type TransactionRequest struct {
	HolderID  string     `json:"holderId"`
	Merchant  string     `json:"merchant"`
	Category  string     `json:"category"`
	Amount    Amount     `json:"amount"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Amount represents a monetary value on the wire.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction() *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &Transaction{
		HolderID:     r.HolderID,
		Amount:       r.Amount.Value,
		Currency:     r.Amount.Currency,
		Merchant:     r.Merchant,
		Category:     r.Category,
		Timestamp:    ts,
		CreatedAt:    now,
		IsSpending:   r.Amount.Value.IsNegative(),
		ReviewStatus: ReviewPending,
	}
}

// Feedback is a reviewer verdict on a previously analyzed transaction.
// Confirmed fraud and refuted flags both feed the model update path.
type Feedback struct {
	ID         string    `json:"id"`
	TxID       string    `json:"txId"`
	HolderID   string    `json:"holderId"`
	IsFraud    bool      `json:"isFraud"`
	ReviewedAt time.Time `json:"reviewedAt"`
}
