// Package profile maintains per-holder behavioral profiles and scores
// deviation from a holder's own history. Pure in-memory aggregation, no
// trained model.
package profile

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Deviation penalties. The four checks are independent and cumulative,
// capped at 100.
const (
	PenaltyUnfamiliarHour     = 20
	PenaltyUnfamiliarMerchant = 15
	PenaltyUnfamiliarCategory = 10
	PenaltyUnusualAmount      = 25

	maxScore = 100
)

var two = decimal.NewFromInt(2)

// Profile summarizes a holder's "normal" transaction patterns.
type Profile struct {
	HolderID string `json:"holderId"`

	// Hours of day, merchants and categories seen in history.
	Hours      map[int]struct{}    `json:"-"`
	Merchants  map[string]struct{} `json:"-"`
	Categories map[string]struct{} `json:"-"`

	// AverageAmount is the mean absolute transaction amount.
	AverageAmount decimal.Decimal `json:"averageAmount"`

	// TransactionsPerDay is the observed transaction frequency.
	TransactionsPerDay float64 `json:"transactionsPerDay"`

	TransactionCount int       `json:"transactionCount"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Profiler holds all profiles. One instance serves every holder.
type Profiler struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewProfiler creates an empty profiler.
func NewProfiler() *Profiler {
	return &Profiler{profiles: make(map[string]*Profile)}
}

// UpdateProfile rebuilds the holder's profile from the full transaction
// list and replaces any existing profile. Not incremental: calling twice
// with the same list produces an identical profile, so retries and
// replays are harmless.
func (p *Profiler) UpdateProfile(holderID string, txs []*domain.Transaction) {
	prof := buildProfile(holderID, txs)

	p.mu.Lock()
	p.profiles[holderID] = prof
	p.mu.Unlock()
}

// Profile returns the holder's profile, or nil if none has been built.
func (p *Profiler) Profile(holderID string) *Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profiles[holderID]
}

// Analyze scores how far a transaction departs from the holder's
// history, in [0,100]. A holder without a profile scores 0: cold start
// is a defined low-risk default, not an error.
func (p *Profiler) Analyze(holderID string, tx *domain.Transaction) int {
	p.mu.RLock()
	prof := p.profiles[holderID]
	p.mu.RUnlock()

	if prof == nil {
		return 0
	}

	score := 0

	if _, ok := prof.Hours[tx.Timestamp.Hour()]; !ok {
		score += PenaltyUnfamiliarHour
	}
	if _, ok := prof.Merchants[tx.Merchant]; !ok {
		score += PenaltyUnfamiliarMerchant
	}
	if _, ok := prof.Categories[tx.Category]; !ok {
		score += PenaltyUnfamiliarCategory
	}

	// Strictly greater than twice the historical average: exactly 2x is
	// not penalized.
	if tx.Amount.Abs().GreaterThan(prof.AverageAmount.Mul(two)) {
		score += PenaltyUnusualAmount
	}

	if score > maxScore {
		score = maxScore
	}
	return score
}

func buildProfile(holderID string, txs []*domain.Transaction) *Profile {
	prof := &Profile{
		HolderID:   holderID,
		Hours:      make(map[int]struct{}),
		Merchants:  make(map[string]struct{}),
		Categories: make(map[string]struct{}),
		UpdatedAt:  time.Now().UTC(),
	}

	if len(txs) == 0 {
		prof.AverageAmount = decimal.Zero
		return prof
	}

	sum := decimal.Zero
	first, last := txs[0].Timestamp, txs[0].Timestamp

	for _, tx := range txs {
		prof.Hours[tx.Timestamp.Hour()] = struct{}{}
		prof.Merchants[tx.Merchant] = struct{}{}
		prof.Categories[tx.Category] = struct{}{}
		sum = sum.Add(tx.Amount.Abs())

		if tx.Timestamp.Before(first) {
			first = tx.Timestamp
		}
		if tx.Timestamp.After(last) {
			last = tx.Timestamp
		}
	}

	prof.TransactionCount = len(txs)
	prof.AverageAmount = sum.Div(decimal.NewFromInt(int64(len(txs))))

	days := last.Sub(first).Hours() / 24
	if days < 1 {
		days = 1
	}
	prof.TransactionsPerDay = float64(len(txs)) / days

	return prof
}

// Equal reports whether two profiles describe the same behavior. Used by
// tests to assert rebuild idempotence; UpdatedAt is ignored.
func (p *Profile) Equal(other *Profile) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.HolderID != other.HolderID ||
		p.TransactionCount != other.TransactionCount ||
		!p.AverageAmount.Equal(other.AverageAmount) ||
		p.TransactionsPerDay != other.TransactionsPerDay {
		return false
	}
	if len(p.Hours) != len(other.Hours) || len(p.Merchants) != len(other.Merchants) || len(p.Categories) != len(other.Categories) {
		return false
	}
	for h := range p.Hours {
		if _, ok := other.Hours[h]; !ok {
			return false
		}
	}
	for m := range p.Merchants {
		if _, ok := other.Merchants[m]; !ok {
			return false
		}
	}
	for c := range p.Categories {
		if _, ok := other.Categories[c]; !ok {
			return false
		}
	}
	return true
}
