// Package features converts a transaction plus its causal history into a
// fixed-schema numeric feature vector for the statistical scorers.
//
// A model is only valid against the schema it was trained with: the key
// set and order of a vector must be identical between training and
// inference. Slice enforces this and returns ErrSchemaMismatch on drift.
package features

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrSchemaMismatch is returned when a vector is projected onto a schema
// it was not built for (model/extractor version skew).
var ErrSchemaMismatch = errors.New("feature schema mismatch")

// NeverSeenHours is the finite sentinel for "hours since last transaction
// at this merchant/category" when no such transaction exists. A real
// infinity would poison downstream statistics, so recency features are
// pinned to this constant instead.
const NeverSeenHours = 1e6

// zscoreWindow is the number of most recent transactions the amount
// z-score is computed against.
const zscoreWindow = 20

// velocityWindows are the trailing windows, in hours, used by the
// extended schema. The base schema uses only the 24h window.
var velocityWindows = []int{1, 3, 6, 12, 24, 72}

// BaseSchema is the fixed feature order for the base extractor.
var BaseSchema = []string{
	"hour",
	"day_of_week",
	"is_weekend",
	"amount",
	"amount_vs_merchant_avg",
	"amount_vs_category_avg",
	"tx_count_24h",
	"total_amount_24h",
}

// ExtendedSchema is the fixed feature order for the extended extractor.
var ExtendedSchema = buildExtendedSchema()

func buildExtendedSchema() []string {
	schema := make([]string, 0, len(BaseSchema)+4*len(velocityWindows)+4)
	schema = append(schema, BaseSchema...)
	for _, w := range velocityWindows {
		if w == 24 {
			// Count and total for 24h already exist in the base schema.
			schema = append(schema,
				fmt.Sprintf("unique_merchants_%dh", w),
				fmt.Sprintf("unique_categories_%dh", w),
			)
			continue
		}
		schema = append(schema,
			fmt.Sprintf("tx_count_%dh", w),
			fmt.Sprintf("total_amount_%dh", w),
			fmt.Sprintf("unique_merchants_%dh", w),
			fmt.Sprintf("unique_categories_%dh", w),
		)
	}
	schema = append(schema,
		"hours_since_merchant",
		"hours_since_category",
		"amount_zscore",
		"is_round_amount",
	)
	return schema
}

// Vector is a named feature map. Ordering is imposed by a schema slice,
// not by the map itself.
type Vector map[string]float64

// Slice projects the vector onto the given schema order.
// Returns ErrSchemaMismatch if the key sets differ.
func (v Vector) Slice(schema []string) ([]float64, error) {
	if len(v) != len(schema) {
		return nil, fmt.Errorf("%w: vector has %d features, schema has %d", ErrSchemaMismatch, len(v), len(schema))
	}
	out := make([]float64, len(schema))
	for i, name := range schema {
		val, ok := v[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing feature %q", ErrSchemaMismatch, name)
		}
		out[i] = val
	}
	return out, nil
}

// Extractor computes feature vectors for transactions.
type Extractor struct {
	extended bool
}

// NewExtractor creates an extractor for the base schema.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// NewExtendedExtractor creates an extractor for the extended schema.
func NewExtendedExtractor() *Extractor {
	return &Extractor{extended: true}
}

// Schema returns the extractor's fixed feature order.
func (e *Extractor) Schema() []string {
	if e.extended {
		return ExtendedSchema
	}
	return BaseSchema
}

// Extract computes the feature vector for tx given the holder's history.
// History is filtered to transactions strictly earlier than tx's
// timestamp here, so callers cannot accidentally leak future information
// into features.
func (e *Extractor) Extract(tx *domain.Transaction, history []*domain.Transaction) Vector {
	prior := filterEarlier(tx, history)
	amount := absAmount(tx)

	v := Vector{
		"hour":        float64(tx.Timestamp.Hour()),
		"day_of_week": float64(tx.Timestamp.Weekday()),
		"is_weekend":  boolFeature(isWeekend(tx.Timestamp)),
		"amount":      amount,
	}

	v["amount_vs_merchant_avg"] = amountRatio(amount, meanAmountWhere(prior, func(t *domain.Transaction) bool {
		return t.Merchant == tx.Merchant
	}))
	v["amount_vs_category_avg"] = amountRatio(amount, meanAmountWhere(prior, func(t *domain.Transaction) bool {
		return t.Category == tx.Category
	}))

	count24, total24 := windowStats(tx, prior, 24)
	v["tx_count_24h"] = float64(count24)
	v["total_amount_24h"] = total24

	if !e.extended {
		return v
	}

	for _, w := range velocityWindows {
		inWindow := windowSlice(tx, prior, w)
		if w != 24 {
			count, total := 0, 0.0
			for _, t := range inWindow {
				count++
				total += absAmount(t)
			}
			v[fmt.Sprintf("tx_count_%dh", w)] = float64(count)
			v[fmt.Sprintf("total_amount_%dh", w)] = total
		}
		v[fmt.Sprintf("unique_merchants_%dh", w)] = float64(uniqueCount(inWindow, func(t *domain.Transaction) string { return t.Merchant }))
		v[fmt.Sprintf("unique_categories_%dh", w)] = float64(uniqueCount(inWindow, func(t *domain.Transaction) string { return t.Category }))
	}

	v["hours_since_merchant"] = hoursSince(tx, prior, func(t *domain.Transaction) bool {
		return t.Merchant == tx.Merchant
	})
	v["hours_since_category"] = hoursSince(tx, prior, func(t *domain.Transaction) bool {
		return t.Category == tx.Category
	})
	v["amount_zscore"] = amountZScore(amount, prior)
	v["is_round_amount"] = boolFeature(isRoundAmount(amount))

	return v
}

// ExtractCausal computes a vector for every transaction in txs, each
// against its own strictly-earlier subset of txs. This is the
// temporal-causality discipline both trainers rely on.
func (e *Extractor) ExtractCausal(txs []*domain.Transaction) []Vector {
	vectors := make([]Vector, len(txs))
	for i, tx := range txs {
		vectors[i] = e.Extract(tx, txs)
	}
	return vectors
}

func filterEarlier(tx *domain.Transaction, history []*domain.Transaction) []*domain.Transaction {
	prior := make([]*domain.Transaction, 0, len(history))
	for _, t := range history {
		if t.Timestamp.Before(tx.Timestamp) {
			prior = append(prior, t)
		}
	}
	return prior
}

func absAmount(tx *domain.Transaction) float64 {
	f, _ := tx.Amount.Abs().Float64()
	return f
}

func isWeekend(ts time.Time) bool {
	wd := ts.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// amountRatio relates an amount to a historical mean. When there is no
// prior history for the merchant/category (mean < 0 signals that), the
// denominator falls back to the amount itself so the ratio is defined as
// exactly 1.0. Deliberate edge-case policy, not a missing guard.
func amountRatio(amount, mean float64) float64 {
	if mean <= 0 {
		return 1.0
	}
	return amount / mean
}

// meanAmountWhere returns the mean absolute amount of matching prior
// transactions, or -1 when none match.
func meanAmountWhere(prior []*domain.Transaction, match func(*domain.Transaction) bool) float64 {
	sum, n := 0.0, 0
	for _, t := range prior {
		if match(t) {
			sum += absAmount(t)
			n++
		}
	}
	if n == 0 {
		return -1
	}
	return sum / float64(n)
}

func windowSlice(tx *domain.Transaction, prior []*domain.Transaction, hours int) []*domain.Transaction {
	cutoff := tx.Timestamp.Add(-time.Duration(hours) * time.Hour)
	in := make([]*domain.Transaction, 0, len(prior))
	for _, t := range prior {
		if t.Timestamp.After(cutoff) {
			in = append(in, t)
		}
	}
	return in
}

func windowStats(tx *domain.Transaction, prior []*domain.Transaction, hours int) (int, float64) {
	count, total := 0, 0.0
	for _, t := range windowSlice(tx, prior, hours) {
		count++
		total += absAmount(t)
	}
	return count, total
}

func uniqueCount(txs []*domain.Transaction, key func(*domain.Transaction) string) int {
	seen := make(map[string]struct{}, len(txs))
	for _, t := range txs {
		seen[key(t)] = struct{}{}
	}
	return len(seen)
}

// hoursSince returns the hours between tx and the most recent matching
// prior transaction, or NeverSeenHours when none exists.
func hoursSince(tx *domain.Transaction, prior []*domain.Transaction, match func(*domain.Transaction) bool) float64 {
	var latest time.Time
	found := false
	for _, t := range prior {
		if match(t) && (!found || t.Timestamp.After(latest)) {
			latest = t.Timestamp
			found = true
		}
	}
	if !found {
		return NeverSeenHours
	}
	return tx.Timestamp.Sub(latest).Hours()
}

// amountZScore standardizes the amount against the holder's most recent
// transactions. Zero when there are fewer than two samples or variance
// is zero.
func amountZScore(amount float64, prior []*domain.Transaction) float64 {
	recent := prior
	if len(recent) > zscoreWindow {
		recent = recent[len(recent)-zscoreWindow:]
	}
	if len(recent) < 2 {
		return 0
	}
	sum := 0.0
	for _, t := range recent {
		sum += absAmount(t)
	}
	mean := sum / float64(len(recent))

	variance := 0.0
	for _, t := range recent {
		d := absAmount(t) - mean
		variance += d * d
	}
	variance /= float64(len(recent))
	if variance == 0 {
		return 0
	}
	return (amount - mean) / math.Sqrt(variance)
}

// isRoundAmount reports whether the amount is divisible by 1, 5 or 10.
// Divisibility by 5 and 10 implies divisibility by 1, so this collapses
// to a whole-unit check.
func isRoundAmount(amount float64) bool {
	return math.Mod(amount, 1.0) == 0
}
