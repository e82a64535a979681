// Package classifier provides the per-holder supervised fraud
// classifier: a logistic regression over standardized feature vectors,
// trained on the holder's labeled history.
//
// Feedback retrains the model from scratch on the full labeled set. That
// is O(n) per feedback event and deliberately so: per-holder volumes are
// small and full retraining guarantees no drift between batch and
// incremental results. Revisit if per-holder history grows past a few
// thousand transactions.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// ErrLabelMismatch is returned when the labels slice is not aligned with
// the transactions slice.
var ErrLabelMismatch = errors.New("labels not aligned with transactions")

// Training hyperparameters. Full-batch gradient descent with a fixed
// iteration order keeps training deterministic.
const (
	epochs       = 200
	learningRate = 0.1
)

// fitted is the immutable trained state, replaced wholesale on retrain.
type fitted struct {
	schema  []string
	means   []float64
	stddevs []float64
	weights []float64
	bias    float64
}

// Model is one holder's classifier.
type Model struct {
	extractor *features.Extractor

	mu      sync.RWMutex
	trained *fitted
}

// New creates an untrained per-holder model.
func New(extractor *features.Extractor) *Model {
	return &Model{extractor: extractor}
}

// Trained reports whether a discriminative model is installed.
func (m *Model) Trained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trained != nil
}

// Train fits the model on labeled transactions. labels[i] is true when
// txs[i] was actually fraud. Each transaction's features are computed
// against its own strictly-earlier subset of txs.
//
// An empty transaction list is a no-op. A label set with only one class
// carries no discriminative signal, so it is also a no-op: the model
// stays untrained and Predict keeps returning 0. Failures leave any
// previously installed model untouched.
func (m *Model) Train(txs []*domain.Transaction, labels []bool) error {
	if len(txs) == 0 {
		return nil
	}
	if len(txs) != len(labels) {
		return fmt.Errorf("%w: %d transactions, %d labels", ErrLabelMismatch, len(txs), len(labels))
	}

	hasPositive, hasNegative := false, false
	for _, l := range labels {
		if l {
			hasPositive = true
		} else {
			hasNegative = true
		}
	}
	if !hasPositive || !hasNegative {
		return nil
	}

	schema := m.extractor.Schema()
	vectors := m.extractor.ExtractCausal(txs)

	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		row, err := v.Slice(schema)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	means, stddevs := columnStats(rows)
	standardized := make([][]float64, len(rows))
	for i, row := range rows {
		standardized[i] = standardize(row, means, stddevs)
	}

	targets := make([]float64, len(labels))
	for i, l := range labels {
		if l {
			targets[i] = 1
		}
	}

	weights, bias := fit(standardized, targets)

	f := &fitted{
		schema:  schema,
		means:   means,
		stddevs: stddevs,
		weights: weights,
		bias:    bias,
	}

	m.mu.Lock()
	m.trained = f
	m.mu.Unlock()
	return nil
}

// Predict returns the fraud probability for a transaction as a score in
// [0,100]. A holder without a trained model scores exactly 0: classifiers
// are optional and lazy, unlike the anomaly detector.
func (m *Model) Predict(tx *domain.Transaction, history []*domain.Transaction) (int, error) {
	m.mu.RLock()
	f := m.trained
	m.mu.RUnlock()

	if f == nil {
		return 0, nil
	}

	row, err := m.extractor.Extract(tx, history).Slice(f.schema)
	if err != nil {
		return 0, err
	}

	z := standardize(row, f.means, f.stddevs)
	p := sigmoid(dot(f.weights, z) + f.bias)
	return int(math.Round(p * 100)), nil
}

// Update incorporates one reviewer verdict by retraining from scratch on
// the historical set plus the new labeled transaction. Historical labels
// come from the transactions' flagged state.
func (m *Model) Update(tx *domain.Transaction, isFraud bool, history []*domain.Transaction) error {
	txs := make([]*domain.Transaction, 0, len(history)+1)
	labels := make([]bool, 0, len(history)+1)
	for _, h := range history {
		txs = append(txs, h)
		labels = append(labels, h.IsFlagged)
	}
	txs = append(txs, tx)
	labels = append(labels, isFraud)

	return m.Train(txs, labels)
}

// fit runs full-batch gradient descent on the cross-entropy loss.
func fit(rows [][]float64, targets []float64) (weights []float64, bias float64) {
	cols := len(rows[0])
	weights = make([]float64, cols)

	n := float64(len(rows))
	for epoch := 0; epoch < epochs; epoch++ {
		grad := make([]float64, cols)
		biasGrad := 0.0

		for i, row := range rows {
			p := sigmoid(dot(weights, row) + bias)
			errVal := p - targets[i]
			for j, x := range row {
				grad[j] += errVal * x
			}
			biasGrad += errVal
		}

		for j := range weights {
			weights[j] -= learningRate * grad[j] / n
		}
		bias -= learningRate * biasGrad / n
	}
	return weights, bias
}

func standardize(row, means, stddevs []float64) []float64 {
	z := make([]float64, len(row))
	for i, val := range row {
		if stddevs[i] == 0 {
			continue
		}
		z[i] = (val - means[i]) / stddevs[i]
	}
	return z
}

func columnStats(rows [][]float64) (means, stddevs []float64) {
	cols := len(rows[0])
	means = make([]float64, cols)
	stddevs = make([]float64, cols)

	for j := 0; j < cols; j++ {
		sum := 0.0
		for _, row := range rows {
			sum += row[j]
		}
		means[j] = sum / float64(len(rows))

		variance := 0.0
		for _, row := range rows {
			d := row[j] - means[j]
			variance += d * d
		}
		stddevs[j] = math.Sqrt(variance / float64(len(rows)))
	}
	return means, stddevs
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
