// Package anomaly provides the corpus-wide unsupervised anomaly detector.
//
// The detector standardizes feature vectors against per-feature training
// statistics and uses the RMS z-score as a reconstruction error. The
// outlier threshold is a high percentile of training-set error, so
// roughly the top decile of the training corpus would itself score as
// anomalous. The detector is batch-only: feedback never retrains it; a
// retrain replaces the whole model behind the lock, never mutates it in
// place.
package anomaly

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

var (
	// ErrNotTrained is returned when the detector is queried before a
	// successful Train call. Callers should treat it as "score
	// unavailable" for the request, not crash the service.
	ErrNotTrained = errors.New("anomaly detector has not been trained")

	// ErrDegenerateTrainingSet is returned when training is invoked with
	// zero transactions or a feature matrix with zero variance across
	// all samples.
	ErrDegenerateTrainingSet = errors.New("degenerate training set")
)

// componentThreshold is the component-level anomaly cutoff: a score
// strictly above it classifies the transaction as anomalous on this
// signal alone.
const componentThreshold = 70

// Result is the outcome of scoring a single transaction.
type Result struct {
	// Score is the outlier score in [0,100], the reconstruction error
	// scaled by the trained threshold.
	Score int `json:"score"`

	// IsAnomaly is true when Score exceeds the component threshold.
	IsAnomaly bool `json:"isAnomaly"`

	// Error is the raw reconstruction error, kept for explainability.
	Error float64 `json:"error"`
}

// model is the immutable trained state. Replaced wholesale on retrain.
type model struct {
	schema    []string
	means     []float64
	stddevs   []float64
	threshold float64
}

// Detector scores how far a transaction deviates from the learned
// "normal" manifold. One instance serves the whole corpus.
type Detector struct {
	extractor  *features.Extractor
	percentile float64

	mu      sync.RWMutex
	trained *model
}

// NewDetector creates an untrained detector. percentile is the training
// error percentile used as the outlier threshold; values outside (0,1)
// fall back to 0.90.
func NewDetector(extractor *features.Extractor, percentile float64) *Detector {
	if percentile <= 0 || percentile >= 1 {
		percentile = 0.90
	}
	return &Detector{
		extractor:  extractor,
		percentile: percentile,
	}
}

// Trained reports whether a model is installed.
func (d *Detector) Trained() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trained != nil
}

// Train fits the detector on the transaction corpus. Each transaction's
// features are computed against its own strictly-earlier history within
// the corpus. Returns ErrDegenerateTrainingSet for an empty corpus or a
// zero-variance feature matrix; on error the prior model (if any) is left
// untouched.
func (d *Detector) Train(txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return fmt.Errorf("%w: no transactions", ErrDegenerateTrainingSet)
	}

	schema := d.extractor.Schema()
	vectors := d.extractor.ExtractCausal(txs)

	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		row, err := v.Slice(schema)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	means, stddevs := columnStats(rows)

	anyVariance := false
	for _, s := range stddevs {
		if s > 0 {
			anyVariance = true
			break
		}
	}
	if !anyVariance {
		return fmt.Errorf("%w: zero variance across all features", ErrDegenerateTrainingSet)
	}

	m := &model{
		schema:  schema,
		means:   means,
		stddevs: stddevs,
	}

	trainErrors := make([]float64, len(rows))
	for i, row := range rows {
		trainErrors[i] = m.reconstructionError(row)
	}

	m.threshold = percentileOf(trainErrors, d.percentile)
	if m.threshold <= 0 {
		return fmt.Errorf("%w: training error threshold is zero", ErrDegenerateTrainingSet)
	}

	d.mu.Lock()
	d.trained = m
	d.mu.Unlock()
	return nil
}

// Detect scores a transaction against the trained model. Returns
// ErrNotTrained if no Train call has succeeded.
func (d *Detector) Detect(tx *domain.Transaction, history []*domain.Transaction) (*Result, error) {
	d.mu.RLock()
	m := d.trained
	d.mu.RUnlock()

	if m == nil {
		return nil, ErrNotTrained
	}

	row, err := d.extractor.Extract(tx, history).Slice(m.schema)
	if err != nil {
		return nil, err
	}

	errVal := m.reconstructionError(row)
	score := int(math.Min(math.Round(errVal/m.threshold*100), 100))

	return &Result{
		Score:     score,
		IsAnomaly: score > componentThreshold,
		Error:     errVal,
	}, nil
}

// reconstructionError is the RMS z-score over features with non-zero
// training variance.
func (m *model) reconstructionError(row []float64) float64 {
	sum, n := 0.0, 0
	for i, val := range row {
		if m.stddevs[i] == 0 {
			continue
		}
		z := (val - m.means[i]) / m.stddevs[i]
		sum += z * z
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
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

// percentileOf returns the nearest-rank percentile of values.
func percentileOf(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
