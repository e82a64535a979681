// Package engine orchestrates the three risk signals — anomaly detection,
// behavioral deviation and the per-holder classifier — and fuses them
// into one suspicion score with a flag decision.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/classifier"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/profile"
)

// EngineVersion tags assessments with the scoring engine revision.
const EngineVersion = "kestrel-1.0"

var tracer = otel.Tracer("kestrel-engine")

// Service is the fraud detection orchestrator. It exclusively owns one
// corpus-wide anomaly detector, one profiler holding all behavioral
// profiles, and a registry of lazily created per-holder classifiers.
type Service struct {
	cfg       domain.EngineConfig
	extractor *features.Extractor
	detector  *anomaly.Detector
	profiler  *profile.Profiler

	// classifiers and holderLocks are keyed by holder ID. The per-holder
	// lock serializes Analyze and UpdateModels for one holder; different
	// holders proceed in parallel.
	mu          sync.Mutex
	classifiers map[string]*classifier.Model
	holderLocks map[string]*sync.Mutex

	// bootMu serializes bootstrap attempts; initialized latches only
	// after a successful one, so a failed bootstrap can be retried.
	bootMu      sync.Mutex
	initialized bool
	initMu      sync.RWMutex
}

// New creates a fraud detection service with the given policy constants.
func New(cfg domain.EngineConfig) *Service {
	extractor := features.NewExtractor()
	if cfg.ExtendedFeatures {
		extractor = features.NewExtendedExtractor()
	}
	if cfg.AnomalyWeight == 0 && cfg.BehavioralWeight == 0 && cfg.ClassifierWeight == 0 {
		cfg = domain.DefaultEngineConfig()
	}
	return &Service{
		cfg:         cfg,
		extractor:   extractor,
		detector:    anomaly.NewDetector(extractor, cfg.TrainingPercentile),
		profiler:    profile.NewProfiler(),
		classifiers: make(map[string]*classifier.Model),
		holderLocks: make(map[string]*sync.Mutex),
	}
}

// Initialized reports whether the bulk bootstrap has completed.
func (s *Service) Initialized() bool {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initialized
}

// Initialize bootstraps the engine from the full historical corpus:
// trains the anomaly detector once, then builds each holder's behavioral
// profile and classifier from that holder's flagged history. One-time and
// expensive proportional to corpus size; expected to run before live
// traffic. Concurrent calls are serialized and only the first does the
// work; after a failure the next call retries with its own corpus, so a
// service started against an empty store can be trained later.
func (s *Service) Initialize(ctx context.Context, txs []*domain.Transaction) error {
	s.bootMu.Lock()
	defer s.bootMu.Unlock()

	if s.Initialized() {
		return nil
	}
	if err := s.initialize(ctx, txs); err != nil {
		return err
	}
	s.initMu.Lock()
	s.initialized = true
	s.initMu.Unlock()
	return nil
}

func (s *Service) initialize(ctx context.Context, txs []*domain.Transaction) error {
	ctx, span := tracer.Start(ctx, "engine.Initialize")
	defer span.End()
	span.SetAttributes(attribute.Int("corpus.size", len(txs)))

	if err := s.detector.Train(txs); err != nil {
		return fmt.Errorf("anomaly detector bootstrap: %w", err)
	}

	byHolder := make(map[string][]*domain.Transaction)
	for _, tx := range txs {
		byHolder[tx.HolderID] = append(byHolder[tx.HolderID], tx)
	}

	for holderID, holderTxs := range byHolder {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.profiler.UpdateProfile(holderID, holderTxs)

		labels := make([]bool, len(holderTxs))
		for i, tx := range holderTxs {
			labels[i] = tx.IsFlagged
		}

		model := classifier.New(s.extractor)
		if err := model.Train(holderTxs, labels); err != nil {
			return fmt.Errorf("classifier bootstrap for holder %s: %w", holderID, err)
		}

		s.mu.Lock()
		s.classifiers[holderID] = model
		s.mu.Unlock()
	}

	return nil
}

// RetrainAnomalyDetector refits the corpus-wide anomaly baseline. This is
// the only sanctioned retraining path for the detector: feedback never
// touches it. The new model is swapped in atomically; a failed retrain
// leaves the serving model in place.
func (s *Service) RetrainAnomalyDetector(ctx context.Context, txs []*domain.Transaction) error {
	_, span := tracer.Start(ctx, "engine.RetrainAnomalyDetector")
	defer span.End()
	return s.detector.Train(txs)
}

// Analyze scores a candidate transaction. history must be the holder's
// transactions; anything at or after the candidate's timestamp is
// ignored by the feature extractor, so over-fetching is harmless.
//
// When no classifier exists for the holder yet, one is trained inline on
// the history's flagged labels before scoring. Training either fully
// succeeds and is installed, or fails and leaves the registry untouched.
//
// Returns anomaly.ErrNotTrained until Initialize (or a successful
// RetrainAnomalyDetector) has run: "score unavailable" is an explicit
// error, never a silent zero.
func (s *Service) Analyze(ctx context.Context, tx *domain.Transaction, history []*domain.Transaction) (*domain.Assessment, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "engine.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("holder.id", tx.HolderID))

	unlock := s.lockHolder(tx.HolderID)
	defer unlock()

	extractStart := time.Now()
	vector := s.extractor.Extract(tx, history)
	extractMs := time.Since(extractStart).Milliseconds()

	anomalyRes, err := s.detector.Detect(tx, history)
	if err != nil {
		return nil, err
	}

	behavioralScore := s.profiler.Analyze(tx.HolderID, tx)

	model, err := s.holderClassifier(tx.HolderID, history)
	if err != nil {
		return nil, err
	}

	classifierScore, err := model.Predict(tx, history)
	if err != nil {
		return nil, err
	}
	classifierUsed := model.Trained()

	suspicion := s.fuse(anomalyRes.Score, behavioralScore, classifierScore, classifierUsed)
	isAnomaly := suspicion > s.cfg.AnomalyThreshold

	a := &domain.Assessment{
		ID:              uuid.New().String(),
		TxID:            tx.ID,
		HolderID:        tx.HolderID,
		SuspicionScore:  suspicion,
		IsAnomaly:       isAnomaly,
		AnomalyScore:    anomalyRes.Score,
		BehavioralScore: behavioralScore,
		ClassifierScore: classifierScore,
		ClassifierUsed:  classifierUsed,
		Features:        vector,
		Timestamp:       time.Now().UTC(),
		Metadata: domain.AssessmentMetadata{
			ExtractMs:     extractMs,
			TotalMs:       time.Since(start).Milliseconds(),
			EngineVersion: EngineVersion,
		},
	}

	span.SetAttributes(
		attribute.Int("assessment.score", suspicion),
		attribute.Bool("assessment.anomaly", isAnomaly),
	)

	return a, nil
}

// UpdateModels incorporates a reviewer verdict: the behavioral profile is
// rebuilt from the history including the reviewed transaction, and the
// holder's classifier (if one exists) is retrained with the new label.
// The anomaly detector is deliberately left alone — its baseline is
// corpus-wide and batch-only.
func (s *Service) UpdateModels(ctx context.Context, tx *domain.Transaction, isFraud bool, history []*domain.Transaction) error {
	_, span := tracer.Start(ctx, "engine.UpdateModels")
	defer span.End()

	unlock := s.lockHolder(tx.HolderID)
	defer unlock()

	full := make([]*domain.Transaction, 0, len(history)+1)
	full = append(full, history...)
	full = append(full, tx)
	s.profiler.UpdateProfile(tx.HolderID, full)

	s.mu.Lock()
	model := s.classifiers[tx.HolderID]
	s.mu.Unlock()

	if model == nil {
		return nil
	}
	return model.Update(tx, isFraud, history)
}

// fuse computes the weighted suspicion score. With all three signals
// live this is exactly round(0.4a + 0.3b + 0.3c) under the default
// weights. When the holder has no trained classifier, its weight is
// redistributed across the remaining signals rather than letting an
// uninformative zero dilute them.
func (s *Service) fuse(anomalyScore, behavioralScore, classifierScore int, classifierUsed bool) int {
	wa, wb, wc := s.cfg.AnomalyWeight, s.cfg.BehavioralWeight, s.cfg.ClassifierWeight

	weighted := wa*float64(anomalyScore) + wb*float64(behavioralScore)
	total := wa + wb
	if classifierUsed {
		weighted += wc * float64(classifierScore)
		total += wc
	}
	if total == 0 {
		return 0
	}

	fused := int(math.Round(weighted / total * (wa + wb + wc)))
	if fused > 100 {
		fused = 100
	}
	if fused < 0 {
		fused = 0
	}
	return fused
}

// holderClassifier returns the holder's classifier, creating and
// training it from the history's flagged labels on first use. This is
// the inline bootstrap path; it converges to the same trained state as
// the bulk path in Initialize given identical inputs.
func (s *Service) holderClassifier(holderID string, history []*domain.Transaction) (*classifier.Model, error) {
	s.mu.Lock()
	model, ok := s.classifiers[holderID]
	s.mu.Unlock()
	if ok {
		return model, nil
	}

	model = classifier.New(s.extractor)
	labels := make([]bool, len(history))
	for i, tx := range history {
		labels[i] = tx.IsFlagged
	}
	if err := model.Train(history, labels); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.classifiers[holderID] = model
	s.mu.Unlock()
	return model, nil
}

// lockHolder acquires the holder's mutual-exclusion lock, creating it on
// first use, and returns the unlock function.
func (s *Service) lockHolder(holderID string) func() {
	s.mu.Lock()
	lock, ok := s.holderLocks[holderID]
	if !ok {
		lock = &sync.Mutex{}
		s.holderLocks[holderID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
