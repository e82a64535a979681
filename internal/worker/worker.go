// Package worker provides async transaction scoring off the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// Worker consumes ingested transactions and reviewer feedback from the
// EventBus and drives them through the scoring pipeline.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	cache     domain.Cache
	histories *history.Service
	engine    *engine.Service
	policies  *policy.Engine

	maxAlertsPerDay int64

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// MaxAlertsPerHolderPerDay throttles alert publication per holder.
	// Zero disables throttling.
	MaxAlertsPerHolderPerDay int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache, histories *history.Service, eng *engine.Service, policies *policy.Engine, cfg Config) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:             bus,
		repo:            repo,
		cache:           cache,
		histories:       histories,
		engine:          eng,
		policies:        policies,
		maxAlertsPerDay: int64(cfg.MaxAlertsPerHolderPerDay),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start subscribes to the scoring pipeline topics.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleIngested)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	sub, err = w.bus.Subscribe(w.ctx, domain.TopicFeedbackReceived, w.handleFeedback)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topics", []string{domain.TopicTransactionIngested, domain.TopicFeedbackReceived},
	)

	return nil
}

// IngestMessage is the payload published when a transaction is accepted
// for async scoring.
type IngestMessage struct {
	TxID    string `json:"txId"`
	TraceID string `json:"traceId,omitempty"`
}

// FeedbackMessage is the payload published when a reviewer verdict lands.
type FeedbackMessage struct {
	TxID     string `json:"txId"`
	HolderID string `json:"holderId"`
	IsFraud  bool   `json:"isFraud"`
}

// handleIngested scores one ingested transaction end to end.
func (w *Worker) handleIngested(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var in IngestMessage
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		slog.Error("failed to parse ingest message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tx, err := w.repo.GetTransaction(ctx, in.TxID)
	if err != nil {
		slog.Error("failed to load transaction",
			"tx_id", in.TxID,
			"error", err,
		)
		return err
	}

	holderHistory, err := w.histories.Load(ctx, tx.HolderID, tx.Timestamp)
	if err != nil {
		slog.Error("failed to load history",
			"tx_id", tx.ID,
			"holder_id", tx.HolderID,
			"error", err,
		)
		return err
	}

	assessment, err := w.engine.Analyze(ctx, tx, holderHistory)
	if err != nil {
		slog.Error("analysis failed",
			"tx_id", tx.ID,
			"error", err,
		)
		return err
	}

	if in.TraceID != "" {
		assessment.Metadata.TraceID = in.TraceID
	}

	status := w.review(ctx, tx, assessment)

	if err := w.repo.SaveAssessment(ctx, assessment); err != nil {
		slog.Error("failed to save assessment",
			"tx_id", tx.ID,
			"error", err,
		)
	}
	if err := w.repo.UpdateTransactionReview(ctx, tx.ID, assessment.SuspicionScore, assessment.IsAnomaly, status); err != nil {
		slog.Error("failed to update transaction review",
			"tx_id", tx.ID,
			"error", err,
		)
	}
	w.histories.Invalidate(ctx, tx.HolderID)

	payload, _ := json.Marshal(assessment)
	if err := w.bus.Publish(ctx, domain.TopicAssessmentCompleted, payload); err != nil {
		slog.Error("failed to publish assessment",
			"tx_id", tx.ID,
			"error", err,
		)
	}

	if assessment.IsAnomaly {
		w.raiseAlert(ctx, assessment, status)
	}

	slog.Info("transaction scored",
		"tx_id", tx.ID,
		"holder_id", tx.HolderID,
		"suspicion_score", assessment.SuspicionScore,
		"is_anomaly", assessment.IsAnomaly,
		"review_status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// review runs the loaded review policies over the assessment and
// returns the resulting review status. Without policies, anomalous
// transactions go to the review queue and clean ones are approved.
func (w *Worker) review(ctx context.Context, tx *domain.Transaction, a *domain.Assessment) string {
	var results []domain.PolicyResult
	if w.policies != nil {
		amount, _ := tx.Amount.Abs().Float64()
		results, _ = w.policies.EvaluateAll(ctx, &policy.EvaluateInput{
			TxID:            tx.ID,
			SuspicionScore:  a.SuspicionScore,
			AnomalyScore:    a.AnomalyScore,
			BehavioralScore: a.BehavioralScore,
			ClassifierScore: a.ClassifierScore,
			IsAnomaly:       a.IsAnomaly,
			ClassifierUsed:  a.ClassifierUsed,
			Amount:          amount,
			Category:        tx.Category,
			Merchant:        tx.Merchant,
		})
	}

	if len(results) == 0 {
		if a.IsAnomaly {
			a.ReviewOutcome = domain.ReviewPending
		} else {
			a.ReviewOutcome = domain.ReviewApproved
		}
		return a.ReviewOutcome
	}

	status, reason := policy.Decide(results)
	a.ReviewOutcome = status
	if reason != "" {
		a.Reasons = append(a.Reasons, reason)
	}
	return status
}

// raiseAlert publishes an alert event, throttled per holder per day.
func (w *Worker) raiseAlert(ctx context.Context, a *domain.Assessment, status string) {
	if w.maxAlertsPerDay > 0 && w.cache != nil {
		count, err := w.cache.IncrementCounter(ctx, "alerts:"+a.HolderID, 24*time.Hour)
		if err == nil && count > w.maxAlertsPerDay {
			slog.Warn("alert throttled",
				"holder_id", a.HolderID,
				"count", count,
				"limit", w.maxAlertsPerDay,
			)
			return
		}
	}

	event := domain.AlertEvent{
		AssessmentID:   a.ID,
		TxID:           a.TxID,
		HolderID:       a.HolderID,
		SuspicionScore: a.SuspicionScore,
		ReviewOutcome:  status,
	}
	payload, _ := json.Marshal(event)

	if err := w.bus.Publish(ctx, domain.TopicAlertRaised, payload); err != nil {
		slog.Error("failed to publish alert",
			"tx_id", a.TxID,
			"error", err,
		)
	}
}

// handleFeedback applies a reviewer verdict to the holder's models.
func (w *Worker) handleFeedback(ctx context.Context, msg *domain.Message) error {
	var fb FeedbackMessage
	if err := json.Unmarshal(msg.Payload, &fb); err != nil {
		slog.Error("failed to parse feedback message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tx, err := w.repo.GetTransaction(ctx, fb.TxID)
	if err != nil {
		slog.Error("failed to load reviewed transaction",
			"tx_id", fb.TxID,
			"error", err,
		)
		return err
	}

	holderHistory, err := w.histories.Load(ctx, tx.HolderID, tx.Timestamp)
	if err != nil {
		slog.Error("failed to load history for feedback",
			"tx_id", tx.ID,
			"error", err,
		)
		return err
	}

	if err := w.engine.UpdateModels(ctx, tx, fb.IsFraud, holderHistory); err != nil {
		slog.Error("model update failed",
			"tx_id", tx.ID,
			"error", err,
		)
		return err
	}
	w.histories.Invalidate(ctx, tx.HolderID)

	slog.Info("feedback applied",
		"tx_id", tx.ID,
		"holder_id", tx.HolderID,
		"is_fraud", fb.IsFraud,
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
