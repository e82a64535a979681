package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *engine.Service
	policies  *policy.Engine
	histories *history.Service
	config    domain.Config
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Service, policies *policy.Engine, histories *history.Service, cfg domain.Config, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		engine:    eng,
		policies:  policies,
		histories: histories,
		config:    cfg,
		version:   version,
	}
}

// AcceptedResponse is the response for async transaction ingestion.
type AcceptedResponse struct {
	TxID    string `json:"txId"`
	Status  string `json:"status"`
	TraceID string `json:"traceId"`
}

// AnalyzeTransaction handles POST /transactions requests. Depending on
// configuration the transaction is scored inline or queued for the
// scoring worker.
func (h *Handler) AnalyzeTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	// Parse request
	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate required fields
	if req.HolderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "holderId is required",
		})
		return
	}
	if req.Merchant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "merchant is required",
		})
		return
	}
	if req.Amount.Value.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount.value must be non-zero",
		})
		return
	}

	tx := req.ToTransaction()
	tx.ID = uuid.New().String()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}
	if err := h.repo.SaveTransaction(ctx, tx); err != nil {
		slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save transaction",
		})
		return
	}

	// Every accepted transaction ticks the holder's windowed ingest
	// counter; bursts feed the assessment's audit trail below.
	var burstReason string
	if limit := h.config.Engine.IngestBurstPerMinute; limit > 0 {
		if recent := h.histories.CountRecent(ctx, tx.HolderID, time.Minute); recent > limit {
			slog.Warn("holder ingest burst",
				"holder_id", tx.HolderID,
				"recent_per_min", recent,
				"limit", limit,
			)
			burstReason = fmt.Sprintf("ingest rate %d/min exceeds limit %d", recent, limit)
		}
	}

	// Async mode: hand off to the scoring worker and acknowledge.
	if h.config.AsyncScoring && h.bus != nil {
		payload, _ := json.Marshal(worker.IngestMessage{
			TxID:    tx.ID,
			TraceID: traceID,
		})
		if err := h.bus.Publish(ctx, domain.TopicTransactionIngested, payload); err != nil {
			slog.Error("failed to queue transaction", "tx_id", tx.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to queue transaction",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, AcceptedResponse{
			TxID:    tx.ID,
			Status:  "queued",
			TraceID: traceID,
		})
		return
	}

	// Synchronous scoring path.
	holderHistory, err := h.histories.Load(ctx, tx.HolderID, tx.Timestamp)
	if err != nil {
		slog.Error("failed to load history", "tx_id", tx.ID, "holder_id", tx.HolderID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load holder history",
		})
		return
	}

	assessment, err := h.engine.Analyze(ctx, tx, holderHistory)
	if err != nil {
		if errors.Is(err, anomaly.ErrNotTrained) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "scoring models are not trained yet",
			})
			return
		}
		slog.Error("analysis failed", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "analysis failed",
		})
		return
	}
	assessment.Metadata.TraceID = traceID
	assessment.Metadata.EngineVersion = h.version
	if burstReason != "" {
		assessment.Reasons = append(assessment.Reasons, burstReason)
	}

	status := h.review(ctx, tx, assessment)

	if err := h.repo.SaveAssessment(ctx, assessment); err != nil {
		slog.Error("failed to save assessment", "tx_id", tx.ID, "error", err)
	}
	if err := h.repo.UpdateTransactionReview(ctx, tx.ID, assessment.SuspicionScore, assessment.IsAnomaly, status); err != nil {
		slog.Error("failed to update transaction review", "tx_id", tx.ID, "error", err)
	}
	h.histories.Invalidate(ctx, tx.HolderID)

	if h.bus != nil {
		payload, _ := json.Marshal(assessment)
		if err := h.bus.Publish(ctx, domain.TopicAssessmentCompleted, payload); err != nil {
			slog.Error("failed to publish assessment", "tx_id", tx.ID, "error", err)
		}
		if assessment.IsAnomaly {
			h.raiseAlert(ctx, assessment, status)
		}
	}

	assessment.Metadata.TotalMs = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, assessment.ToResponse(status))
}

// review runs the loaded review policies over the assessment. Without
// policies, anomalous transactions go to the review queue and clean ones
// are approved.
func (h *Handler) review(ctx context.Context, tx *domain.Transaction, a *domain.Assessment) string {
	var results []domain.PolicyResult
	if h.policies != nil {
		amount, _ := tx.Amount.Abs().Float64()
		results, _ = h.policies.EvaluateAll(ctx, &policy.EvaluateInput{
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
func (h *Handler) raiseAlert(ctx context.Context, a *domain.Assessment, status string) {
	limit := h.config.Engine.MaxAlertsPerHolderPerDay
	if limit > 0 && h.cache != nil {
		count, err := h.cache.IncrementCounter(ctx, "alerts:"+a.HolderID, 24*time.Hour)
		if err == nil && count > limit {
			slog.Warn("alert throttled",
				"holder_id", a.HolderID,
				"count", count,
				"limit", limit,
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
	if err := h.bus.Publish(ctx, domain.TopicAlertRaised, payload); err != nil {
		slog.Error("failed to publish alert", "tx_id", a.TxID, "error", err)
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to score traffic. Readiness
// requires the bulk bootstrap to have completed.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine != nil && !h.engine.Initialized() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready":  "false",
			"reason": "scoring models are not trained yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, txID)
	if err != nil {
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// GetAssessment retrieves an assessment by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	assessmentID := chi.URLParam(r, "id")

	if assessmentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "assessment id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	a, err := h.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		slog.Error("failed to get assessment", "id", assessmentID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "assessment not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// GetTransactionAssessment retrieves the latest assessment for a transaction.
func (h *Handler) GetTransactionAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	a, err := h.repo.GetAssessmentByTransaction(ctx, txID)
	if err != nil {
		slog.Error("failed to get assessment for transaction", "tx_id", txID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "assessment not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// FeedbackRequest is the request body for submitting a reviewer verdict.
type FeedbackRequest struct {
	IsFraud bool `json:"isFraud"`
}

// SubmitFeedback records a reviewer verdict for a transaction and feeds
// it back into the holder's models.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, txID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	fb := &domain.Feedback{
		ID:         uuid.New().String(),
		TxID:       tx.ID,
		HolderID:   tx.HolderID,
		IsFraud:    req.IsFraud,
		ReviewedAt: time.Now().UTC(),
	}
	if err := h.repo.SaveFeedback(ctx, fb); err != nil {
		slog.Error("failed to save feedback", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save feedback",
		})
		return
	}

	// The verdict resolves the review either way.
	status := domain.ReviewApproved
	if req.IsFraud {
		status = domain.ReviewBlocked
	}
	if err := h.repo.UpdateTransactionReview(ctx, tx.ID, tx.SuspicionScore, tx.IsFlagged, status); err != nil {
		slog.Error("failed to resolve transaction review", "tx_id", tx.ID, "error", err)
	}

	if h.config.AsyncScoring && h.bus != nil {
		payload, _ := json.Marshal(worker.FeedbackMessage{
			TxID:     tx.ID,
			HolderID: tx.HolderID,
			IsFraud:  req.IsFraud,
		})
		if err := h.bus.Publish(ctx, domain.TopicFeedbackReceived, payload); err != nil {
			slog.Error("failed to queue feedback", "tx_id", tx.ID, "error", err)
		}
	} else if h.engine != nil {
		holderHistory, err := h.histories.Load(ctx, tx.HolderID, tx.Timestamp)
		if err == nil {
			if err := h.engine.UpdateModels(ctx, tx, req.IsFraud, holderHistory); err != nil {
				slog.Error("failed to apply feedback", "tx_id", tx.ID, "error", err)
			}
			h.histories.Invalidate(ctx, tx.HolderID)
		}
	}

	slog.Info("feedback recorded", "tx_id", tx.ID, "holder_id", tx.HolderID, "is_fraud", req.IsFraud)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"feedbackId":   fb.ID,
		"txId":         tx.ID,
		"reviewStatus": status,
		"status":       "recorded",
	})
}

// RetrainModels refits the anomaly baseline from the stored corpus.
func (h *Handler) RetrainModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil || h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "scoring engine not available",
		})
		return
	}

	corpus, err := h.repo.ListTransactions(ctx)
	if err != nil {
		slog.Error("failed to load training corpus", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load training corpus",
		})
		return
	}

	if !h.engine.Initialized() {
		err = h.engine.Initialize(ctx, corpus)
	} else {
		err = h.engine.RetrainAnomalyDetector(ctx, corpus)
	}
	if err != nil {
		slog.Error("retrain failed", "corpus_size", len(corpus), "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "retrain failed: " + err.Error(),
		})
		return
	}

	slog.Info("models retrained", "corpus_size", len(corpus))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "models retrained",
		"corpus_size": len(corpus),
	})
}

// ListPolicies returns all loaded review policies.
// Policies are loaded from the database at startup and can be reloaded
// via POST /policies/reload.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	loaded := h.policies.LoadedPolicies()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": loaded,
		"count":    len(loaded),
		"source":   "database",
	})
}

// GetPolicy retrieves a review policy by ID from the loaded engine set.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "id")

	if policyID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "policy id is required",
		})
		return
	}

	for _, p := range h.policies.LoadedPolicies() {
		if p.ID == policyID {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "policy not found",
	})
}

// CreatePolicyRequest is the request body for creating a review policy.
type CreatePolicyRequest struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Expression  string              `json:"expression"`
	Bands       []domain.PolicyBand `json:"bands"`
	Enabled     bool                `json:"enabled"`
}

// CreatePolicy creates a new review policy and saves it to the database.
// After saving, call POST /policies/reload to hot-reload into the engine.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	p := &domain.ReviewPolicy{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Bands:       req.Bands,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression before persisting
	if err := h.policies.ValidatePolicy(p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SavePolicy(ctx, p); err != nil {
			slog.Error("failed to save policy", "id", p.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save policy",
			})
			return
		}
	}

	slog.Info("policy created", "id", p.ID, "name", p.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"policy":  p,
		"message": "Policy created. Call POST /policies/reload to apply changes.",
	})
}

// UpdatePolicy updates an existing review policy.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policyID := chi.URLParam(r, "id")

	if policyID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "policy id is required",
		})
		return
	}

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and expression are required",
		})
		return
	}

	p := &domain.ReviewPolicy{
		ID:          policyID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Bands:       req.Bands,
		Enabled:     req.Enabled,
	}

	if err := h.policies.ValidatePolicy(p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SavePolicy(ctx, p); err != nil {
			slog.Error("failed to update policy", "id", policyID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to update policy",
			})
			return
		}
	}

	slog.Info("policy updated", "id", policyID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy":  p,
		"message": "Policy updated. Call POST /policies/reload to apply changes.",
	})
}

// DeletePolicy deletes a review policy and auto-reloads the engine.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policyID := chi.URLParam(r, "id")

	if policyID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "policy id is required",
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.DeletePolicy(ctx, policyID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{
					"error": "policy not found",
				})
				return
			}
			slog.Error("failed to delete policy", "id", policyID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to delete policy",
			})
			return
		}

		// Auto-reload after delete
		dbPolicies, err := h.repo.ListPolicies(ctx)
		if err != nil {
			slog.Error("failed to reload policies after delete", "error", err)
		} else if err := h.policies.ReloadPolicies(dbPolicies); err != nil {
			slog.Error("failed to reload policies after delete", "error", err)
		} else {
			slog.Info("policies auto-reloaded after delete", "count", len(dbPolicies))
		}
	}

	slog.Info("policy deleted", "id", policyID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Policy deleted and engine reloaded.",
	})
}

// ReloadPolicies reloads all review policies from the database into the
// engine. This enables hot-reloading without server restart.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbPolicies, err := h.repo.ListPolicies(ctx)
	if err != nil {
		slog.Error("failed to list policies from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load policies from database",
		})
		return
	}

	if err := h.policies.ReloadPolicies(dbPolicies); err != nil {
		slog.Error("failed to reload policies into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload policies: " + err.Error(),
		})
		return
	}

	slog.Info("policies reloaded from database", "count", len(dbPolicies))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "policies reloaded successfully",
		"count":   len(dbPolicies),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
