package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// createTestServer builds a server over a temp SQLite store with a
// trained engine and the builtin review policies loaded.
func createTestServer(t *testing.T, async bool) (*Server, domain.Repository) {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	// Seed a month of grocery spending with mild variation in amount
	// and hour so the scorers have a baseline to learn.
	base := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
	var corpus []*domain.Transaction
	for i := 0; i < 10; i++ {
		tx := &domain.Transaction{
			ID:           fmt.Sprintf("seed-tx-%03d", i),
			HolderID:     "holder-api-1",
			Amount:       decimal.NewFromInt(-(40 + int64(i%5)*5)),
			Currency:     "USD",
			Merchant:     "Fresh Fields Market",
			Category:     "Groceries",
			Timestamp:    base.Add(time.Duration(i)*24*time.Hour + time.Duration(i%3)*time.Hour),
			CreatedAt:    base,
			IsSpending:   true,
			ReviewStatus: domain.ReviewApproved,
		}
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("failed to seed transaction: %v", err)
		}
		corpus = append(corpus, tx)
	}

	eng := engine.New(domain.DefaultEngineConfig())
	if err := eng.Initialize(ctx, corpus); err != nil {
		t.Fatalf("failed to initialize engine: %v", err)
	}

	policies, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	builtins := policy.BuiltinPolicies()
	if err := policies.LoadPolicies(builtins); err != nil {
		t.Fatalf("failed to load builtin policies: %v", err)
	}
	for _, p := range builtins {
		if err := repo.SavePolicy(ctx, p); err != nil {
			t.Fatalf("failed to persist builtin policy: %v", err)
		}
	}

	c := cache.NewLRUCache(1000)

	cfg := domain.DefaultConfig()
	cfg.AsyncScoring = async

	histories := history.NewService(repo, c)
	server := NewServer(*cfg, repo, c, nil, eng, policies, histories, "test-v1")
	return server, repo
}

func analyzeRequest(holderID, merchant, category string, amount int64, ts time.Time) *http.Request {
	reqBody := domain.TransactionRequest{
		HolderID: holderID,
		Merchant: merchant,
		Category: category,
		Amount: domain.Amount{
			Value:    decimal.NewFromInt(amount),
			Currency: "USD",
		},
		Timestamp: &ts,
	}
	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAnalyzeEndpoint(t *testing.T) {
	server, _ := createTestServer(t, false)

	t.Run("OrdinaryTransactionApproved", func(t *testing.T) {
		ts := time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC)
		req := analyzeRequest("holder-api-1", "Fresh Fields Market", "Groceries", -50, ts)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.AssessmentResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.AssessmentID == "" {
			t.Error("expected assessmentId in response")
		}
		if resp.TxID == "" {
			t.Error("expected txId in response")
		}
		if resp.IsAnomaly {
			t.Error("ordinary transaction should not be anomalous")
		}
		if resp.ReviewStatus != domain.ReviewApproved {
			t.Errorf("expected review status approved, got %s", resp.ReviewStatus)
		}
	})

	t.Run("SuspiciousTransactionFlagged", func(t *testing.T) {
		ts := time.Date(2026, 5, 6, 3, 0, 0, 0, time.UTC)
		req := analyzeRequest("holder-api-1", "Midnight Exotics", "Technology", -450, ts)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.AssessmentResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.SuspicionScore <= 70 {
			t.Errorf("expected suspicion score above 70, got %d", resp.SuspicionScore)
		}
		if !resp.IsAnomaly {
			t.Error("expected transaction to be flagged as anomalous")
		}
		if resp.ReviewStatus == domain.ReviewApproved {
			t.Errorf("flagged transaction should not be approved, got %s", resp.ReviewStatus)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingHolderID", func(t *testing.T) {
		ts := time.Now().UTC()
		req := analyzeRequest("", "Fresh Fields Market", "Groceries", -50, ts)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingMerchant", func(t *testing.T) {
		ts := time.Now().UTC()
		req := analyzeRequest("holder-api-1", "", "Groceries", -50, ts)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ZeroAmount", func(t *testing.T) {
		ts := time.Now().UTC()
		req := analyzeRequest("holder-api-1", "Fresh Fields Market", "Groceries", 0, ts)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		ts := time.Date(2026, 5, 7, 10, 0, 0, 0, time.UTC)
		req := analyzeRequest("holder-api-1", "Fresh Fields Market", "Groceries", -45, ts)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestAnalyzeIngestBurst(t *testing.T) {
	server, _ := createTestServer(t, false)
	server.Handler().config.Engine.IngestBurstPerMinute = 2

	// The third submission inside the minute window crosses the limit
	// and must surface in the assessment's reasons.
	var resp domain.AssessmentResponse
	for i := 0; i < 3; i++ {
		ts := time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC)
		req := analyzeRequest("holder-api-1", "Fresh Fields Market", "Groceries", -50, ts)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d: %s", i+1, rr.Code, rr.Body.String())
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("request %d: failed to parse response: %v", i+1, err)
		}
	}

	found := false
	for _, reason := range resp.Reasons {
		if strings.Contains(reason, "ingest rate") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an ingest rate reason after the burst, got %v", resp.Reasons)
	}
}

func TestAnalyzeEndpointAsync(t *testing.T) {
	server, repo := createTestServer(t, true)
	server.Handler().bus = newRecordingBus()

	ts := time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC)
	req := analyzeRequest("holder-api-1", "Fresh Fields Market", "Groceries", -50, ts)

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp AcceptedResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.TxID == "" {
		t.Error("expected txId in response")
	}
	if resp.Status != "queued" {
		t.Errorf("expected status queued, got %s", resp.Status)
	}

	// The transaction must be persisted before the worker picks it up.
	if _, err := repo.GetTransaction(context.Background(), resp.TxID); err != nil {
		t.Errorf("queued transaction not found in repository: %v", err)
	}
}

// recordingBus satisfies domain.EventBus and records published topics.
type recordingBus struct {
	topics []string
}

func newRecordingBus() *recordingBus { return &recordingBus{} }

func (b *recordingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.topics = append(b.topics, topic)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Ping(ctx context.Context) error { return nil }
func (b *recordingBus) Close() error                   { return nil }

func TestRetrievalEndpoints(t *testing.T) {
	server, _ := createTestServer(t, false)

	// Score one transaction to have something to fetch.
	ts := time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC)
	req := analyzeRequest("holder-api-1", "Fresh Fields Market", "Groceries", -50, ts)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("analysis failed: %d: %s", rr.Code, rr.Body.String())
	}
	var scored domain.AssessmentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &scored); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	t.Run("GetTransaction", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/transactions/"+scored.TxID, nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var tx domain.Transaction
		if err := json.Unmarshal(rr.Body.Bytes(), &tx); err != nil {
			t.Fatalf("failed to parse transaction: %v", err)
		}
		if tx.ID != scored.TxID {
			t.Errorf("expected transaction %s, got %s", scored.TxID, tx.ID)
		}
		if tx.ReviewStatus != scored.ReviewStatus {
			t.Errorf("expected review status %s, got %s", scored.ReviewStatus, tx.ReviewStatus)
		}
	})

	t.Run("GetAssessment", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/assessments/"+scored.AssessmentID, nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var a domain.Assessment
		if err := json.Unmarshal(rr.Body.Bytes(), &a); err != nil {
			t.Fatalf("failed to parse assessment: %v", err)
		}
		if a.TxID != scored.TxID {
			t.Errorf("expected tx %s, got %s", scored.TxID, a.TxID)
		}
	})

	t.Run("GetTransactionAssessment", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/transactions/"+scored.TxID+"/assessment", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var a domain.Assessment
		if err := json.Unmarshal(rr.Body.Bytes(), &a); err != nil {
			t.Fatalf("failed to parse assessment: %v", err)
		}
		if a.ID != scored.AssessmentID {
			t.Errorf("expected assessment %s, got %s", scored.AssessmentID, a.ID)
		}
	})

	t.Run("TransactionNotFound", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/transactions/no-such-tx", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("AssessmentNotFound", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/assessments/no-such-assessment", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestFeedbackEndpoint(t *testing.T) {
	server, repo := createTestServer(t, false)

	ts := time.Date(2026, 5, 6, 3, 0, 0, 0, time.UTC)
	req := analyzeRequest("holder-api-1", "Midnight Exotics", "Technology", -450, ts)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("analysis failed: %d: %s", rr.Code, rr.Body.String())
	}
	var scored domain.AssessmentResponse
	json.Unmarshal(rr.Body.Bytes(), &scored)

	t.Run("RecordsVerdict", func(t *testing.T) {
		body, _ := json.Marshal(FeedbackRequest{IsFraud: true})
		req := httptest.NewRequest(http.MethodPost, "/transactions/"+scored.TxID+"/feedback", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["feedbackId"] == "" {
			t.Error("expected feedbackId in response")
		}

		stored, err := repo.ListFeedbackByHolder(context.Background(), "holder-api-1")
		if err != nil {
			t.Fatalf("failed to list feedback: %v", err)
		}
		if len(stored) != 1 {
			t.Fatalf("expected 1 stored feedback, got %d", len(stored))
		}
		if !stored[0].IsFraud {
			t.Error("expected fraud verdict to be persisted")
		}

		tx, err := repo.GetTransaction(context.Background(), scored.TxID)
		if err != nil {
			t.Fatalf("failed to reload transaction: %v", err)
		}
		if tx.ReviewStatus != domain.ReviewBlocked {
			t.Errorf("expected review resolved to blocked, got %s", tx.ReviewStatus)
		}
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		body, _ := json.Marshal(FeedbackRequest{IsFraud: false})
		req := httptest.NewRequest(http.MethodPost, "/transactions/no-such-tx/feedback", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestRetrainEndpoint(t *testing.T) {
	server, _ := createTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/models/retrain", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]interface{}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["corpus_size"].(float64) != 10 {
		t.Errorf("expected corpus_size 10, got %v", resp["corpus_size"])
	}
}

func TestPolicyEndpoints(t *testing.T) {
	server, _ := createTestServer(t, false)

	t.Run("ListBuiltins", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/policies", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 loaded policies, got %d", resp.Count)
		}
	})

	t.Run("GetBuiltin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/policies/builtin-suspicion-bands", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		upper := 1.0
		body, _ := json.Marshal(CreatePolicyRequest{
			ID:         "gambling-block",
			Name:       "Block Gambling",
			Expression: `category == "Gambling"`,
			Bands: []domain.PolicyBand{
				{LowerLimit: &upper, Outcome: domain.ReviewBlocked, Reason: "gambling merchant"},
			},
			Enabled: true,
		})
		req := httptest.NewRequest(http.MethodPost, "/policies", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		req = httptest.NewRequest(http.MethodPost, "/policies/reload", nil)
		rr = httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 3 {
			t.Errorf("expected 3 policies after reload, got %d", resp.Count)
		}
	})

	t.Run("CreateInvalidExpression", func(t *testing.T) {
		body, _ := json.Marshal(CreatePolicyRequest{
			ID:         "broken-policy",
			Name:       "Broken",
			Expression: "suspicion_score >>> 10",
			Enabled:    true,
		})
		req := httptest.NewRequest(http.MethodPost, "/policies", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("DeleteReloadsEngine", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/policies/gambling-block", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		req = httptest.NewRequest(http.MethodGet, "/policies/gambling-block", nil)
		rr = httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}
	})

	t.Run("DeleteUnknownPolicy", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/policies/no-such-policy", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t, false)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("NotReadyBeforeTraining", func(t *testing.T) {
		handler := NewHandler(nil, nil, nil, engine.New(domain.DefaultEngineConfig()), nil, nil, *domain.DefaultConfig(), "test-v1")

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		handler.Ready(rr, req)

		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
