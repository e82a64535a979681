package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
)

type pipeline struct {
	bus       *bus.ChannelBus
	repo      domain.Repository
	cache     domain.Cache
	histories *history.Service
	engine    *engine.Service
	policies  *policy.Engine
}

// newPipeline stands up the full scoring pipeline on the Community
// stack: sqlite, in-process cache, channel bus. The holder's seeded
// corpus is ten ordinary daytime grocery transactions.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-worker-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	base := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
	corpus := make([]*domain.Transaction, 0, 10)
	for i := 0; i < 10; i++ {
		tx := &domain.Transaction{
			ID:           fmt.Sprintf("seed-%03d", i),
			HolderID:     "holder-001",
			Amount:       decimal.NewFromFloat(-40 - float64(i%5)*5),
			Currency:     "USD",
			Merchant:     "Acme Grocers",
			Category:     "Groceries",
			Timestamp:    base.Add(time.Duration(i)*24*time.Hour + time.Duration(i%3)*time.Hour),
			CreatedAt:    base,
			IsSpending:   true,
			ReviewStatus: domain.ReviewPending,
		}
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("failed to seed transaction: %v", err)
		}
		corpus = append(corpus, tx)
	}

	eng := engine.New(domain.DefaultEngineConfig())
	if err := eng.Initialize(ctx, corpus); err != nil {
		t.Fatalf("engine bootstrap failed: %v", err)
	}

	policies, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	if err := policies.LoadPolicies(policy.BuiltinPolicies()); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	c := cache.NewLRUCache(1000)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	return &pipeline{
		bus:       eventBus,
		repo:      repo,
		cache:     c,
		histories: history.NewService(repo, c),
		engine:    eng,
		policies:  policies,
	}
}

func (p *pipeline) saveCandidate(t *testing.T, id string, amount float64, merchant, category string, ts time.Time) *domain.Transaction {
	t.Helper()
	tx := &domain.Transaction{
		ID:           id,
		HolderID:     "holder-001",
		Amount:       decimal.NewFromFloat(amount),
		Currency:     "USD",
		Merchant:     merchant,
		Category:     category,
		Timestamp:    ts,
		CreatedAt:    ts,
		IsSpending:   amount < 0,
		ReviewStatus: domain.ReviewPending,
	}
	if err := p.repo.SaveTransaction(context.Background(), tx); err != nil {
		t.Fatalf("failed to save candidate: %v", err)
	}
	return tx
}

func TestWorkerStartAndStop(t *testing.T) {
	p := newPipeline(t)
	w := NewWorker(p.bus, p.repo, p.cache, p.histories, p.engine, p.policies, Config{})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	stats = w.GetStats()
	if stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorkerScoresTransaction(t *testing.T) {
	p := newPipeline(t)
	w := NewWorker(p.bus, p.repo, p.cache, p.histories, p.engine, p.policies, Config{MaxAlertsPerHolderPerDay: 50})
	w.Start()
	defer w.Stop()

	ctx := context.Background()

	var completed atomic.Bool
	var alertPayload atomic.Pointer[[]byte]

	p.bus.Subscribe(ctx, domain.TopicAssessmentCompleted, func(ctx context.Context, msg *domain.Message) error {
		completed.Store(true)
		return nil
	})
	p.bus.Subscribe(ctx, domain.TopicAlertRaised, func(ctx context.Context, msg *domain.Message) error {
		payload := msg.Payload
		alertPayload.Store(&payload)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	// Way off the holder's profile: 3am, never-seen merchant and
	// category, nine times the usual spend.
	candidate := p.saveCandidate(t, "tx-suspicious", -450, "Midnight Exotics", "Technology",
		time.Date(2026, 4, 20, 3, 0, 0, 0, time.UTC))

	payload, _ := json.Marshal(IngestMessage{TxID: candidate.ID, TraceID: "trace-bfd3"})
	if err := p.bus.Publish(ctx, domain.TopicTransactionIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if !completed.Load() {
		t.Fatal("expected assessment completion to be published")
	}

	stored, err := p.repo.GetTransaction(ctx, candidate.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if !stored.IsFlagged {
		t.Error("expected transaction to be flagged")
	}
	if stored.SuspicionScore <= 70 {
		t.Errorf("expected suspicion score > 70, got %d", stored.SuspicionScore)
	}
	if stored.ReviewStatus == domain.ReviewApproved {
		t.Errorf("flagged transaction must not be approved, got %s", stored.ReviewStatus)
	}

	assessment, err := p.repo.GetAssessmentByTransaction(ctx, candidate.ID)
	if err != nil {
		t.Fatalf("GetAssessmentByTransaction failed: %v", err)
	}
	if assessment.SuspicionScore != stored.SuspicionScore {
		t.Errorf("assessment score %d does not match transaction score %d",
			assessment.SuspicionScore, stored.SuspicionScore)
	}
	if assessment.Metadata.TraceID != "trace-bfd3" {
		t.Errorf("assessment lost the ingest trace ID, got %q", assessment.Metadata.TraceID)
	}

	raw := alertPayload.Load()
	if raw == nil {
		t.Fatal("expected alert to be published")
	}
	var alert domain.AlertEvent
	if err := json.Unmarshal(*raw, &alert); err != nil {
		t.Fatalf("failed to parse alert: %v", err)
	}
	if alert.TxID != candidate.ID || alert.HolderID != "holder-001" {
		t.Errorf("alert does not reference the transaction: %+v", alert)
	}
}

func TestWorkerApprovesOrdinaryTransaction(t *testing.T) {
	p := newPipeline(t)
	w := NewWorker(p.bus, p.repo, p.cache, p.histories, p.engine, p.policies, Config{})
	w.Start()
	defer w.Stop()

	ctx := context.Background()

	var alerted atomic.Bool
	p.bus.Subscribe(ctx, domain.TopicAlertRaised, func(ctx context.Context, msg *domain.Message) error {
		alerted.Store(true)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	candidate := p.saveCandidate(t, "tx-ordinary", -45, "Acme Grocers", "Groceries",
		time.Date(2026, 4, 20, 10, 0, 0, 0, time.UTC))

	payload, _ := json.Marshal(IngestMessage{TxID: candidate.ID})
	p.bus.Publish(ctx, domain.TopicTransactionIngested, payload)

	time.Sleep(200 * time.Millisecond)

	stored, err := p.repo.GetTransaction(ctx, candidate.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if stored.IsFlagged {
		t.Errorf("ordinary transaction flagged with score %d", stored.SuspicionScore)
	}
	if stored.ReviewStatus != domain.ReviewApproved {
		t.Errorf("expected approved, got %s", stored.ReviewStatus)
	}
	if alerted.Load() {
		t.Error("no alert expected for an ordinary transaction")
	}
}

func TestWorkerAlertThrottle(t *testing.T) {
	p := newPipeline(t)
	w := NewWorker(p.bus, p.repo, p.cache, p.histories, p.engine, p.policies, Config{MaxAlertsPerHolderPerDay: 1})
	w.Start()
	defer w.Stop()

	ctx := context.Background()

	var alerts atomic.Int32
	p.bus.Subscribe(ctx, domain.TopicAlertRaised, func(ctx context.Context, msg *domain.Message) error {
		alerts.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	// Two equally suspicious transactions at the same instant: the
	// second alert is over the per-holder budget.
	ts := time.Date(2026, 4, 20, 3, 0, 0, 0, time.UTC)
	first := p.saveCandidate(t, "tx-burst-1", -450, "Midnight Exotics", "Technology", ts)
	second := p.saveCandidate(t, "tx-burst-2", -460, "Midnight Exotics", "Technology", ts)

	for _, tx := range []*domain.Transaction{first, second} {
		payload, _ := json.Marshal(IngestMessage{TxID: tx.ID})
		p.bus.Publish(ctx, domain.TopicTransactionIngested, payload)
		time.Sleep(100 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	if got := alerts.Load(); got != 1 {
		t.Errorf("expected exactly 1 alert under throttle, got %d", got)
	}
}

func TestWorkerAppliesFeedback(t *testing.T) {
	p := newPipeline(t)
	w := NewWorker(p.bus, p.repo, p.cache, p.histories, p.engine, p.policies, Config{})
	w.Start()
	defer w.Stop()

	ctx := context.Background()
	time.Sleep(50 * time.Millisecond)

	reviewed := p.saveCandidate(t, "tx-reviewed", -450, "Midnight Exotics", "Technology",
		time.Date(2026, 4, 20, 3, 0, 0, 0, time.UTC))

	payload, _ := json.Marshal(FeedbackMessage{TxID: reviewed.ID, HolderID: "holder-001", IsFraud: true})
	if err := p.bus.Publish(ctx, domain.TopicFeedbackReceived, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	// The reviewed patterns are now part of the profile: a repeat at
	// the same hour, merchant and category deviates behaviorally by
	// nothing.
	repeat := &domain.Transaction{
		ID:        "tx-repeat",
		HolderID:  "holder-001",
		Amount:    decimal.NewFromInt(-60),
		Currency:  "USD",
		Merchant:  "Midnight Exotics",
		Category:  "Technology",
		Timestamp: time.Date(2026, 4, 21, 3, 0, 0, 0, time.UTC),
	}

	holderHistory, err := p.histories.Load(ctx, "holder-001", repeat.Timestamp)
	if err != nil {
		t.Fatalf("history load failed: %v", err)
	}
	a, err := p.engine.Analyze(ctx, repeat, holderHistory)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if a.BehavioralScore != 0 {
		t.Errorf("expected behavioral score 0 after feedback, got %d", a.BehavioralScore)
	}
}
