package classifier

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

func tx(id string, amount float64, merchant, category string, ts time.Time, flagged bool) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		HolderID:  "holder-001",
		Amount:    decimal.NewFromFloat(amount),
		Merchant:  merchant,
		Category:  category,
		Timestamp: ts,
		IsFlagged: flagged,
	}
}

// labeledHistory alternates ordinary $40-60 grocery transactions
// (legitimate) with large late-night purchases (fraud).
func labeledHistory(n int) ([]*domain.Transaction, []bool) {
	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	txs := make([]*domain.Transaction, 0, n)
	labels := make([]bool, 0, n)
	for i := 0; i < n; i++ {
		if i%4 == 3 {
			ts := base.Add(time.Duration(i)*24*time.Hour + 17*time.Hour) // 03:00
			txs = append(txs, tx(fmt.Sprintf("tx-%03d", i), -900-float64(i), "Shady Outlet", "Technology", ts, true))
			labels = append(labels, true)
		} else {
			ts := base.Add(time.Duration(i) * 24 * time.Hour)
			txs = append(txs, tx(fmt.Sprintf("tx-%03d", i), -40-float64(i%3)*10, "Acme Grocers", "Groceries", ts, false))
			labels = append(labels, false)
		}
	}
	return txs, labels
}

func TestTrainNoOps(t *testing.T) {
	e := features.NewExtractor()

	t.Run("EmptyListIsNoOp", func(t *testing.T) {
		m := New(e)
		if err := m.Train(nil, nil); err != nil {
			t.Fatalf("empty training must be a no-op, got %v", err)
		}
		if m.Trained() {
			t.Error("model must stay untrained after empty Train")
		}
		score, err := m.Predict(tx("tx-1", -50, "A", "X", time.Now(), false), nil)
		if err != nil {
			t.Fatalf("predict failed: %v", err)
		}
		if score != 0 {
			t.Errorf("untrained model must predict exactly 0, got %d", score)
		}
	})

	t.Run("SingleClassIsNoOp", func(t *testing.T) {
		txs, _ := labeledHistory(12)
		allClean := make([]bool, len(txs))

		m := New(e)
		if err := m.Train(txs, allClean); err != nil {
			t.Fatalf("single-class training must be a no-op, got %v", err)
		}
		if m.Trained() {
			t.Error("single-class labels must not install a model")
		}
	})

	t.Run("LabelMismatch", func(t *testing.T) {
		txs, _ := labeledHistory(8)
		m := New(e)
		err := m.Train(txs, []bool{true})
		if !errors.Is(err, ErrLabelMismatch) {
			t.Fatalf("expected ErrLabelMismatch, got %v", err)
		}
	})
}

func TestTrainAndPredict(t *testing.T) {
	e := features.NewExtractor()
	txs, labels := labeledHistory(24)

	m := New(e)
	if err := m.Train(txs, labels); err != nil {
		t.Fatalf("training failed: %v", err)
	}
	if !m.Trained() {
		t.Fatal("model should be trained")
	}

	last := txs[len(txs)-1].Timestamp

	fraudLike := tx("cand-1", -950, "Shady Outlet", "Technology", last.Add(27*time.Hour), false)
	normalLike := tx("cand-2", -45, "Acme Grocers", "Groceries", last.Add(34*time.Hour), false)

	fraudScore, err := m.Predict(fraudLike, txs)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	normalScore, err := m.Predict(normalLike, txs)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}

	if fraudScore < 0 || fraudScore > 100 || normalScore < 0 || normalScore > 100 {
		t.Fatalf("scores out of range: fraud=%d normal=%d", fraudScore, normalScore)
	}
	if fraudScore <= normalScore {
		t.Errorf("fraud-like transaction should score above normal-like: %d <= %d", fraudScore, normalScore)
	}
	if fraudScore <= 50 {
		t.Errorf("separable fraud pattern should score above 50, got %d", fraudScore)
	}
	if normalScore >= 50 {
		t.Errorf("separable normal pattern should score below 50, got %d", normalScore)
	}
}

func TestUpdateMatchesBatchRetrain(t *testing.T) {
	e := features.NewExtractor()
	txs, labels := labeledHistory(16)

	history := txs[:15]
	newTx := txs[15]
	newLabel := labels[15]

	// Update path: train on history labels, then feed one verdict.
	updated := New(e)
	if err := updated.Train(history, labels[:15]); err != nil {
		t.Fatalf("training failed: %v", err)
	}
	if err := updated.Update(newTx, newLabel, history); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// Batch path: train once on the full labeled set.
	batch := New(e)
	if err := batch.Train(txs, labels); err != nil {
		t.Fatalf("training failed: %v", err)
	}

	probe := tx("probe-1", -500, "Shady Outlet", "Technology", txs[15].Timestamp.Add(30*time.Hour), false)

	a, err := updated.Predict(probe, txs)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	b, err := batch.Predict(probe, txs)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}

	if a != b {
		t.Errorf("feedback retrain must match batch retrain: %d != %d", a, b)
	}
}
