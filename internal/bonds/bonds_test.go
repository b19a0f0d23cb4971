package bonds

import (
	"context"
	"errors"
	"testing"

	"missionline/internal/domain"
)

type fakeLedger struct {
	balances map[string]float64
}

func (l *fakeLedger) Transfer(_ context.Context, from, to string, amount float64, _, _ string) error {
	if l.balances[from] < amount {
		return errors.New("insufficient balance")
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

func TestLockIsAdditiveAndReleaseRemovesAll(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{balances: map[string]float64{"w1": 100}}
	m := Manager{Store: NewMemoryStore(), Ledger: ledger}
	if _, err := m.Lock(ctx, "w1", "m1", 10, domain.BondWorker); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Lock(ctx, "w1", "m1", 5, domain.BondWorker); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Lock(ctx, "w1", "m2", 20, domain.BondVerifier); err != nil {
		t.Fatal(err)
	}
	active, _ := m.Active(ctx, "w1")
	if active != 35 {
		t.Fatalf("expected active 35, got %v", active)
	}
	released, err := m.Release(ctx, "w1", "m1")
	if err != nil || released != 15 {
		t.Fatalf("release: %v %v", released, err)
	}
	active, _ = m.Active(ctx, "w1")
	if active != 20 {
		t.Fatalf("expected active 20 after release, got %v", active)
	}
	if ledger.balances["w1"] != 80 || ledger.balances[Account("m1")] != 0 {
		t.Fatalf("unexpected balances: %+v", ledger.balances)
	}
	again, err := m.Release(ctx, "w1", "m1")
	if err != nil || again != 0 {
		t.Fatalf("second release should be a no-op: %v %v", again, err)
	}
}

func TestSlashPaysBeneficiary(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{balances: map[string]float64{"v1": 10}}
	m := Manager{Store: NewMemoryStore(), Ledger: ledger}
	if _, err := m.Lock(ctx, "v1", "m1", 10, domain.BondVerifier); err != nil {
		t.Fatal(err)
	}
	slashed, err := m.Slash(ctx, "v1", "m1", "protocol")
	if err != nil || slashed != 10 {
		t.Fatalf("slash: %v %v", slashed, err)
	}
	if ledger.balances["protocol"] != 10 || ledger.balances["v1"] != 0 {
		t.Fatalf("unexpected balances: %+v", ledger.balances)
	}
}

func TestLockValidationAndCap(t *testing.T) {
	ctx := context.Background()
	m := Manager{Store: NewMemoryStore(), MaxActive: 25}
	var ve domain.ValidationError
	if _, err := m.Lock(ctx, "w1", "m1", 0, domain.BondWorker); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := m.Lock(ctx, "w1", "m1", 20, domain.BondWorker); err != nil {
		t.Fatal(err)
	}
	var ce domain.StateConflictError
	if _, err := m.Lock(ctx, "w1", "m2", 10, domain.BondWorker); !errors.As(err, &ce) {
		t.Fatalf("expected cap conflict, got %v", err)
	}
}
