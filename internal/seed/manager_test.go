package seed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crashengine/internal/engine"
	"crashengine/internal/fairness"
)

type memStore struct {
	mu         sync.Mutex
	seeds      map[uuid.UUID]memSeed
	inserts    []uuid.UUID
	failIns    bool
	failRetire bool
}

type memSeed struct {
	secret     string
	commitment string
	active     bool
}

func newMemStore() *memStore {
	return &memStore{seeds: make(map[uuid.UUID]memSeed)}
}

func (s *memStore) InsertSeed(ctx context.Context, id uuid.UUID, secret, commitment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIns {
		return errors.New("insert failed")
	}
	s.seeds[id] = memSeed{secret: secret, commitment: commitment, active: true}
	s.inserts = append(s.inserts, id)
	return nil
}

func (s *memStore) RetireSeed(ctx context.Context, id uuid.UUID, disclosedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRetire {
		return errors.New("retire failed")
	}
	seed, ok := s.seeds[id]
	if !ok {
		return errors.New("seed not found")
	}
	seed.active = false
	s.seeds[id] = seed
	return nil
}

func (s *memStore) GetSeed(ctx context.Context, id uuid.UUID) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seed, ok := s.seeds[id]
	if !ok {
		return "", false, errors.New("seed not found")
	}
	return seed.secret, seed.active, nil
}

func TestNewManager_PersistsCommitmentFirst(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(context.Background(), store)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if len(store.inserts) != 1 {
		t.Fatalf("persisted seeds = %d, want 1", len(store.inserts))
	}
	stored := store.seeds[store.inserts[0]]
	if fairness.Commitment(stored.secret) != stored.commitment {
		t.Error("stored commitment does not hash the stored secret")
	}
	if m.CurrentCommitment() != stored.commitment {
		t.Error("CurrentCommitment() disagrees with the stored commitment")
	}
}

func TestNewManager_FailsWhenStoreFails(t *testing.T) {
	store := newMemStore()
	store.failIns = true
	if _, err := NewManager(context.Background(), store); err == nil {
		t.Fatal("NewManager() succeeded with a failing store")
	}
}

func TestUse_ReturnsActiveSeed(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(context.Background(), store)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	id, secret, commitment, err := m.Use(context.Background())
	if err != nil {
		t.Fatalf("Use() error = %v", err)
	}
	if id != store.inserts[0] {
		t.Errorf("Use() id = %s, want %s", id, store.inserts[0])
	}
	if fairness.Commitment(secret) != commitment {
		t.Error("Use() commitment does not hash the returned secret")
	}
}

func TestRotate_DisclosesPreviousSeed(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(context.Background(), store)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	firstID, firstSecret, firstCommitment, _ := m.Use(context.Background())

	prev, err := m.Rotate(context.Background())
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if prev.ID != firstID || prev.Secret != firstSecret || prev.Commitment != firstCommitment {
		t.Errorf("disclosed seed = %+v, want the pre-rotation seed", prev)
	}

	// The old seed is retired and a new one is active.
	if store.seeds[firstID].active {
		t.Error("previous seed still active after rotation")
	}
	newID, newSecret, _, _ := m.Use(context.Background())
	if newID == firstID || newSecret == firstSecret {
		t.Error("rotation did not install a fresh seed")
	}
	if !store.seeds[newID].active {
		t.Error("new seed not active in the store")
	}
}

func TestRotate_RetireFailureDoesNotStrandSeed(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(context.Background(), store)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	// Rotation succeeds even when the old row cannot be retired; the new
	// commitment is already durable.
	store.failRetire = true
	prev, err := m.Rotate(context.Background())
	if err != nil {
		t.Fatalf("Rotate() with failing retire error = %v", err)
	}
	if !store.seeds[prev.ID].active {
		t.Fatal("expected the previous seed row to be left active")
	}

	// Disclosure reconciles the stranded row once the store recovers.
	store.mu.Lock()
	store.failRetire = false
	store.mu.Unlock()
	secret, err := m.Disclose(context.Background(), prev.ID)
	if err != nil {
		t.Fatalf("Disclose(stranded) error = %v", err)
	}
	if secret != prev.Secret {
		t.Errorf("Disclose() = %s, want %s", secret, prev.Secret)
	}
	if store.seeds[prev.ID].active {
		t.Error("stranded seed still active after disclosure")
	}
}

func TestRotate_RefusedWhileRoundOpen(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(context.Background(), store)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	open := true
	m.SetOpenRoundCheck(func() bool { return open })

	if _, err := m.Rotate(context.Background()); !errors.Is(err, engine.ErrSeedRotationConflict) {
		t.Errorf("Rotate() with open round error = %v, want ErrSeedRotationConflict", err)
	}
	if len(store.inserts) != 1 {
		t.Errorf("refused rotation persisted a seed: %d inserts", len(store.inserts))
	}

	open = false
	if _, err := m.Rotate(context.Background()); err != nil {
		t.Errorf("Rotate() after round closed error = %v", err)
	}
}

func TestRotateTo_ValidatesSecret(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(context.Background(), store)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	for _, bad := range []string{
		"",
		"abc123",
		strings.Repeat("g", 64),
		strings.ToUpper(strings.Repeat("ab", 32)),
		strings.Repeat("ab", 33),
	} {
		if _, err := m.RotateTo(context.Background(), bad); !errors.Is(err, engine.ErrValidation) {
			t.Errorf("RotateTo(%q) error = %v, want ErrValidation", bad, err)
		}
	}

	want := strings.Repeat("ab", 32)
	if _, err := m.RotateTo(context.Background(), want); err != nil {
		t.Fatalf("RotateTo() with valid secret error = %v", err)
	}
	_, secret, _, _ := m.Use(context.Background())
	if secret != want {
		t.Errorf("active secret = %s, want the operator-supplied one", secret)
	}
}

func TestDisclose(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(context.Background(), store)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	activeID, _, _, _ := m.Use(context.Background())

	// The active seed is never disclosed.
	if _, err := m.Disclose(context.Background(), activeID); !errors.Is(err, engine.ErrConflict) {
		t.Errorf("Disclose(active) error = %v, want ErrConflict", err)
	}

	prev, err := m.Rotate(context.Background())
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	secret, err := m.Disclose(context.Background(), prev.ID)
	if err != nil {
		t.Fatalf("Disclose(retired) error = %v", err)
	}
	if secret != prev.Secret {
		t.Errorf("Disclose() = %s, want %s", secret, prev.Secret)
	}
	if fairness.Commitment(secret) != prev.Commitment {
		t.Error("disclosed secret does not hash to the published commitment")
	}
}
