package seed

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"crashengine/internal/engine"
	"crashengine/internal/fairness"
)

var seedHexRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store persists seed material. InsertSeed must be durable before the
// seed is ever handed to a round: the commitment row is the published
// proof that the secret predates all bets.
type Store interface {
	InsertSeed(ctx context.Context, id uuid.UUID, secret, commitment string) error
	RetireSeed(ctx context.Context, id uuid.UUID, disclosedAt time.Time) error
	GetSeed(ctx context.Context, id uuid.UUID) (secret string, active bool, err error)
}

// Disclosed is a retired seed returned for publication.
type Disclosed struct {
	ID         uuid.UUID `json:"seed_id"`
	Secret     string    `json:"server_seed"`
	Commitment string    `json:"commitment"`
}

// Manager owns the active server seed. Rotation is refused while a round
// is open so a committed round can never be recomputed under a different
// secret.
type Manager struct {
	mu        sync.Mutex
	store     Store
	openRound func() bool

	id         uuid.UUID
	secret     string
	commitment string
}

// NewManager generates and persists the first seed. openRound reports
// whether a round is WAITING or ACTIVE; it may be nil until SetOpenRoundCheck.
func NewManager(ctx context.Context, store Store) (*Manager, error) {
	m := &Manager{store: store}
	if err := m.install(ctx, fairness.GenerateSeed()); err != nil {
		return nil, err
	}
	return m, nil
}

// SetOpenRoundCheck wires the engine's open-round predicate. Must be
// called before the engine starts opening rounds.
func (m *Manager) SetOpenRoundCheck(openRound func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openRound = openRound
}

func (m *Manager) install(ctx context.Context, secret string) error {
	id := uuid.New()
	commitment := fairness.Commitment(secret)
	if err := m.store.InsertSeed(ctx, id, secret, commitment); err != nil {
		return fmt.Errorf("persist seed commitment: %w", err)
	}
	m.id = id
	m.secret = secret
	m.commitment = commitment
	log.Printf("[SEED] Active seed %s, commitment %s...", id, commitment[:16])
	return nil
}

// CurrentCommitment returns the published hash of the active seed.
func (m *Manager) CurrentCommitment() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitment
}

// Use hands the active seed to a round. Only the engine calls this, and
// only between Rotate calls thanks to the open-round guard.
func (m *Manager) Use(ctx context.Context) (uuid.UUID, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secret == "" {
		return uuid.Nil, "", "", fmt.Errorf("no active seed")
	}
	return m.id, m.secret, m.commitment, nil
}

// Rotate replaces the active seed with a fresh random one and returns
// the previous seed for disclosure.
func (m *Manager) Rotate(ctx context.Context) (Disclosed, error) {
	return m.rotate(ctx, fairness.GenerateSeed())
}

// RotateTo installs an operator-supplied 64-hex secret and returns the
// previous seed for disclosure.
func (m *Manager) RotateTo(ctx context.Context, secret string) (Disclosed, error) {
	if !seedHexRe.MatchString(secret) {
		return Disclosed{}, fmt.Errorf("%w: server seed must be 64 lowercase hex characters", engine.ErrValidation)
	}
	return m.rotate(ctx, secret)
}

func (m *Manager) rotate(ctx context.Context, secret string) (Disclosed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openRound != nil && m.openRound() {
		return Disclosed{}, fmt.Errorf("%w: a round is open on the current seed", engine.ErrSeedRotationConflict)
	}

	prev := Disclosed{ID: m.id, Secret: m.secret, Commitment: m.commitment}

	// New commitment becomes durable before the old seed is retired, so
	// there is no window where a round could open on an uncommitted seed.
	if err := m.install(ctx, secret); err != nil {
		return Disclosed{}, err
	}
	// The rotation itself is already durable. A failed retire leaves the
	// previous row marked active in the store; Disclose reconciles it on
	// first read, so the rotation still succeeds here.
	if err := m.store.RetireSeed(ctx, prev.ID, time.Now()); err != nil {
		log.Printf("[SEED] Failed to retire seed %s, reconciling on disclosure: %v", prev.ID, err)
	}

	log.Printf("[SEED] Rotated; seed %s disclosed", prev.ID)
	return prev, nil
}

// Disclose returns the raw secret of a retired seed. The active seed is
// never disclosed.
func (m *Manager) Disclose(ctx context.Context, id uuid.UUID) (string, error) {
	m.mu.Lock()
	active := id == m.id
	m.mu.Unlock()
	if active {
		return "", fmt.Errorf("%w: seed is still active", engine.ErrConflict)
	}

	secret, stillActive, err := m.store.GetSeed(ctx, id)
	if err != nil {
		return "", err
	}
	if stillActive {
		// Only the manager writes seed rows, so an active row that is not
		// the manager's current seed was stranded by a retire that failed
		// during rotation. Retire it now and disclose.
		if err := m.store.RetireSeed(ctx, id, time.Now()); err != nil {
			return "", fmt.Errorf("retire stranded seed %s: %w", id, err)
		}
		log.Printf("[SEED] Retired stranded seed %s on disclosure", id)
	}
	return secret, nil
}
