package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashengine/internal/engine"
)

// Store persists rounds, bets and seed commitments. It backs the engine's
// lifecycle writes, the recovery sweep and the audit endpoints.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RoundRecord is the persisted round row served on the audit endpoints.
type RoundRecord struct {
	ID         int64      `json:"id"`
	Status     string     `json:"status"`
	StartsAt   time.Time  `json:"starts_at"`
	SeedID     uuid.UUID  `json:"seed_id"`
	ClientSeed string     `json:"client_seed"`
	Nonce      int64      `json:"nonce"`
	Multiplier *float64   `json:"multiplier,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ErrNotFound is returned when a round or bet row does not exist.
var ErrNotFound = errors.New("store: not found")

func (s *Store) CreateRound(ctx context.Context, seedID uuid.UUID, clientSeed string, startsAt time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rounds (status, starts_at, seed_id, client_seed)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		engine.StatusWaiting, startsAt, seedID, clientSeed,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create round: %w", err)
	}
	return id, nil
}

func (s *Store) MarkActive(ctx context.Context, roundID int64, startsAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rounds SET status = $2, starts_at = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		roundID, engine.StatusActive, startsAt, engine.StatusWaiting,
	)
	if err != nil {
		return fmt.Errorf("mark round %d active: %w", roundID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark round %d active: %w", roundID, ErrNotFound)
	}
	return nil
}

// FinishRound records the terminal state. The multiplier is immutable:
// an already finished round is left untouched.
func (s *Store) FinishRound(ctx context.Context, roundID int64, multiplier float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rounds SET status = $2, multiplier = $3, updated_at = now()
		WHERE id = $1 AND status <> $2`,
		roundID, engine.StatusFinished, multiplier,
	)
	if err != nil {
		return fmt.Errorf("finish round %d: %w", roundID, err)
	}
	return nil
}

func (s *Store) GetRound(ctx context.Context, roundID int64) (*RoundRecord, error) {
	r := &RoundRecord{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, starts_at, seed_id, client_seed, nonce, multiplier, created_at, updated_at
		FROM rounds WHERE id = $1`, roundID,
	).Scan(&r.ID, &r.Status, &r.StartsAt, &r.SeedID, &r.ClientSeed, &r.Nonce, &r.Multiplier, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get round %d: %w", roundID, err)
	}
	return r, nil
}

// ListStaleRounds returns non-terminal rounds created before the cutoff.
func (s *Store) ListStaleRounds(ctx context.Context, cutoff time.Time) ([]RoundRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, starts_at, seed_id, client_seed, nonce, multiplier, created_at, updated_at
		FROM rounds
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY id`,
		engine.StatusWaiting, engine.StatusActive, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale rounds: %w", err)
	}
	defer rows.Close()
	return scanRounds(rows)
}

// ListUnsettledRounds returns finished rounds that never claimed their
// settlement row; the sweep re-drives those.
func (s *Store) ListUnsettledRounds(ctx context.Context) ([]RoundRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.status, r.starts_at, r.seed_id, r.client_seed, r.nonce, r.multiplier, r.created_at, r.updated_at
		FROM rounds r
		LEFT JOIN round_settlements rs ON rs.round_id = r.id
		WHERE r.status = $1 AND rs.round_id IS NULL
		ORDER BY r.id`,
		engine.StatusFinished,
	)
	if err != nil {
		return nil, fmt.Errorf("list unsettled rounds: %w", err)
	}
	defer rows.Close()
	return scanRounds(rows)
}

func scanRounds(rows pgx.Rows) ([]RoundRecord, error) {
	var out []RoundRecord
	for rows.Next() {
		var r RoundRecord
		if err := rows.Scan(&r.ID, &r.Status, &r.StartsAt, &r.SeedID, &r.ClientSeed, &r.Nonce, &r.Multiplier, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) InsertBet(ctx context.Context, b *engine.Bet) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bets (id, round_id, user_id, amount, auto_cashout, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.RoundID, b.UserID, b.Amount, b.AutoCashout, b.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bet %s: %w", b.ID, err)
	}
	return nil
}

// RecordCashout sets the cashout multiplier at most once.
func (s *Store) RecordCashout(ctx context.Context, betID uuid.UUID, multiplier float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bets SET cashed_at = $2, updated_at = now()
		WHERE id = $1 AND cashed_at IS NULL`,
		betID, multiplier,
	)
	if err != nil {
		return fmt.Errorf("record cashout %s: %w", betID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record cashout %s: %w", betID, engine.ErrConflict)
	}
	return nil
}

// ListRoundCredits returns the persisted winning cashouts of a round,
// capped at the final multiplier. Used when settlement is re-driven.
func (s *Store) ListRoundCredits(ctx context.Context, roundID int64, finalMultiplier float64) ([]engine.Credit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, amount, cashed_at
		FROM bets
		WHERE round_id = $1 AND cashed_at IS NOT NULL AND cashed_at <= $2`,
		roundID, finalMultiplier,
	)
	if err != nil {
		return nil, fmt.Errorf("list credits for round %d: %w", roundID, err)
	}
	defer rows.Close()

	var credits []engine.Credit
	for rows.Next() {
		var c engine.Credit
		if err := rows.Scan(&c.BetID, &c.UserID, &c.Amount, &c.Multiplier); err != nil {
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

// ListRoundCashouts returns every persisted cashout of a round with no
// multiplier cap. Forced resolution uses it to pick a final multiplier
// that keeps all of them payable.
func (s *Store) ListRoundCashouts(ctx context.Context, roundID int64) ([]engine.Credit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, amount, cashed_at
		FROM bets
		WHERE round_id = $1 AND cashed_at IS NOT NULL`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("list cashouts for round %d: %w", roundID, err)
	}
	defer rows.Close()

	var credits []engine.Credit
	for rows.Next() {
		var c engine.Credit
		if err := rows.Scan(&c.BetID, &c.UserID, &c.Amount, &c.Multiplier); err != nil {
			return nil, fmt.Errorf("scan cashout: %w", err)
		}
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

func (s *Store) InsertSeed(ctx context.Context, id uuid.UUID, secret, commitment string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO server_seeds (id, secret, commitment, active)
		VALUES ($1, $2, $3, true)`,
		id, secret, commitment,
	)
	if err != nil {
		return fmt.Errorf("insert seed %s: %w", id, err)
	}
	return nil
}

func (s *Store) RetireSeed(ctx context.Context, id uuid.UUID, disclosedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE server_seeds SET active = false, disclosed_at = $2
		WHERE id = $1`,
		id, disclosedAt,
	)
	if err != nil {
		return fmt.Errorf("retire seed %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetSeed(ctx context.Context, id uuid.UUID) (string, bool, error) {
	var secret string
	var active bool
	err := s.pool.QueryRow(ctx,
		`SELECT secret, active FROM server_seeds WHERE id = $1`, id,
	).Scan(&secret, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("get seed %s: %w", id, err)
	}
	return secret, active, nil
}
