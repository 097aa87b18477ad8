package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
)

// Bet is one player's stake in the current round. Amount is integer
// currency units. CashedAt is nil until the player cashes out; it is set
// at most once and only by the engine loop.
type Bet struct {
	ID          uuid.UUID `json:"bet_id"`
	RoundID     int64     `json:"round_id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	AutoCashout float64   `json:"auto_cashout,omitempty"`
	CashedAt    *float64  `json:"cashed_at,omitempty"`
	PlacedAt    time.Time `json:"placed_at"`
}

// round is the engine-private state of the single open round. Only the
// engine loop touches it.
type round struct {
	id         int64
	status     Status
	seedID     uuid.UUID
	serverSeed string
	commitment string
	clientSeed string
	crashPoint float64
	current    float64
	startsAt   time.Time
	createdAt  time.Time
	bets       map[uuid.UUID]*Bet
}

// Snapshot is the public view of the open round. It never carries the
// server seed or the crash point.
type Snapshot struct {
	RoundID           int64     `json:"round_id"`
	Status            Status    `json:"status"`
	Commitment        string    `json:"commitment"`
	ClientSeed        string    `json:"client_seed"`
	Nonce             int64     `json:"nonce"`
	CurrentMultiplier float64   `json:"current_multiplier"`
	StartsAt          time.Time `json:"starts_at"`
	FinalMultiplier   *float64  `json:"final_multiplier,omitempty"`
	BetCount          int       `json:"bet_count"`
}

type BetRequest struct {
	UserID      string  `json:"user_id" validate:"required"`
	Amount      int64   `json:"amount" validate:"gt=0"`
	AutoCashout float64 `json:"auto_cashout,omitempty" validate:"omitempty,gte=1"`
}

type BetResult struct {
	BetID   uuid.UUID `json:"bet_id"`
	RoundID int64     `json:"round_id"`
}

type CashoutRequest struct {
	UserID string    `json:"user_id" validate:"required"`
	BetID  uuid.UUID `json:"bet_id" validate:"required"`
}

type CashoutResult struct {
	BetID      uuid.UUID `json:"bet_id"`
	Multiplier float64   `json:"multiplier"`
	Payout     int64     `json:"payout"`
}

type betEnvelope struct {
	req  BetRequest
	resp chan result[BetResult]
}

type cashoutEnvelope struct {
	req  CashoutRequest
	resp chan result[CashoutResult]
}

type result[T any] struct {
	val T
	err error
}

// Credit is one winning bet to pay at settlement.
type Credit struct {
	BetID      uuid.UUID
	UserID     string
	Amount     int64
	Multiplier float64
}

// SeedSource hands the engine the committed server seed for a new round.
// Use must only return seeds whose commitment is already durable.
type SeedSource interface {
	Use(ctx context.Context) (id uuid.UUID, secret, commitment string, err error)
}

// RoundStore persists round lifecycle transitions for recovery and audit.
// FinishRound must be durable before settlement runs so a crash in
// between leaves a re-drivable round, never a half-settled one.
type RoundStore interface {
	CreateRound(ctx context.Context, seedID uuid.UUID, clientSeed string, startsAt time.Time) (int64, error)
	MarkActive(ctx context.Context, roundID int64, startsAt time.Time) error
	FinishRound(ctx context.Context, roundID int64, multiplier float64) error
	InsertBet(ctx context.Context, b *Bet) error
	RecordCashout(ctx context.Context, betID uuid.UUID, multiplier float64) error
}

// Ledger escrows stakes at placement and applies round settlement.
// Settle must be atomic and idempotent per round id.
type Ledger interface {
	Escrow(ctx context.Context, userID string, betID uuid.UUID, roundID int64, amount int64) error
	Settle(ctx context.Context, roundID int64, finalMultiplier float64, credits []Credit) error
}

// Broadcaster streams round events to connected clients.
type Broadcaster interface {
	Broadcast(v interface{})
}
