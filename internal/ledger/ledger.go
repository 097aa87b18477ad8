package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crashengine/internal/engine"
)

// Ledger owns all balance mutation. Stakes are escrowed when a bet is
// placed; settlement credits winners exactly once per round.
type Ledger struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

var ErrInsufficientBalance = errors.New("insufficient balance")

// Escrow atomically deducts the stake from the player's balance and
// records the transaction. Fails without side effects when the balance
// does not cover the stake.
func (l *Ledger) Escrow(ctx context.Context, userID string, betID uuid.UUID, roundID int64, amount int64) error {
	stake := decimal.NewFromInt(amount)

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin escrow: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE balances SET balance = balance - $2, updated_at = now()
		WHERE user_id = $1 AND balance >= $2`,
		userID, stake,
	)
	if err != nil {
		return fmt.Errorf("escrow stake: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO balance_transactions (user_id, round_id, bet_id, amount, kind)
		VALUES ($1, $2, $3, $4, 'escrow')`,
		userID, roundID, betID, stake.Neg(),
	)
	if err != nil {
		return fmt.Errorf("record escrow: %w", err)
	}

	return tx.Commit(ctx)
}

// Settle applies a round's payouts in one transaction, exactly once.
// The round_settlements claim is the idempotency key: a replay of the
// same round id commits nothing.
func (l *Ledger) Settle(ctx context.Context, roundID int64, finalMultiplier float64, credits []engine.Credit) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO round_settlements (round_id, final_multiplier)
		VALUES ($1, $2)
		ON CONFLICT (round_id) DO NOTHING`,
		roundID, finalMultiplier,
	)
	if err != nil {
		return fmt.Errorf("claim settlement for round %d: %w", roundID, err)
	}
	if tag.RowsAffected() == 0 {
		log.Printf("[LEDGER] Round %d already settled, skipping replay", roundID)
		return tx.Commit(ctx)
	}

	for _, c := range credits {
		payout := decimal.NewFromInt(c.Amount).
			Mul(decimal.NewFromFloat(c.Multiplier)).
			Round(2)

		_, err = tx.Exec(ctx, `
			INSERT INTO balances (user_id, balance)
			VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE
			SET balance = balances.balance + EXCLUDED.balance, updated_at = now()`,
			c.UserID, payout,
		)
		if err != nil {
			return fmt.Errorf("credit user %s for round %d: %w", c.UserID, roundID, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO balance_transactions (user_id, round_id, bet_id, amount, kind)
			VALUES ($1, $2, $3, $4, 'payout')`,
			c.UserID, roundID, c.BetID, payout,
		)
		if err != nil {
			return fmt.Errorf("record payout for bet %s: %w", c.BetID, err)
		}

		// Authoritative cashout persist; no-op when the live write
		// already landed.
		_, err = tx.Exec(ctx, `
			UPDATE bets SET cashed_at = $2, updated_at = now()
			WHERE id = $1 AND cashed_at IS NULL`,
			c.BetID, c.Multiplier,
		)
		if err != nil {
			return fmt.Errorf("persist cashout for bet %s: %w", c.BetID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settlement for round %d: %w", roundID, err)
	}

	log.Printf("[LEDGER] Round %d settled at %.2fx, %d payouts", roundID, finalMultiplier, len(credits))
	return nil
}

// Balance returns the player's current balance, zero for unknown users.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM balances WHERE user_id = $1`, userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance for %s: %w", userID, err)
	}
	return balance, nil
}

// Deposit credits a player's balance outside of round settlement.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: deposit must not be negative", engine.ErrValidation)
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO balances (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = balances.balance + EXCLUDED.balance, updated_at = now()`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("deposit for %s: %w", userID, err)
	}
	return nil
}
