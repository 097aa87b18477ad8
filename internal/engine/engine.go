package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"crashengine/internal/config"
	"crashengine/internal/fairness"
)

const (
	requestQueueSize = 1000
	storeTimeout     = 5 * time.Second
	settleAttempts   = 3
	settleBackoff    = time.Second
)

// Engine runs the single process-wide crash round. All round state is
// owned by one loop goroutine; bets, cashouts, timers and shutdown
// serialize through it, so a cashout and the crash tick can never
// interleave on a half-updated round.
type Engine struct {
	cfg    *config.Config
	seeds  SeedSource
	store  RoundStore
	ledger Ledger
	hub    Broadcaster
	clock  Clock

	betCh     chan betEnvelope
	cashoutCh chan cashoutEnvelope
	stopCh    chan struct{}
	doneCh    chan struct{}

	// Replaceable so tests can pin the full seed material of a round.
	clientSeedFn func() string

	mu      sync.RWMutex
	current *round
}

func New(cfg *config.Config, seeds SeedSource, store RoundStore, ledger Ledger, hub Broadcaster, clock Clock) *Engine {
	return &Engine{
		cfg:       cfg,
		seeds:     seeds,
		store:     store,
		ledger:    ledger,
		hub:       hub,
		clock:     clock,
		betCh:     make(chan betEnvelope, requestQueueSize),
		cashoutCh: make(chan cashoutEnvelope, requestQueueSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),

		clientSeedFn: fairness.GenerateClientSeed,
	}
}

func (e *Engine) Start() {
	go e.loop()
}

// Stop forces any open round to a terminal state and waits for the loop
// to exit.
func (e *Engine) Stop(ctx context.Context) error {
	close(e.stopCh)
	select {
	case <-e.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoundOpen reports whether a round is currently WAITING or ACTIVE.
// The seed manager consults this before allowing a rotation.
func (e *Engine) RoundOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current != nil && e.current.status != StatusFinished
}

// CurrentRound returns the public snapshot of the open round, or nil
// between rounds.
func (e *Engine) CurrentRound() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return nil
	}
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() *Snapshot {
	r := e.current
	s := &Snapshot{
		RoundID:           r.id,
		Status:            r.status,
		Commitment:        r.commitment,
		ClientSeed:        r.clientSeed,
		Nonce:             r.id,
		CurrentMultiplier: r.current,
		StartsAt:          r.startsAt,
		BetCount:          len(r.bets),
	}
	if r.status == StatusFinished {
		final := r.current
		s.FinalMultiplier = &final
	}
	return s
}

// PlaceBet submits a bet into the round loop and waits for its verdict.
func (e *Engine) PlaceBet(ctx context.Context, req BetRequest) (BetResult, error) {
	env := betEnvelope{req: req, resp: make(chan result[BetResult], 1)}
	select {
	case e.betCh <- env:
	case <-ctx.Done():
		return BetResult{}, fmt.Errorf("%w: bet queue full", ErrConflict)
	}
	select {
	case res := <-env.resp:
		return res.val, res.err
	case <-ctx.Done():
		return BetResult{}, ctx.Err()
	}
}

// Cashout submits a cashout request into the round loop.
func (e *Engine) Cashout(ctx context.Context, req CashoutRequest) (CashoutResult, error) {
	env := cashoutEnvelope{req: req, resp: make(chan result[CashoutResult], 1)}
	select {
	case e.cashoutCh <- env:
	case <-ctx.Done():
		return CashoutResult{}, fmt.Errorf("%w: cashout queue full", ErrConflict)
	}
	select {
	case res := <-env.resp:
		return res.val, res.err
	case <-ctx.Done():
		return CashoutResult{}, ctx.Err()
	}
}

func (e *Engine) loop() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			log.Println("[ENGINE] Round loop stopped")
			return
		default:
		}
		if done := e.runRound(); done {
			return
		}
	}
}

// runRound drives one full WAITING -> ACTIVE -> FINISHED cycle. It
// returns true when the engine is shutting down.
func (e *Engine) runRound() bool {
	settings := e.cfg.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	seedID, serverSeed, commitment, err := e.seeds.Use(ctx)
	cancel()
	if err != nil {
		log.Printf("[ENGINE] Seed unavailable: %v", err)
		return e.idle(time.Second)
	}

	clientSeed := e.clientSeedFn()
	startsAt := e.clock.Now().Add(settings.BettingWindow)

	ctx, cancel = context.WithTimeout(context.Background(), storeTimeout)
	roundID, err := e.store.CreateRound(ctx, seedID, clientSeed, startsAt)
	cancel()
	if err != nil {
		log.Printf("[ENGINE] Failed to open round: %v", err)
		return e.idle(time.Second)
	}

	crashPoint := fairness.CrashPoint(serverSeed, clientSeed, roundID, fairness.Params{
		MinMultiplier:           settings.MinMultiplier,
		MaxMultiplier:           settings.MaxMultiplier,
		TargetPayoutRatio:       settings.TargetPayoutRatio,
		InstantCrashProbability: settings.InstantCrashProbability,
	})

	r := &round{
		id:         roundID,
		status:     StatusWaiting,
		seedID:     seedID,
		serverSeed: serverSeed,
		commitment: commitment,
		clientSeed: clientSeed,
		crashPoint: crashPoint,
		current:    settings.MinMultiplier,
		startsAt:   startsAt,
		createdAt:  e.clock.Now(),
		bets:       make(map[uuid.UUID]*Bet),
	}
	e.setCurrent(r)

	log.Printf("[ENGINE] Round %d open, commitment %s...", roundID, commitment[:16])

	e.hub.Broadcast(map[string]interface{}{
		"type":       "round_open",
		"round_id":   roundID,
		"commitment": commitment,
		"client_seed": clientSeed,
		"nonce":      roundID,
		"starts_in":  settings.BettingWindow.Seconds(),
	})

	if done := e.bettingPhase(r, settings); done {
		return true
	}
	// Activation can fail and resolve the round early; only a round that
	// actually went ACTIVE gets a multiplier run.
	if r.status == StatusActive {
		if done := e.activePhase(r, settings); done {
			return true
		}
	}
	return e.idle(settings.InterRoundPause)
}

func (e *Engine) bettingPhase(r *round, settings config.Settings) bool {
	window := e.clock.After(settings.BettingWindow)
	for {
		select {
		case <-window:
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			now := e.clock.Now()
			err := e.store.MarkActive(ctx, r.id, now)
			cancel()
			if err != nil {
				log.Printf("[ENGINE] Failed to activate round %d: %v", r.id, err)
				e.resolve(r, settings, forcedFinal(r, settings))
				return false
			}
			e.mu.Lock()
			r.status = StatusActive
			r.startsAt = now
			e.mu.Unlock()
			e.hub.Broadcast(map[string]interface{}{
				"type":     "round_active",
				"round_id": r.id,
			})
			return false
		case env := <-e.betCh:
			e.handleBet(r, settings, env)
		case env := <-e.cashoutCh:
			env.resp <- result[CashoutResult]{err: fmt.Errorf("%w: round is not active", ErrConflict)}
		case <-e.stopCh:
			e.resolve(r, settings, forcedFinal(r, settings))
			return true
		}
	}
}

func (e *Engine) activePhase(r *round, settings config.Settings) bool {
	ticks, stopTicks := e.clock.Tick(settings.TickInterval)
	defer stopTicks()

	for {
		select {
		case <-ticks:
			elapsed := e.clock.Now().Sub(r.startsAt).Seconds()
			next := Growth(elapsed)
			if next >= r.crashPoint {
				// Cashouts already queued beat the crash. They are
				// honored at the last committed multiplier, which is
				// still below the crash point.
				e.drainCashouts(r)
				e.resolve(r, settings, r.crashPoint)
				return false
			}
			e.mu.Lock()
			r.current = next
			e.mu.Unlock()
			e.autoCashouts(r)
			e.hub.Broadcast(map[string]interface{}{
				"type":       "tick",
				"round_id":   r.id,
				"multiplier": next,
			})
		case env := <-e.cashoutCh:
			e.handleCashout(r, env)
		case env := <-e.betCh:
			env.resp <- result[BetResult]{err: fmt.Errorf("%w: betting is closed", ErrConflict)}
		case <-e.stopCh:
			e.resolve(r, settings, forcedFinal(r, settings))
			return true
		}
	}
}

// idle rejects requests between rounds for d, returning true on shutdown.
func (e *Engine) idle(d time.Duration) bool {
	pause := e.clock.After(d)
	for {
		select {
		case <-pause:
			return false
		case env := <-e.betCh:
			env.resp <- result[BetResult]{err: fmt.Errorf("%w: no open round", ErrConflict)}
		case env := <-e.cashoutCh:
			env.resp <- result[CashoutResult]{err: fmt.Errorf("%w: no open round", ErrConflict)}
		case <-e.stopCh:
			return true
		}
	}
}

func (e *Engine) handleBet(r *round, settings config.Settings, env betEnvelope) {
	req := env.req
	if req.Amount < settings.MinBet || req.Amount > settings.MaxBet {
		env.resp <- result[BetResult]{err: fmt.Errorf("%w: bet must be between %d and %d", ErrValidation, settings.MinBet, settings.MaxBet)}
		return
	}
	if r.status != StatusWaiting {
		env.resp <- result[BetResult]{err: fmt.Errorf("%w: betting is closed", ErrConflict)}
		return
	}

	bet := &Bet{
		ID:          uuid.New(),
		RoundID:     r.id,
		UserID:      req.UserID,
		Amount:      req.Amount,
		AutoCashout: req.AutoCashout,
		PlacedAt:    e.clock.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.ledger.Escrow(ctx, req.UserID, bet.ID, r.id, req.Amount); err != nil {
		env.resp <- result[BetResult]{err: fmt.Errorf("%w: %v", ErrValidation, err)}
		return
	}
	if err := e.store.InsertBet(ctx, bet); err != nil {
		// The stake is already escrowed; keep the bet playable and let
		// settlement reconcile the missing row.
		log.Printf("[ENGINE] Failed to persist bet %s: %v", bet.ID, err)
	}

	e.mu.Lock()
	r.bets[bet.ID] = bet
	e.mu.Unlock()

	env.resp <- result[BetResult]{val: BetResult{BetID: bet.ID, RoundID: r.id}}

	e.hub.Broadcast(map[string]interface{}{
		"type":     "bet_placed",
		"round_id": r.id,
		"user_id":  req.UserID,
		"amount":   req.Amount,
	})
}

func (e *Engine) handleCashout(r *round, env cashoutEnvelope) {
	res, err := e.applyCashout(r, env.req.UserID, env.req.BetID)
	env.resp <- result[CashoutResult]{val: res, err: err}
}

func (e *Engine) applyCashout(r *round, userID string, betID uuid.UUID) (CashoutResult, error) {
	if r.status != StatusActive {
		return CashoutResult{}, fmt.Errorf("%w: round is not active", ErrConflict)
	}
	bet, ok := r.bets[betID]
	if !ok || bet.UserID != userID {
		return CashoutResult{}, fmt.Errorf("%w: bet not found", ErrConflict)
	}
	if bet.CashedAt != nil {
		return CashoutResult{}, fmt.Errorf("%w: already cashed out", ErrConflict)
	}

	multiplier := r.current
	e.mu.Lock()
	bet.CashedAt = &multiplier
	e.mu.Unlock()

	// Best effort; settlement is the authoritative write.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := e.store.RecordCashout(ctx, betID, multiplier); err != nil {
			log.Printf("[ENGINE] Failed to record cashout %s: %v", betID, err)
		}
	}()

	payout := int64(math.Round(float64(bet.Amount) * multiplier))

	e.hub.Broadcast(map[string]interface{}{
		"type":       "cashout",
		"round_id":   r.id,
		"user_id":    userID,
		"bet_id":     betID,
		"multiplier": multiplier,
	})

	return CashoutResult{BetID: betID, Multiplier: multiplier, Payout: payout}, nil
}

// drainCashouts empties the cashout queue on the crash tick, before the
// FINISHED transition commits.
func (e *Engine) drainCashouts(r *round) {
	for {
		select {
		case env := <-e.cashoutCh:
			e.handleCashout(r, env)
		default:
			return
		}
	}
}

func (e *Engine) autoCashouts(r *round) {
	for id, bet := range r.bets {
		if bet.CashedAt == nil && bet.AutoCashout > 0 && r.current >= bet.AutoCashout {
			if _, err := e.applyCashout(r, bet.UserID, id); err != nil {
				log.Printf("[ENGINE] Auto-cashout %s failed: %v", id, err)
			}
		}
	}
}

// forcedFinal picks the terminal multiplier for a round that did not
// crash on its own. Every accepted cashout was admitted below the crash
// point and stays payable, so the forced final is the highest cashout,
// never below the configured minimum.
func forcedFinal(r *round, settings config.Settings) float64 {
	final := settings.MinMultiplier
	for _, bet := range r.bets {
		if bet.CashedAt != nil && *bet.CashedAt > final {
			final = *bet.CashedAt
		}
	}
	return final
}

// resolve commits the terminal transition and runs settlement. Settlement
// only starts after the FINISHED status is durable, so a crash in between
// is re-drivable by the recovery sweep without double effects.
func (e *Engine) resolve(r *round, settings config.Settings, final float64) {
	e.mu.Lock()
	r.status = StatusFinished
	r.current = final
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	err := e.store.FinishRound(ctx, r.id, final)
	cancel()
	if err != nil {
		log.Printf("[ENGINE] Failed to finish round %d: %v", r.id, err)
	}

	var credits []Credit
	for _, bet := range r.bets {
		if bet.CashedAt != nil && *bet.CashedAt <= final {
			credits = append(credits, Credit{
				BetID:      bet.ID,
				UserID:     bet.UserID,
				Amount:     bet.Amount,
				Multiplier: *bet.CashedAt,
			})
		}
	}

	if err := e.settle(r.id, final, credits); err != nil {
		log.Printf("[ENGINE] Settlement for round %d failed, left to recovery: %v", r.id, err)
	}

	e.hub.Broadcast(map[string]interface{}{
		"type":       "crash",
		"round_id":   r.id,
		"multiplier": final,
	})

	log.Printf("[ENGINE] Round %d finished at %.2fx (%d bets, %d paid)", r.id, final, len(r.bets), len(credits))
}

func (e *Engine) settle(roundID int64, final float64, credits []Credit) error {
	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err = e.ledger.Settle(ctx, roundID, final, credits)
		cancel()
		if err == nil {
			return nil
		}
		log.Printf("[ENGINE] Settlement attempt %d for round %d: %v", attempt, roundID, err)
		<-e.clock.After(settleBackoff)
	}
	return fmt.Errorf("%w: %v", ErrSettlementFailure, err)
}

func (e *Engine) setCurrent(r *round) {
	e.mu.Lock()
	e.current = r
	e.mu.Unlock()
}

// Growth maps elapsed seconds since round start to the live multiplier.
// Monotonic, truncated to 2 decimals so every streamed value is exact.
func Growth(elapsed float64) float64 {
	m := 1.0 + elapsed/1.5 + elapsed*elapsed*0.005
	return float64(int(m*100)) / 100.0
}
