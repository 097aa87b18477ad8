package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crashengine/internal/config"
	"crashengine/internal/fairness"
)

const (
	testServerSeed = "a3f8b9c2d1e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0"
	testClientSeed = "b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	after chan time.Time
	tick  chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		after: make(chan time.Time),
		tick:  make(chan time.Time),
	}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time { return f.after }

func (f *fakeClock) Tick(d time.Duration) (<-chan time.Time, func()) {
	return f.tick, func() {}
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// fireAfter and fireTick block until the engine loop is waiting on the
// corresponding channel, which keeps the test fully deterministic.
func (f *fakeClock) fireAfter() { f.after <- f.Now() }
func (f *fakeClock) fireTick()  { f.tick <- f.Now() }

type fakeSeeds struct {
	id     uuid.UUID
	secret string
}

func (s *fakeSeeds) Use(ctx context.Context) (uuid.UUID, string, string, error) {
	return s.id, s.secret, fairness.Commitment(s.secret), nil
}

type fakeStore struct {
	mu           sync.Mutex
	nextID       int64
	bets         []*Bet
	cashouts     map[uuid.UUID]float64
	finished     map[int64]float64
	active       map[int64]bool
	failActivate bool
}

func newFakeStore(nextID int64) *fakeStore {
	return &fakeStore{
		nextID:   nextID,
		cashouts: make(map[uuid.UUID]float64),
		finished: make(map[int64]float64),
		active:   make(map[int64]bool),
	}
}

func (s *fakeStore) CreateRound(ctx context.Context, seedID uuid.UUID, clientSeed string, startsAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *fakeStore) MarkActive(ctx context.Context, roundID int64, startsAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failActivate {
		return errors.New("store unavailable")
	}
	s.active[roundID] = true
	return nil
}

func (s *fakeStore) FinishRound(ctx context.Context, roundID int64, multiplier float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.finished[roundID]; !done {
		s.finished[roundID] = multiplier
	}
	return nil
}

func (s *fakeStore) InsertBet(ctx context.Context, b *Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bets = append(s.bets, b)
	return nil
}

func (s *fakeStore) RecordCashout(ctx context.Context, betID uuid.UUID, multiplier float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cashouts[betID] = multiplier
	return nil
}

func (s *fakeStore) finalMultiplier(roundID int64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.finished[roundID]
	return m, ok
}

type fakeLedger struct {
	mu          sync.Mutex
	escrows     []int64
	settleCalls int
	settleFails int
	settled     map[int64][]Credit
	attempted   chan struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		settled:   make(map[int64][]Credit),
		attempted: make(chan struct{}, 16),
	}
}

func (l *fakeLedger) Escrow(ctx context.Context, userID string, betID uuid.UUID, roundID int64, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.escrows = append(l.escrows, amount)
	return nil
}

func (l *fakeLedger) Settle(ctx context.Context, roundID int64, finalMultiplier float64, credits []Credit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleCalls++
	select {
	case l.attempted <- struct{}{}:
	default:
	}
	if l.settleFails > 0 {
		l.settleFails--
		return errors.New("ledger unavailable")
	}
	// Idempotent, like the real ledger.
	if _, done := l.settled[roundID]; done {
		return nil
	}
	l.settled[roundID] = credits
	return nil
}

func (l *fakeLedger) credits(roundID int64) []Credit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled[roundID]
}

type fakeHub struct {
	events chan map[string]interface{}
}

func newFakeHub() *fakeHub {
	return &fakeHub{events: make(chan map[string]interface{}, 256)}
}

func (h *fakeHub) Broadcast(v interface{}) {
	if msg, ok := v.(map[string]interface{}); ok {
		select {
		case h.events <- msg:
		default:
		}
	}
}

func (h *fakeHub) waitFor(t *testing.T, msgType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-h.events:
			if msg["type"] == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", msgType)
			return nil
		}
	}
}

type testRig struct {
	eng    *Engine
	clock  *fakeClock
	store  *fakeStore
	ledger *fakeLedger
	hub    *fakeHub
	crash  float64
	nonce  int64
}

// newTestRig builds an engine on fakes with pinned seed material, using
// a nonce whose crash point lands between 2x and 50x so a few early
// ticks stay safely below it.
func newTestRig(t *testing.T) *testRig {
	t.Helper()

	t.Setenv("GAME_MIN_BET", "1")
	t.Setenv("GAME_MAX_BET", "1000")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	settings := cfg.Snapshot()

	params := fairness.Params{
		MinMultiplier:           settings.MinMultiplier,
		MaxMultiplier:           settings.MaxMultiplier,
		TargetPayoutRatio:       settings.TargetPayoutRatio,
		InstantCrashProbability: settings.InstantCrashProbability,
	}
	var nonce int64
	var crash float64
	for n := int64(1); n <= 2000; n++ {
		c := fairness.CrashPoint(testServerSeed, testClientSeed, n, params)
		if c >= 2.0 && c <= 50.0 {
			nonce, crash = n, c
			break
		}
	}
	if nonce == 0 {
		t.Fatal("no suitable nonce found for test seed material")
	}

	clock := newFakeClock()
	store := newFakeStore(nonce)
	ledger := newFakeLedger()
	hub := newFakeHub()

	eng := New(cfg, &fakeSeeds{id: uuid.New(), secret: testServerSeed}, store, ledger, hub, clock)
	eng.clientSeedFn = func() string { return testClientSeed }

	return &testRig{eng: eng, clock: clock, store: store, ledger: ledger, hub: hub, crash: crash, nonce: nonce}
}

func (r *testRig) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.eng.Stop(ctx); err != nil {
		t.Fatalf("engine.Stop() error = %v", err)
	}
}

func reqCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEngine_FullRound(t *testing.T) {
	rig := newTestRig(t)
	rig.eng.Start()
	defer rig.stop(t)

	rig.hub.waitFor(t, "round_open")

	snap := rig.eng.CurrentRound()
	if snap == nil || snap.Status != StatusWaiting {
		t.Fatalf("expected WAITING snapshot, got %+v", snap)
	}
	if snap.Nonce != rig.nonce {
		t.Fatalf("snapshot nonce = %d, want %d", snap.Nonce, rig.nonce)
	}

	bet, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u1", Amount: 10})
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	// Close the betting window.
	rig.clock.fireAfter()
	rig.hub.waitFor(t, "round_active")

	// One early tick: growth(0.1s) = 1.06, well below the crash point.
	rig.clock.advance(100 * time.Millisecond)
	rig.clock.fireTick()
	rig.hub.waitFor(t, "tick")

	res, err := rig.eng.Cashout(reqCtx(t), CashoutRequest{UserID: "u1", BetID: bet.BetID})
	if err != nil {
		t.Fatalf("Cashout() error = %v", err)
	}
	if res.Multiplier != 1.06 {
		t.Errorf("cashout multiplier = %v, want 1.06", res.Multiplier)
	}
	if res.Payout != 11 { // round(10 * 1.06)
		t.Errorf("cashout payout = %d, want 11", res.Payout)
	}

	// Second cashout on the same bet must not alter anything.
	if _, err := rig.eng.Cashout(reqCtx(t), CashoutRequest{UserID: "u1", BetID: bet.BetID}); !errors.Is(err, ErrConflict) {
		t.Errorf("double cashout error = %v, want ErrConflict", err)
	}

	// Push the multiplier past the crash point.
	rig.clock.advance(10 * time.Minute)
	rig.clock.fireTick()
	msg := rig.hub.waitFor(t, "crash")

	if got := msg["multiplier"].(float64); got != rig.crash {
		t.Errorf("crash multiplier = %v, want %v", got, rig.crash)
	}
	if final, ok := rig.store.finalMultiplier(rig.nonce); !ok || final != rig.crash {
		t.Errorf("persisted final multiplier = %v (ok=%v), want %v", final, ok, rig.crash)
	}

	credits := rig.ledger.credits(rig.nonce)
	if len(credits) != 1 {
		t.Fatalf("settled credits = %d, want 1", len(credits))
	}
	if credits[0].BetID != bet.BetID || credits[0].Multiplier != 1.06 || credits[0].Amount != 10 {
		t.Errorf("unexpected credit %+v", credits[0])
	}
}

func TestEngine_BetAdmissibility(t *testing.T) {
	rig := newTestRig(t)
	rig.eng.Start()
	defer rig.stop(t)

	rig.hub.waitFor(t, "round_open")

	if _, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u1", Amount: 0}); !errors.Is(err, ErrValidation) {
		t.Errorf("zero-amount bet error = %v, want ErrValidation", err)
	}
	if _, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u1", Amount: 100000}); !errors.Is(err, ErrValidation) {
		t.Errorf("oversized bet error = %v, want ErrValidation", err)
	}

	bet, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u1", Amount: 50})
	if err != nil {
		t.Fatalf("valid bet rejected: %v", err)
	}

	rig.clock.fireAfter()
	rig.hub.waitFor(t, "round_active")

	// Bets are locked once the round is ACTIVE.
	if _, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u2", Amount: 50}); !errors.Is(err, ErrConflict) {
		t.Errorf("bet on ACTIVE round error = %v, want ErrConflict", err)
	}

	// The WAITING-phase bet is visible to a cashout now.
	rig.clock.advance(100 * time.Millisecond)
	rig.clock.fireTick()
	rig.hub.waitFor(t, "tick")

	if _, err := rig.eng.Cashout(reqCtx(t), CashoutRequest{UserID: "u1", BetID: bet.BetID}); err != nil {
		t.Errorf("cashout of WAITING-phase bet failed: %v", err)
	}
}

func TestEngine_CashoutConflicts(t *testing.T) {
	rig := newTestRig(t)
	rig.eng.Start()
	defer rig.stop(t)

	rig.hub.waitFor(t, "round_open")

	bet, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u1", Amount: 10})
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	// Cashout during WAITING is a conflict.
	if _, err := rig.eng.Cashout(reqCtx(t), CashoutRequest{UserID: "u1", BetID: bet.BetID}); !errors.Is(err, ErrConflict) {
		t.Errorf("cashout during WAITING error = %v, want ErrConflict", err)
	}

	rig.clock.fireAfter()
	rig.hub.waitFor(t, "round_active")
	rig.clock.advance(100 * time.Millisecond)
	rig.clock.fireTick()
	rig.hub.waitFor(t, "tick")

	// Unknown bet and wrong owner are conflicts.
	if _, err := rig.eng.Cashout(reqCtx(t), CashoutRequest{UserID: "u1", BetID: uuid.New()}); !errors.Is(err, ErrConflict) {
		t.Errorf("unknown bet error = %v, want ErrConflict", err)
	}
	if _, err := rig.eng.Cashout(reqCtx(t), CashoutRequest{UserID: "u2", BetID: bet.BetID}); !errors.Is(err, ErrConflict) {
		t.Errorf("wrong owner error = %v, want ErrConflict", err)
	}
}

func TestEngine_AutoCashout(t *testing.T) {
	rig := newTestRig(t)
	rig.eng.Start()
	defer rig.stop(t)

	rig.hub.waitFor(t, "round_open")

	bet, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u1", Amount: 20, AutoCashout: 1.5})
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	rig.clock.fireAfter()
	rig.hub.waitFor(t, "round_active")

	// growth(1s) = 1.67 >= 1.5, triggering the auto-cashout on this tick.
	rig.clock.advance(time.Second)
	rig.clock.fireTick()
	rig.hub.waitFor(t, "cashout")

	rig.clock.advance(10 * time.Minute)
	rig.clock.fireTick()
	rig.hub.waitFor(t, "crash")

	credits := rig.ledger.credits(rig.nonce)
	if len(credits) != 1 {
		t.Fatalf("settled credits = %d, want 1", len(credits))
	}
	if credits[0].BetID != bet.BetID || credits[0].Multiplier != 1.67 {
		t.Errorf("auto-cashout credit = %+v, want multiplier 1.67", credits[0])
	}
}

func TestEngine_ShutdownForcesRound(t *testing.T) {
	rig := newTestRig(t)
	rig.eng.Start()

	rig.hub.waitFor(t, "round_open")

	if _, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u1", Amount: 10}); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	rig.stop(t)

	// Forced resolution lands at the minimum multiplier with no credits.
	final, ok := rig.store.finalMultiplier(rig.nonce)
	if !ok || final != 1.0 {
		t.Fatalf("forced final multiplier = %v (ok=%v), want 1.0", final, ok)
	}
	if credits := rig.ledger.credits(rig.nonce); len(credits) != 0 {
		t.Errorf("forced round settled %d credits, want 0", len(credits))
	}
	if rig.eng.RoundOpen() {
		t.Error("RoundOpen() = true after shutdown")
	}
}

func TestEngine_ShutdownHonorsAcceptedCashouts(t *testing.T) {
	rig := newTestRig(t)
	rig.eng.Start()

	rig.hub.waitFor(t, "round_open")

	winner, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u1", Amount: 10})
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	if _, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u2", Amount: 10}); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	rig.clock.fireAfter()
	rig.hub.waitFor(t, "round_active")
	rig.clock.advance(100 * time.Millisecond)
	rig.clock.fireTick()
	rig.hub.waitFor(t, "tick")

	res, err := rig.eng.Cashout(reqCtx(t), CashoutRequest{UserID: "u1", BetID: winner.BetID})
	if err != nil {
		t.Fatalf("Cashout() error = %v", err)
	}

	rig.stop(t)

	// The forced final rises to the accepted cashout so the confirmed
	// payout stays within it; the un-cashed bet still loses.
	final, ok := rig.store.finalMultiplier(rig.nonce)
	if !ok || final != res.Multiplier {
		t.Fatalf("forced final multiplier = %v (ok=%v), want %v", final, ok, res.Multiplier)
	}
	credits := rig.ledger.credits(rig.nonce)
	if len(credits) != 1 {
		t.Fatalf("settled credits = %d, want 1", len(credits))
	}
	if credits[0].BetID != winner.BetID || credits[0].Multiplier != res.Multiplier {
		t.Errorf("settled credit = %+v, want bet %s at %v", credits[0], winner.BetID, res.Multiplier)
	}
}

func TestEngine_ActivationFailureEndsRound(t *testing.T) {
	rig := newTestRig(t)
	rig.store.failActivate = true
	rig.eng.Start()
	defer rig.stop(t)

	first := rig.hub.waitFor(t, "round_open")

	// The betting window closes but the round cannot go ACTIVE.
	rig.clock.fireAfter()
	msg := rig.hub.waitFor(t, "crash")
	if got := msg["multiplier"].(float64); got != 1.0 {
		t.Errorf("failed round crashed at %v, want 1.0", got)
	}

	// The failed round is terminal: no live ticks and no second crash,
	// just the inter-round pause and then a fresh round.
	rig.clock.fireAfter()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-rig.hub.events:
			switch ev["type"] {
			case "tick", "crash":
				t.Fatalf("unexpected %q event after the failed round", ev["type"])
			case "round_open":
				if got, want := ev["round_id"].(int64), first["round_id"].(int64)+1; got != want {
					t.Fatalf("next round id = %d, want %d", got, want)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the next round to open")
		}
	}
}

func TestEngine_SettlementRetries(t *testing.T) {
	rig := newTestRig(t)
	rig.ledger.settleFails = 2
	rig.eng.Start()

	rig.hub.waitFor(t, "round_open")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		done <- rig.eng.Stop(ctx)
	}()

	// Two failed attempts, each followed by a backoff wait. Waiting for
	// the attempt first guarantees the fire lands on the backoff timer
	// and not on some earlier phase timer.
	<-rig.ledger.attempted
	rig.clock.fireAfter()
	<-rig.ledger.attempted
	rig.clock.fireAfter()

	if err := <-done; err != nil {
		t.Fatalf("engine.Stop() error = %v", err)
	}

	rig.ledger.mu.Lock()
	calls := rig.ledger.settleCalls
	rig.ledger.mu.Unlock()
	if calls != 3 {
		t.Errorf("settle attempts = %d, want 3", calls)
	}
	if _, ok := rig.ledger.settled[rig.nonce]; !ok {
		t.Error("round never settled after retries")
	}
}

func TestEngine_QueuedCashoutBeatsCrashTick(t *testing.T) {
	rig := newTestRig(t)
	rig.eng.Start()
	defer rig.stop(t)

	rig.hub.waitFor(t, "round_open")

	bet, err := rig.eng.PlaceBet(reqCtx(t), BetRequest{UserID: "u1", Amount: 10})
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}

	rig.clock.fireAfter()
	rig.hub.waitFor(t, "round_active")

	rig.clock.advance(100 * time.Millisecond)
	rig.clock.fireTick()
	rig.hub.waitFor(t, "tick")

	// Queue a cashout without waiting for the loop to pick it up, then
	// deliver the crash tick. The drain policy must honor the queued
	// request at the last pre-crash multiplier.
	resp := make(chan result[CashoutResult], 1)
	rig.eng.cashoutCh <- cashoutEnvelope{req: CashoutRequest{UserID: "u1", BetID: bet.BetID}, resp: resp}

	rig.clock.advance(10 * time.Minute)
	rig.clock.fireTick()
	rig.hub.waitFor(t, "crash")

	res := <-resp
	if res.err != nil {
		t.Fatalf("queued cashout rejected: %v", res.err)
	}
	if res.val.Multiplier != 1.06 {
		t.Errorf("queued cashout multiplier = %v, want pre-crash 1.06", res.val.Multiplier)
	}

	credits := rig.ledger.credits(rig.nonce)
	if len(credits) != 1 || credits[0].Multiplier != 1.06 {
		t.Errorf("settled credit = %+v, want multiplier 1.06", credits)
	}
}

func TestGrowth(t *testing.T) {
	tests := []struct {
		elapsed float64
		want    float64
	}{
		{0, 1.0},
		{0.1, 1.06},
		{1, 1.67},
		{3, 3.04},
	}
	for _, tt := range tests {
		if got := Growth(tt.elapsed); got != tt.want {
			t.Errorf("Growth(%v) = %v, want %v", tt.elapsed, got, tt.want)
		}
	}
}
