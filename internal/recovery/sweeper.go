package recovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"crashengine/internal/config"
	"crashengine/internal/engine"
	"crashengine/internal/store"
)

// RoundSource is the slice of the store the sweeper needs.
type RoundSource interface {
	ListStaleRounds(ctx context.Context, cutoff time.Time) ([]store.RoundRecord, error)
	ListUnsettledRounds(ctx context.Context) ([]store.RoundRecord, error)
	FinishRound(ctx context.Context, roundID int64, multiplier float64) error
	ListRoundCredits(ctx context.Context, roundID int64, finalMultiplier float64) ([]engine.Credit, error)
	ListRoundCashouts(ctx context.Context, roundID int64) ([]engine.Credit, error)
}

// Settler re-drives idempotent settlement for recovered rounds.
type Settler interface {
	Settle(ctx context.Context, roundID int64, finalMultiplier float64, credits []engine.Credit) error
}

// Report counts what one sweep resolved, keyed by what the round looked
// like when it was found.
type Report struct {
	ForcedWaiting int `json:"forced_waiting"`
	ForcedActive  int `json:"forced_active"`
	Resettled     int `json:"resettled"`
}

// Sweeper is the correctness backstop for rounds that never reached a
// terminal state: process restarts, stalled timers, settlement crashes.
// It forces stale rounds to FINISHED (persisted cashouts are paid, every
// un-cashed bet loses) and re-drives settlement for finished rounds that
// never claimed their settlement row.
type Sweeper struct {
	cfg     *config.Config
	rounds  RoundSource
	settler Settler
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(cfg *config.Config, rounds RoundSource, settler Settler) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		rounds:  rounds,
		settler: settler,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Snapshot().SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			report, err := s.SweepOnce(ctx)
			cancel()
			if err != nil {
				log.Printf("[RECOVERY] Sweep failed: %v", err)
				continue
			}
			if report.ForcedWaiting+report.ForcedActive+report.Resettled > 0 {
				log.Printf("[RECOVERY] Sweep resolved: waiting=%d active=%d resettled=%d",
					report.ForcedWaiting, report.ForcedActive, report.Resettled)
			}
		case <-s.stopCh:
			return
		}
	}
}

// SweepOnce scans for stuck and unsettled rounds and resolves them.
// Safe to run concurrently with a live engine: the engine's own round is
// younger than the stale threshold, and settlement is idempotent.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var report Report
	settings := s.cfg.Snapshot()

	cutoff := time.Now().Add(-settings.StaleThreshold)
	stale, err := s.rounds.ListStaleRounds(ctx, cutoff)
	if err != nil {
		return report, err
	}

	for _, r := range stale {
		// Operational anomaly, never surfaced to players.
		log.Printf("[RECOVERY] %v: round %d stuck in %s since %s, forcing resolution",
			engine.ErrStaleRound, r.ID, r.Status, r.CreatedAt.Format(time.RFC3339))

		if err := s.force(ctx, r.ID, settings.MinMultiplier); err != nil {
			return report, fmt.Errorf("force round %d: %w", r.ID, err)
		}
		switch r.Status {
		case string(engine.StatusWaiting):
			report.ForcedWaiting++
		case string(engine.StatusActive):
			report.ForcedActive++
		}
	}

	unsettled, err := s.rounds.ListUnsettledRounds(ctx)
	if err != nil {
		return report, err
	}
	for _, r := range unsettled {
		final := settings.MinMultiplier
		if r.Multiplier != nil {
			final = *r.Multiplier
		}
		credits, err := s.rounds.ListRoundCredits(ctx, r.ID, final)
		if err != nil {
			return report, err
		}
		if err := s.settler.Settle(ctx, r.ID, final, credits); err != nil {
			return report, fmt.Errorf("resettle round %d: %w", r.ID, err)
		}
		report.Resettled++
	}

	return report, nil
}

// force resolves a stuck round. Cashouts already persisted were accepted
// while the round was live and stay payable, so the forced final is the
// highest of them, never below the minimum multiplier.
func (s *Sweeper) force(ctx context.Context, roundID int64, minMultiplier float64) error {
	cashouts, err := s.rounds.ListRoundCashouts(ctx, roundID)
	if err != nil {
		return err
	}
	final := minMultiplier
	for _, c := range cashouts {
		if c.Multiplier > final {
			final = c.Multiplier
		}
	}
	if err := s.rounds.FinishRound(ctx, roundID, final); err != nil {
		return err
	}
	return s.settler.Settle(ctx, roundID, final, cashouts)
}
