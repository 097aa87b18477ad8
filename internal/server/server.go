package server

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crashengine/internal/cache"
	"crashengine/internal/config"
	"crashengine/internal/database"
	"crashengine/internal/engine"
	"crashengine/internal/ledger"
	"crashengine/internal/recovery"
	"crashengine/internal/seed"
	"crashengine/internal/store"
)

type FiberServer struct {
	*fiber.App

	cfg     *config.Config
	db      database.Service
	cache   cache.Service
	store   *store.Store
	ledger  *ledger.Ledger
	seeds   *seed.Manager
	engine  *engine.Engine
	sweeper *recovery.Sweeper
	hub     *Hub

	validate      *validator.Validate
	operatorToken string
}

func New() *FiberServer {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[SERVER] Invalid configuration: %v", err)
	}

	db := database.New()

	redisService := cache.New()
	if redisService == nil {
		log.Fatal("[SERVER] Redis is required for live round state")
	}

	st := store.New(db.Pool())
	ldg := ledger.New(db.Pool())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	seeds, err := seed.NewManager(ctx, st)
	if err != nil {
		log.Fatalf("[SERVER] Failed to initialize seed manager: %v", err)
	}

	hub := NewHub()
	mirror := &liveMirror{hub: hub, cache: redisService}

	eng := engine.New(cfg, seeds, st, ldg, mirror, engine.NewClock())
	seeds.SetOpenRoundCheck(eng.RoundOpen)

	sweeper := recovery.New(cfg, st, ldg)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashengine",
			AppName:       "crashengine",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:           cfg,
		db:            db,
		cache:         redisService,
		store:         st,
		ledger:        ldg,
		seeds:         seeds,
		engine:        eng,
		sweeper:       sweeper,
		hub:           hub,
		validate:      validator.New(),
		operatorToken: os.Getenv("OPERATOR_TOKEN"),
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	// Resolve anything left over from a previous process before the
	// engine opens its first round.
	if report, err := sweeper.SweepOnce(ctx); err != nil {
		log.Printf("[SERVER] Startup sweep failed: %v", err)
	} else if report.ForcedWaiting+report.ForcedActive+report.Resettled > 0 {
		log.Printf("[SERVER] Startup sweep resolved: waiting=%d active=%d resettled=%d",
			report.ForcedWaiting, report.ForcedActive, report.Resettled)
	}

	go hub.Run()
	eng.Start()
	sweeper.Start()

	log.Println("[SERVER] Round engine started")

	return server
}

// Shutdown forces the open round to a terminal state, then closes
// connections.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.engine.Stop(ctx); err != nil {
			log.Printf("[SERVER] Engine did not stop cleanly: %v", err)
		}
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}

// liveMirror fans engine events out to websocket clients and keeps the
// redis live-round mirror and recent-results strip current.
type liveMirror struct {
	hub   *Hub
	cache cache.Service
}

func (m *liveMirror) Broadcast(v interface{}) {
	m.hub.Broadcast(v)

	msg, ok := v.(map[string]interface{})
	if !ok || m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	switch msg["type"] {
	case "round_open", "round_active":
		if err := m.cache.StoreLiveRound(ctx, msg); err != nil {
			log.Printf("[SERVER] Failed to mirror round state: %v", err)
		}
	case "crash":
		// The mirror always holds the latest round event, so readers
		// that miss the engine snapshot see the crash, not a stale
		// open round.
		if err := m.cache.StoreLiveRound(ctx, msg); err != nil {
			log.Printf("[SERVER] Failed to mirror round state: %v", err)
		}
		roundID, _ := msg["round_id"].(int64)
		multiplier, _ := msg["multiplier"].(float64)
		if err := m.cache.PushResult(ctx, cache.Result{RoundID: roundID, Multiplier: multiplier}); err != nil {
			log.Printf("[SERVER] Failed to push round result: %v", err)
		}
	}
}
