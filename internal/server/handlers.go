package server

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crashengine/internal/cache"
	"crashengine/internal/engine"
	"crashengine/internal/ledger"
	"crashengine/internal/seed"
	"crashengine/internal/store"
	"crashengine/pkg/verify"
)

const requestTimeout = 5 * time.Second

// statusForErr maps the engine's error taxonomy onto HTTP statuses.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, engine.ErrConflict),
		errors.Is(err, engine.ErrSeedRotationConflict):
		return fiber.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}

func errJSON(c *fiber.Ctx, err error) error {
	return c.Status(statusForErr(err)).JSON(fiber.Map{"error": err.Error()})
}

// getRoundHandler returns the public snapshot of the open round. When
// the engine has no snapshot it falls back to the redis mirror, which
// holds the last broadcast round event.
func (s *FiberServer) getRoundHandler(c *fiber.Ctx) error {
	state := s.engine.CurrentRound()
	if state != nil {
		return c.JSON(state)
	}
	if s.cache != nil {
		var mirrored map[string]interface{}
		if err := s.cache.LiveRound(c.Context(), &mirrored); err == nil {
			return c.JSON(mirrored)
		}
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "no open round",
	})
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req engine.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := s.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	res, err := s.engine.PlaceBet(c.Context(), req)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req engine.CashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := s.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	res, err := s.engine.Cashout(c.Context(), req)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(res)
}

// getRoundRecordHandler serves the persisted round row for audits.
func (s *FiberServer) getRoundRecordHandler(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "round id must be a positive integer",
		})
	}
	record, err := s.store.GetRound(c.Context(), id)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(record)
}

func (s *FiberServer) recentResultsHandler(c *fiber.Ctx) error {
	n, _ := strconv.ParseInt(c.Query("limit", "20"), 10, 64)
	results, err := s.cache.RecentResults(c.Context(), n)
	if err != nil {
		return errJSON(c, err)
	}
	if results == nil {
		results = []cache.Result{}
	}
	return c.JSON(fiber.Map{"results": results})
}

func (s *FiberServer) commitmentHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"commitment": s.seeds.CurrentCommitment()})
}

// discloseSeedHandler returns the raw secret of a retired seed so anyone
// can replay the rounds it anchored.
func (s *FiberServer) discloseSeedHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "seed id must be a uuid",
		})
	}
	secret, err := s.seeds.Disclose(c.Context(), id)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{"seed_id": id, "server_seed": secret})
}

// rotateSeedHandler atomically rotates the server seed and returns the
// previous one for publication. Operator-authenticated.
func (s *FiberServer) rotateSeedHandler(c *fiber.Ctx) error {
	var body struct {
		ServerSeed string `json:"server_seed"`
	}
	// Body is optional; without one a random seed is generated.
	_ = c.BodyParser(&body)

	var (
		prev seed.Disclosed
		err  error
	)
	if body.ServerSeed != "" {
		prev, err = s.seeds.RotateTo(c.Context(), body.ServerSeed)
	} else {
		prev, err = s.seeds.Rotate(c.Context())
	}
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{
		"previous":   prev,
		"commitment": s.seeds.CurrentCommitment(),
	})
}

// verifyHandler replays the crash point derivation for disclosed seed
// material. Public, no authentication.
func (s *FiberServer) verifyHandler(c *fiber.Ctx) error {
	nonce, err := strconv.ParseInt(c.Query("nonce"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "nonce must be a positive integer",
		})
	}

	in := verify.Input{
		ServerSeed: c.Query("server_seed"),
		ClientSeed: c.Query("client_seed"),
		Nonce:      nonce,
	}
	if v := c.Query("payout_ratio"); v != "" {
		in.TargetPayoutRatio, _ = strconv.ParseFloat(v, 64)
	}
	if v := c.Query("instant_crash_probability"); v != "" {
		in.InstantCrashProbability, _ = strconv.ParseFloat(v, 64)
	}
	settings := s.cfg.Snapshot()
	in.MinMultiplier = settings.MinMultiplier
	in.MaxMultiplier = settings.MaxMultiplier
	if in.TargetPayoutRatio == 0 {
		in.TargetPayoutRatio = settings.TargetPayoutRatio
	}
	if in.InstantCrashProbability == 0 {
		in.InstantCrashProbability = settings.InstantCrashProbability
	}

	multiplier, err := verify.CrashPoint(in)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"server_seed": in.ServerSeed,
		"client_seed": in.ClientSeed,
		"nonce":       nonce,
		"multiplier":  multiplier,
	})
}

func (s *FiberServer) getBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user id is required",
		})
	}
	balance, err := s.ledger.Balance(c.Context(), userID)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
	})
}

// depositHandler credits a player's balance. Operator-authenticated;
// real deposits arrive through an external payment collaborator.
func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user id is required",
		})
	}
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := s.ledger.Deposit(c.Context(), userID, body.Amount); err != nil {
		return errJSON(c, err)
	}
	balance, err := s.ledger.Balance(c.Context(), userID)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
	})
}
