package server

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"

	"crashengine/internal/engine"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type,X-Operator-Token",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/round", s.getRoundHandler)
	api.Post("/round/bet", s.placeBetHandler)
	api.Post("/round/cashout", s.cashoutHandler)
	api.Get("/rounds/recent", s.recentResultsHandler)
	api.Get("/rounds/:id", s.getRoundRecordHandler)

	api.Get("/seed/commitment", s.commitmentHandler)
	api.Get("/seed/:id", s.discloseSeedHandler)
	api.Post("/seed/rotate", s.operatorOnly, s.rotateSeedHandler)

	api.Get("/verify", s.verifyHandler)

	api.Get("/user/:userId/balance", s.getBalanceHandler)
	api.Post("/user/:userId/deposit", s.operatorOnly, s.depositHandler)

	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
		"cache":    s.cache.Health(),
		"game": fiber.Map{
			"round_open":        s.engine.RoundOpen(),
			"connected_clients": s.hub.GetClientCount(),
		},
	}
	return c.JSON(health)
}

// operatorOnly guards endpoints that change house state.
func (s *FiberServer) operatorOnly(c *fiber.Ctx) error {
	if s.operatorToken == "" || c.Get("X-Operator-Token") != s.operatorToken {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "operator token required",
		})
	}
	return c.Next()
}

// gameWebSocketHandler streams round events and accepts bet/cashout
// messages over one connection.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")

	log.Printf("[WS] New connection from user: %s", userID)

	client := s.hub.RegisterClient(conn, userID)
	client.SendInitialState(s.engine.CurrentRound())

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for user %s: %v", userID, err)
			s.hub.UnregisterClient(conn)
			break
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var clientMsg struct {
			Type        string  `json:"type"`
			Amount      int64   `json:"amount"`
			AutoCashout float64 `json:"auto_cashout"`
			BetID       string  `json:"bet_id"`
		}
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			continue
		}

		switch clientMsg.Type {
		case "place_bet":
			s.wsPlaceBet(conn, userID, clientMsg.Amount, clientMsg.AutoCashout)

		case "cashout":
			s.wsCashout(conn, userID, clientMsg.BetID)

		case "ping":
			pongJSON, _ := json.Marshal(map[string]string{"type": "pong"})
			conn.WriteMessage(websocket.TextMessage, pongJSON)
		}
	}
}

func (s *FiberServer) wsPlaceBet(conn *websocket.Conn, userID string, amount int64, autoCashout float64) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	res, err := s.engine.PlaceBet(ctx, engine.BetRequest{
		UserID:      userID,
		Amount:      amount,
		AutoCashout: autoCashout,
	})
	writeWSResult(conn, "bet_result", res, err)
}

func (s *FiberServer) wsCashout(conn *websocket.Conn, userID, rawBetID string) {
	betID, err := uuid.Parse(rawBetID)
	if err != nil {
		writeWSResult(conn, "cashout_result", nil, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	res, err := s.engine.Cashout(ctx, engine.CashoutRequest{
		UserID: userID,
		BetID:  betID,
	})
	writeWSResult(conn, "cashout_result", res, err)
}

func writeWSResult(conn *websocket.Conn, msgType string, data interface{}, err error) {
	payload := map[string]interface{}{"type": msgType}
	if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["data"] = data
	}
	out, _ := json.Marshal(payload)
	conn.WriteMessage(websocket.TextMessage, out)
}
