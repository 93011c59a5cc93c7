package server

import (
	"chatsync/internal/middleware"
	"chatsync/internal/realtime"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const realtimePath = "/realtime/v1/websocket"

func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// RealtimeHandler serves the realtime websocket. Each connection subscribes
// through a gateway session bound to the authenticated user.
func (s *Server) RealtimeHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, _ := conn.Locals(middleware.LocalUserID).(string)
		realtime.NewClient(conn, userID, s.gateway.As(userID)).Serve()
	})
}
