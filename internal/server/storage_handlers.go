package server

import (
	"chatsync/internal/gateway"
	"chatsync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

// SignUpload handles POST /storage/v1/object/upload/sign/:bucket/*
func (s *Server) SignUpload(c *fiber.Ctx) error {
	if s.storage == nil {
		return gateway.NewError(gateway.Transient, "storage_unavailable", "object storage is not configured")
	}
	signed, err := s.storage.ForUser(middleware.UserID(c)).CreateSignedUpload(c.UserContext(), c.Params("bucket"), c.Params("*"))
	if err != nil {
		return err
	}
	return c.JSON(signed)
}
