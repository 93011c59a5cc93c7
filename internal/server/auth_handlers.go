package server

import (
	"time"

	"chatsync/internal/chatstore"
	"chatsync/internal/gateway"
	"chatsync/internal/gateway/sqlgateway"
	"chatsync/internal/middleware"
	"chatsync/internal/models"

	"github.com/gofiber/fiber/v2"
)

type sessionResponse struct {
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type"`
	ExpiresIn   int64          `json:"expires_in"`
	ExpiresAt   int64          `json:"expires_at"`
	User        models.Profile `json:"user"`
}

func (s *Server) respondWithSession(c *fiber.Ctx, status int, profile models.Profile) error {
	token, expires, err := middleware.IssueToken(profile.ID)
	if err != nil {
		return models.RespondWithError(c, models.NewInternalError(err))
	}
	return c.Status(status).JSON(sessionResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(time.Until(expires).Seconds()),
		ExpiresAt:   expires.Unix(),
		User:        profile,
	})
}

// Token handles POST /auth/v1/token?grant_type=password
func (s *Server) Token(c *fiber.Ctx) error {
	if grant := c.Query("grant_type"); grant != "password" {
		return gateway.NewError(gateway.Invalid, "unsupported_grant_type", "unsupported grant_type "+grant)
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return gateway.NewError(gateway.Invalid, "validation_failed", "Invalid request body")
	}

	profile, err := s.gateway.Authenticate(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return s.respondWithSession(c, fiber.StatusOK, profile)
}

// Signup handles POST /auth/v1/signup
func (s *Server) Signup(c *fiber.Ctx) error {
	var req sqlgateway.SignUpRequest
	if err := c.BodyParser(&req); err != nil {
		return gateway.NewError(gateway.Invalid, "validation_failed", "Invalid request body")
	}

	profile, err := s.gateway.SignUp(c.UserContext(), req)
	if err != nil {
		return err
	}
	return s.respondWithSession(c, fiber.StatusOK, profile)
}

// CurrentUser handles GET /auth/v1/user
func (s *Server) CurrentUser(c *fiber.Ctx) error {
	uid := middleware.UserID(c)
	rows, err := s.client(c).Select(c.UserContext(), gateway.Query{
		Table:   chatstore.TableProfiles,
		Filters: []gateway.Filter{gateway.Eq("id", uid)},
		Limit:   1,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return models.RespondWithError(c, models.NewNotFoundError("User", uid))
	}
	return c.JSON(rows[0])
}
