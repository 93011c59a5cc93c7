// Package middleware provides authentication, logging and tracing middleware
// for the gateway server.
package middleware

import (
	"errors"
	"strings"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// LocalUserID is the Fiber locals key holding the authenticated user's id.
const LocalUserID = "userID"

var cfg *config.Config

// InitMiddleware initializes authentication middleware with the given config.
func InitMiddleware(c *config.Config) {
	cfg = c
}

// IssueToken signs an access token for userID.
func IssueToken(userID string) (string, time.Time, error) {
	if cfg == nil {
		return "", time.Time{}, errors.New("middleware not initialized")
	}
	expires := time.Now().Add(cfg.JWTTTL())
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ParseToken validates an access token and returns its subject.
func ParseToken(tokenString string) (string, error) {
	if cfg == nil {
		return "", errors.New("middleware not initialized")
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid or expired token")
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("invalid token structure - missing subject")
	}
	return claims.Subject, nil
}

// AuthRequired is a middleware that enforces authentication for protected routes.
func AuthRequired(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return models.RespondWithError(c, models.NewUnauthorizedError("Authorization header required"))
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return models.RespondWithError(c, models.NewUnauthorizedError("Invalid authorization header format"))
	}

	userID, err := ParseToken(parts[1])
	if err != nil {
		return models.RespondWithError(c, models.NewUnauthorizedError("Invalid or expired token"))
	}

	bindUser(c, userID)
	return c.Next()
}

func bindUser(c *fiber.Ctx, userID string) {
	c.Locals(LocalUserID, userID)
	withContextValue(c, UserIDKey, userID)
}

// WebSocketAuthRequired validates the access_token query parameter used by
// realtime clients, falling back to the Authorization header.
func WebSocketAuthRequired(c *fiber.Ctx) error {
	token := c.Query("access_token")
	if token == "" {
		return AuthRequired(c)
	}
	userID, err := ParseToken(token)
	if err != nil {
		return models.RespondWithError(c, models.NewUnauthorizedError("Invalid or expired token"))
	}
	bindUser(c, userID)
	return c.Next()
}

// UserID returns the authenticated user for the request, or "".
func UserID(c *fiber.Ctx) string {
	uid, _ := c.Locals(LocalUserID).(string)
	return uid
}
