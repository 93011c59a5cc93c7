package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatsync/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

func setupAuth() {
	InitMiddleware(&config.Config{JWTSecret: testSecret, JWTTTLMinutes: 60})
}

func TestAuthRequired(t *testing.T) {
	setupAuth()
	app := fiber.New()
	app.Get("/test", AuthRequired, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"userID": UserID(c)})
	})

	generateToken := func(sub string, exp time.Duration) string {
		claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(exp).Unix()}
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		return s
	}
	issued, _, err := IssueToken("user-123")
	require.NoError(t, err)

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		expectedUserID string
	}{
		{"Happy Path", "Bearer " + issued, http.StatusOK, "user-123"},
		{"Foreign Token", "Bearer " + generateToken("abc", time.Hour), http.StatusOK, "abc"},
		{"Missing Header", "", http.StatusUnauthorized, ""},
		{"Invalid Format", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"Malformed Token", "Bearer malformed.token.here", http.StatusUnauthorized, ""},
		{"Expired Token", "Bearer " + generateToken("abc", -time.Hour), http.StatusUnauthorized, ""},
		{"Missing Subject", "Bearer " + generateToken("", time.Hour), http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusOK {
				var body map[string]string
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, tt.expectedUserID, body["userID"])
			}
		})
	}
}

func TestWebSocketAuthRequired(t *testing.T) {
	setupAuth()
	app := fiber.New()
	app.Get("/ws", WebSocketAuthRequired, func(c *fiber.Ctx) error {
		return c.SendString(UserID(c))
	})
	token, _, err := IssueToken("user-9")
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/ws?access_token=bogus", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
