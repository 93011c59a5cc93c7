package rest

import (
	"context"
	"encoding/json"
	"time"

	"chatsync/internal/gateway"
	"chatsync/internal/models"

	"github.com/valyala/fasthttp"
)

// Session is the signed-in identity the client acts as.
type Session struct {
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type"`
	ExpiresAt   int64          `json:"expires_at"`
	User        models.Profile `json:"user"`
}

// Expires returns the token expiry.
func (s Session) Expires() time.Time { return time.Unix(s.ExpiresAt, 0) }

// Credentials is the password grant body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUpRequest registers a new account.
type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// SignIn exchanges an email and password for an access token and keeps it.
func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	return c.authenticate(ctx, request{
		op: "sign_in", table: "auth", method: fasthttp.MethodPost,
		path: "/auth/v1/token", args: map[string]string{"grant_type": "password"},
		body: Credentials{Email: email, Password: password},
	})
}

// SignUp registers an account and signs in as it.
func (c *Client) SignUp(ctx context.Context, req SignUpRequest) (Session, error) {
	return c.authenticate(ctx, request{
		op: "sign_up", table: "auth", method: fasthttp.MethodPost,
		path: "/auth/v1/signup", body: req,
	})
}

func (c *Client) authenticate(ctx context.Context, r request) (Session, error) {
	resp, err := c.do(ctx, r)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(resp.body, &s); err != nil {
		return Session{}, gateway.Wrap(gateway.Transient, "decode session", err)
	}
	if s.AccessToken == "" || s.User.ID == "" {
		return Session{}, gateway.NewError(gateway.Transient, "invalid_session", "gateway returned an empty session")
	}
	c.SetSession(s)
	return s, nil
}

// SetSession replaces the identity used by subsequent requests. An open
// realtime connection keeps the identity it was dialed with.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// CurrentSession returns the identity the client acts as.
func (c *Client) CurrentSession() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// UserID returns the signed-in user's id, or "".
func (c *Client) UserID() string {
	return c.CurrentSession().User.ID
}

func (c *Client) token() string {
	return c.CurrentSession().AccessToken
}
