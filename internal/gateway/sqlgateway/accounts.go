package sqlgateway

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"chatsync/internal/gateway"
	"chatsync/internal/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const minPasswordLength = 8

// ErrInvalidCredentials is returned by Authenticate for an unknown email or a wrong password.
var ErrInvalidCredentials = gateway.NewError(gateway.Forbidden, "invalid_grant", "invalid login credentials")

// SignUpRequest carries a new account.
type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// SignUp creates a profile and its credential in one transaction.
func (g *Gateway) SignUp(ctx context.Context, req SignUpRequest) (models.Profile, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return models.Profile{}, invalid("validation_failed", "a valid email is required")
	}
	if len(req.Password) < minPasswordLength {
		return models.Profile{}, invalid("weak_password", "password must be at least 8 characters")
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return models.Profile{}, invalid("validation_failed", "username is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.Profile{}, err
	}

	profile := models.Profile{Username: username, DisplayName: strings.TrimSpace(req.DisplayName), AvatarURL: req.AvatarURL}
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&profile).Error; err != nil {
			return err
		}
		return tx.Create(&models.Credential{UserID: profile.ID, Email: email, PasswordHash: string(hash)}).Error
	})
	if err != nil {
		return models.Profile{}, mapError(err)
	}
	return profile, nil
}

// Authenticate checks an email and password and returns the matching profile.
func (g *Gateway) Authenticate(ctx context.Context, email, password string) (models.Profile, error) {
	var cred models.Credential
	err := g.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Profile{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.Profile{}, mapError(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		return models.Profile{}, ErrInvalidCredentials
	}

	var profile models.Profile
	if err := g.db.WithContext(ctx).First(&profile, "id = ?", cred.UserID).Error; err != nil {
		return models.Profile{}, mapError(err)
	}
	return profile, nil
}
