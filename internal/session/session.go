// Package session loads the authenticated user context persisted by the login flow.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"

	"learnora/internal/models"
)

var validate = validator.New()

// ErrNoSession is returned when no session file exists.
var ErrNoSession = errors.New("no session found")

// file accepts both the wrapped {"user": {...}, "token": "..."} shape and the flat login
// response, where the token sits next to the user fields.
type file struct {
	User  *models.Session `json:"user"`
	Token string          `json:"token"`
}

// Load reads and validates a session from path.
func Load(path string) (*models.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a session document.
func Parse(data []byte) (*models.Session, error) {
	var wrapped file
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, models.NewValidationError("session file is not valid JSON")
	}

	var s models.Session
	if wrapped.User != nil {
		s = *wrapped.User
		if s.Token == "" {
			s.Token = wrapped.Token
		}
	} else if err := json.Unmarshal(data, &s); err != nil {
		return nil, models.NewValidationError("session file is not valid JSON")
	}

	s.UserID = strings.TrimSpace(s.UserID)
	s.Token = strings.TrimSpace(s.Token)
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the struct tags of a session.
func Validate(s *models.Session) error {
	if s == nil {
		return models.NewUnauthorizedError("no active session")
	}
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return models.NewValidationError(fmt.Sprintf("session field %s failed %q", verrs[0].Field(), verrs[0].Tag()))
		}
		return models.NewValidationError(err.Error())
	}
	return nil
}

// Save writes the session in the wrapped format.
func Save(path string, s *models.Session) error {
	if err := Validate(s); err != nil {
		return err
	}
	data, err := json.MarshalIndent(file{User: s, Token: s.Token}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Expired reports whether the session token is a JWT whose exp claim has passed.
// Opaque tokens and tokens without exp never expire locally; the backend decides.
func Expired(s *models.Session, now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.Token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}

// Check returns an UNAUTHORIZED error when the session is missing or expired.
func Check(s *models.Session, now time.Time) error {
	if s == nil || s.UserID == "" {
		return models.NewUnauthorizedError("no active session")
	}
	if Expired(s, now) {
		return models.NewUnauthorizedError("session token has expired")
	}
	return nil
}
