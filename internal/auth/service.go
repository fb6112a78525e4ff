package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Service authenticates the static operator account and issues tokens.
type Service struct {
	username     string
	passwordHash []byte
	jwt          *JWTManager
}

// NewService builds the auth service for one operator account. password may
// be either a bcrypt hash (recommended, starts with "$2") or a plain secret,
// which is hashed at startup so comparisons stay constant-time either way.
func NewService(username, password string, jwt *JWTManager) (*Service, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("auth: operator username and password must be set")
	}

	hash := []byte(password)
	if _, err := bcrypt.Cost(hash); err != nil {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("auth: hashing operator password: %w", err)
		}
		hash = hashed
	}

	return &Service{
		username:     username,
		passwordHash: hash,
		jwt:          jwt,
	}, nil
}

// Login verifies the credentials and returns a signed access token.
func (s *Service) Login(username, password string) (string, error) {
	if username != s.username {
		// Burn a comparison anyway so a wrong username costs the same as a
		// wrong password.
		_ = bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.jwt.GenerateAccessToken(username)
}

// Validate checks an access token and returns its claims.
func (s *Service) Validate(token string) (*Claims, error) {
	return s.jwt.ValidateAccessToken(token)
}
