package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/auth"
)

// AuthHandler serves the login endpoint.
type AuthHandler struct {
	service *auth.Service
	logger  *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(service *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		logger:  logger.Named("auth_handler"),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.service.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Warn("login failed",
				zap.String("username", req.Username),
				zap.String("remote_addr", r.RemoteAddr))
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("login error", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, loginResponse{AccessToken: token, TokenType: "bearer"})
}
