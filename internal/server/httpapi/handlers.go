package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mealmetric/server/internal/common"
	"github.com/mealmetric/server/internal/server/services"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type appleLoginRequest struct {
	IdentityToken string `json:"identityToken"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
}

type linkAccountRequest struct {
	IdentityToken string `json:"identityToken"`
	Email         string `json:"email"`
	Password      string `json:"password"`
}

type updateProfileRequest struct {
	DisplayName *string `json:"displayName"`
	Email       *string `json:"email"`
}

type chatRequest struct {
	Messages []services.ChatMessage `json:"messages"`
}

type authResponse struct {
	User                *services.Account `json:"user"`
	Token               string            `json:"token"`
	NeedsAccountLinking bool              `json:"needsAccountLinking,omitempty"`
	Message             string            `json:"message,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	res, err := s.accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResult(res, ""))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	res, err := s.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResult(res, ""))
}

func (s *Server) handleAppleLogin(w http.ResponseWriter, r *http.Request) {
	var req appleLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IdentityToken == "" {
		writeJSONError(w, http.StatusBadRequest, "identityToken is required")
		return
	}

	res, err := s.accounts.AppleLogin(r.Context(), req.IdentityToken, req.Email, req.DisplayName)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResult(res, ""))
}

func (s *Server) handleLinkAccount(w http.ResponseWriter, r *http.Request) {
	var req linkAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IdentityToken == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "identityToken, email and password are required")
		return
	}

	res, err := s.accounts.LinkAccount(r.Context(), req.IdentityToken, req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResult(res, "accounts linked"))
}

// handleLogout is stateless: the token simply expires. Kept so clients have
// a uniform sign-out call.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	acc, err := s.accounts.GetProfile(r.Context(), GetUserID(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acc, err := s.accounts.UpdateProfile(r.Context(), GetUserID(r.Context()), services.UpdateProfileParams{
		DisplayName: req.DisplayName,
		Email:       req.Email,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	sum, err := s.accounts.GetUsageSummary(r.Context(), GetUserID(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleChat proxies the conversation upstream, then records the metered
// cost on the user before replying.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages are required")
		return
	}

	res, err := s.chat.Complete(r.Context(), req.Messages)
	if err != nil {
		s.logger.Error(r.Context(), "chat completion failed", "error", err.Error())
		writeJSONError(w, http.StatusBadGateway, "chat provider unavailable")
		return
	}

	if res.Cost > 0 {
		if _, err := s.accounts.TrackUsage(r.Context(), GetUserID(r.Context()), res.Cost); err != nil {
			s.logger.Error(r.Context(), "usage tracking failed", "error", err.Error())
		}
	}

	writeJSON(w, http.StatusOK, res)
}

// --- helpers below ---

func authResult(res *services.AuthResult, message string) authResponse {
	return authResponse{
		User:                res.User,
		Token:               res.Token,
		NeedsAccountLinking: res.NeedsAccountLinking,
		Message:             message,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service sentinels onto HTTP statuses with their
// stable messages; anything unrecognized is reported as an internal error.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, common.ErrorConflict):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, common.ErrorInvalidCredentials):
		writeJSONError(w, http.StatusUnauthorized, common.ErrorInvalidCredentials.Error())
	case errors.Is(err, common.ErrInvalidToken):
		writeJSONError(w, http.StatusUnauthorized, common.ErrInvalidToken.Error())
	case errors.Is(err, common.ErrorUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, common.ErrorUnauthorized.Error())
	case errors.Is(err, common.ErrorNotFound):
		writeJSONError(w, http.StatusNotFound, common.ErrorNotFound.Error())
	default:
		s.logger.Error(r.Context(), "request failed", "error", err.Error())
		writeJSONError(w, http.StatusInternalServerError, common.ErrorInternal.Error())
	}
}
