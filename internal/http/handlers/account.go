package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vimalinx/relay/internal/config"
	"github.com/vimalinx/relay/internal/logging"
	"github.com/vimalinx/relay/internal/middleware"
	"github.com/vimalinx/relay/internal/model"
	"github.com/vimalinx/relay/internal/store"
)

// AccountHandler serves registration, login, and token management.
type AccountHandler struct {
	cfg     *config.Config
	users   *store.UserStore
	limiter *middleware.RateLimiter
	logger  *zap.Logger
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(cfg *config.Config, users *store.UserStore, limiter *middleware.RateLimiter, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{cfg: cfg, users: users, limiter: limiter, logger: logger}
}

// HandleHealth handles GET /healthz
func (h *AccountHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleConfig handles GET /api/config
func (h *AccountHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":                true,
		"inviteRequired":    len(h.cfg.InviteCodes) > 0,
		"allowRegistration": h.cfg.AllowRegistration,
	})
}

// registerRequest is the request body for POST /api/register
type registerRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
	InviteCode  string `json:"inviteCode"`
	ServerToken string `json:"serverToken"`
}

// HandleRegister handles POST /api/register
func (h *AccountHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.AllowRegistration {
		respondWithError(w, http.StatusForbidden, "registration disabled")
		return
	}
	clientIP := middleware.ClientIP(r, h.cfg.TrustProxy)
	if !h.limiter.Allow("register:"+clientIP, 10, 10*time.Minute) {
		respondWithError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	raw, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	authToken := readBearerToken(r)
	if authToken == "" {
		authToken = strings.TrimSpace(req.ServerToken)
	}
	hasServerAuth := h.cfg.ServerToken != "" && authToken == h.cfg.ServerToken
	if h.cfg.ServerToken != "" && !hasServerAuth {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !hasServerAuth && !h.cfg.InviteCodeValid(req.InviteCode) {
		respondWithError(w, http.StatusForbidden, "invalid invite code")
		return
	}

	userID, ok := store.NormalizeUserID(req.UserID)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "userId required")
		return
	}
	// Existence is reported before password validation; Register rechecks
	// under its lock.
	if h.users.Get(userID) != nil {
		respondWithError(w, http.StatusConflict, "user exists")
		return
	}
	password, ok := store.NormalizePassword(req.Password)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "password required")
		return
	}

	user, err := h.users.Register(userID, password, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUserExists):
			respondWithError(w, http.StatusConflict, "user exists")
		default:
			h.logger.Error("register failed", zap.String("userId", userID), zap.Error(err))
			respondWithError(w, http.StatusInternalServerError, "failed to persist user")
		}
		return
	}

	displayName := user.DisplayName
	if displayName == "" {
		displayName = user.ID
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"userId":      user.ID,
		"displayName": displayName,
	})
}

// credentialsRequest is the shared body for password-authenticated routes
type credentialsRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

// readCredentials parses and validates a {userId, password} body. Writes
// the error response itself when validation fails.
func (h *AccountHandler) readCredentials(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	raw, ok := readJSONBody(w, r)
	if !ok {
		return "", "", false
	}
	var req credentialsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid JSON")
		return "", "", false
	}
	userID, okID := store.NormalizeUserID(req.UserID)
	password, okPW := store.NormalizePassword(req.Password)
	if !okID || !okPW {
		respondWithError(w, http.StatusBadRequest, "userId and password required")
		return "", "", false
	}
	return userID, password, true
}

// HandleAccountLogin handles POST /api/account/login
func (h *AccountHandler) HandleAccountLogin(w http.ResponseWriter, r *http.Request) {
	clientIP := middleware.ClientIP(r, h.cfg.TrustProxy)
	if !h.limiter.Allow("account-login:"+clientIP, 30, time.Minute) {
		respondWithError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	userID, password, ok := h.readCredentials(w, r)
	if !ok {
		return
	}
	user := h.users.VerifyPassword(userID, password)
	if user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	displayName := user.DisplayName
	if displayName == "" {
		displayName = user.ID
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"userId":      user.ID,
		"displayName": displayName,
	})
}

// HandleIssueToken handles POST /api/token
func (h *AccountHandler) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	clientIP := middleware.ClientIP(r, h.cfg.TrustProxy)
	if !h.limiter.Allow("token:"+clientIP, 30, time.Minute) {
		respondWithError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	userID, password, ok := h.readCredentials(w, r)
	if !ok {
		return
	}
	user, token, err := h.users.IssueToken(userID, password)
	if err != nil {
		if errors.Is(err, store.ErrUnauthorized) {
			respondWithError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.logger.Error("token issuance persist failed", zap.String("userId", userID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to persist token")
		return
	}
	h.logger.Info("token issued",
		zap.String("userId", user.ID),
		zap.String("token", logging.MaskSecret(token)))
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"userId": user.ID,
		"token":  token,
	})
}

// HandleTokenUsage handles POST /api/token/usage
func (h *AccountHandler) HandleTokenUsage(w http.ResponseWriter, r *http.Request) {
	clientIP := middleware.ClientIP(r, h.cfg.TrustProxy)
	if !h.limiter.Allow("token-usage:"+clientIP, 60, time.Minute) {
		respondWithError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	userID, password, ok := h.readCredentials(w, r)
	if !ok {
		return
	}
	user := h.users.VerifyPassword(userID, password)
	if user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"userId": user.ID,
		"usage":  h.users.UsageList(user),
	})
}

// loginRequest is the request body for POST /api/login
type loginRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// HandleLogin handles POST /api/login (token login)
func (h *AccountHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	clientIP := middleware.ClientIP(r, h.cfg.TrustProxy)
	if !h.limiter.Allow("login:"+clientIP, 60, time.Minute) {
		respondWithError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	raw, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	var req loginRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "token required")
		return
	}

	var user *model.UserRecord
	if requestedID, okID := store.NormalizeUserID(req.UserID); okID {
		user = h.users.VerifyToken(requestedID, token)
	} else {
		user = h.users.GetByToken(token)
	}
	if user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	h.users.UpdateTokenUsage(user, token, store.UsagePatch{LastSeenAt: time.Now().UnixMilli()})

	displayName := user.DisplayName
	if displayName == "" {
		displayName = user.ID
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"userId":      user.ID,
		"token":       token,
		"displayName": displayName,
	})
}
