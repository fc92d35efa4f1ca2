package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra/auth"
	"github.com/gnosis-research/gnosis-track/internal/tokens"
)

type AuthHandler struct {
	authority       *tokens.Authority
	bootstrapSecret string
	logger          *zap.Logger
}

func NewAuthHandler(authority *tokens.Authority, bootstrapSecret string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authority:       authority,
		bootstrapSecret: bootstrapSecret,
		logger:          logger.Named("auth-handler"),
	}
}

type issueRequest struct {
	Principal       string          `json:"principal"`
	Scopes          map[string]bool `json:"scopes"` // "bucket.op": true
	TTLSeconds      int64           `json:"ttl_seconds,omitempty"`
	BootstrapSecret string          `json:"bootstrap_secret"`
}

// Issue выпускает scoped-токен. Открытый роут, гейтится bootstrap-секретом
// деплоя (аналог admin-креденшлов оригинальной консоли).
// POST /auth/token
func (h *AuthHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if h.bootstrapSecret == "" ||
		subtle.ConstantTimeCompare([]byte(req.BootstrapSecret), []byte(h.bootstrapSecret)) != 1 {
		h.logger.Warn("token issue rejected: bad bootstrap secret",
			zap.String("principal", req.Principal))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if req.Principal == "" || len(req.Scopes) == 0 {
		http.Error(w, "principal and scopes are required", http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	signed, claims, err := h.authority.Issue(req.Principal, req.Scopes, ttl)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(claims.ExpiresAt.Time).Seconds()),
	})
}

type revokeRequest struct {
	TokenID string `json:"token_id"`
}

// Revoke отзывает токен по ID. Защищённый роут, требует глобальный
// admin-scope (`*.admin`): отзыв действует на все бакеты сразу, поэтому
// admin-а на отдельный бакет недостаточно.
// POST /auth/revoke
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if err := h.authority.Check(claims, "*", domain.OpAdmin); err != nil {
		writeError(w, err)
		return
	}

	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TokenID == "" {
		http.Error(w, "token_id is required", http.StatusBadRequest)
		return
	}

	if err := h.authority.Revoke(r.Context(), req.TokenID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
