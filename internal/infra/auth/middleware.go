package auth

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
)

// TokenValidator — интерфейс проверки bearer-токенов (реализует
// tokens.Authority).
type TokenValidator interface {
	Validate(tokenStr string) (*domain.TokenClaims, error)
}

type ctxKey int

const claimsKey ctxKey = iota

// FromContext достаёт claims, положенные Middleware.
func FromContext(ctx context.Context) *domain.TokenClaims {
	claims, _ := ctx.Value(claimsKey).(*domain.TokenClaims)
	return claims
}

// NewMiddleware гейтит защищённый периметр: без валидного токена — 401.
// Недостаток scope — это уже 403 на уровне конкретного хендлера
// (ErrForbidden), чтобы "не аутентифицирован" был отличим от
// "аутентифицирован, но не разрешено".
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				switch {
				case errors.Is(err, domain.ErrTokenExpired):
					http.Error(w, "Token expired", http.StatusUnauthorized)
				case errors.Is(err, domain.ErrTokenRevoked):
					http.Error(w, "Token revoked", http.StatusUnauthorized)
				default:
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			// Прокидываем claims в контекст запроса
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
