package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
)

const issuer = "gnosis-track"

// Authority выпускает, проверяет и отзывает bearer-токены.
// Подпись HS256 самоверифицируема (без похода в стор), отзыв —
// через разделяемый кэш с ограниченной задержкой распространения.
type Authority struct {
	secret      []byte
	defaultTTL  time.Duration
	revocations *Cache
	logger      *zap.Logger
}

func NewAuthority(secret []byte, defaultTTL time.Duration, revocations *Cache, logger *zap.Logger) (*Authority, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token signing secret must be at least 32 bytes")
	}
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Authority{
		secret:      secret,
		defaultTTL:  defaultTTL,
		revocations: revocations,
		logger:      logger.Named("token-authority"),
	}, nil
}

// Issue выпускает токен принципалу с данным scope.
// ttl <= 0 — берётся дефолт из конфигурации.
func (a *Authority) Issue(principal string, scopes map[string]bool, ttl time.Duration) (string, *domain.TokenClaims, error) {
	if ttl <= 0 {
		ttl = a.defaultTTL
	}

	now := time.Now()
	claims := &domain.TokenClaims{
		Principal: principal,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	a.logger.Info("token issued",
		zap.String("principal", principal),
		zap.String("token_id", claims.ID),
		zap.Time("expires_at", claims.ExpiresAt.Time),
	)
	return signed, claims, nil
}

// Validate проверяет подпись, срок и отзыв. Вызывается каждой
// защищённой операцией до её выполнения.
func (a *Authority) Validate(tokenStr string) (*domain.TokenClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, domain.ErrTokenInvalid
	}

	token, err := jwt.ParseWithClaims(tokenStr, &domain.TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", domain.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*domain.TokenClaims)
	if !ok || !token.Valid {
		return nil, domain.ErrTokenInvalid
	}

	if a.revocations.IsRevoked(claims.ID) {
		return nil, fmt.Errorf("%w: token %s", domain.ErrTokenRevoked, claims.ID)
	}
	return claims, nil
}

// Check — горячий путь авторизации по уже распарсенным claims
// (append дёргает его на каждую запись): срок, отзыв, scope.
// Не-пермиссия отличима от не-аутентификации: ErrForbidden vs Err*Token*.
func (a *Authority) Check(claims *domain.TokenClaims, bucket, op string) error {
	if claims == nil {
		return domain.ErrTokenInvalid
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return domain.ErrTokenExpired
	}
	if a.revocations.IsRevoked(claims.ID) {
		return fmt.Errorf("%w: token %s", domain.ErrTokenRevoked, claims.ID)
	}
	if !claims.Allowed(bucket, op) {
		return fmt.Errorf("%w: scope %s missing", domain.ErrForbidden, domain.ScopeKey(bucket, op))
	}
	return nil
}

// Revoke отзывает токен по ID. Терминально и необратимо.
func (a *Authority) Revoke(ctx context.Context, tokenID string) error {
	if err := a.revocations.Revoke(ctx, tokenID); err != nil {
		return fmt.Errorf("revoke token %s: %w", tokenID, err)
	}
	a.logger.Info("token revoked", zap.String("token_id", tokenID))
	return nil
}
