package domain

import "github.com/golang-jwt/jwt/v5"

// Операции, гейтуемые токеном. Scope-ключ имеет вид "{bucket}.{op}",
// например "tracklogs.write" или "*.read" (wildcard по бакету).
const (
	OpWrite = "write"
	OpRead  = "read"
	OpAdmin = "admin"
)

// TokenClaims — полезная нагрузка самоверифицируемого bearer-токена.
// ID токена лежит в RegisteredClaims.ID и служит ключом ревокации.
type TokenClaims struct {
	Principal string          `json:"principal"`
	Scopes    map[string]bool `json:"scopes"` // "bucket.op": true
	jwt.RegisteredClaims
}

// Allowed проверяет, покрывает ли scope пару {bucket, operation}.
// Admin-scope на бакет покрывает и read, и write.
func (c *TokenClaims) Allowed(bucket, op string) bool {
	if c.Scopes == nil {
		return false
	}
	for _, b := range []string{bucket, "*"} {
		if c.Scopes[b+"."+op] || c.Scopes[b+"."+OpAdmin] {
			return true
		}
	}
	return false
}

// ScopeKey собирает ключ scope из пары {bucket, operation}.
func ScopeKey(bucket, op string) string {
	return bucket + "." + op
}

// TokenResponse — ответ на выпуск токена.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
