package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "gnosis"
)

// Ключи для Sets (состояние)
const (
	// RedisKeyRevokedTokens — множество ID отозванных токенов.
	RedisKeyRevokedTokens = RedisNamespace + ":tokens:revoked_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanRevocation — канал трансляции отзыва токена всем инстансам.
	RedisChanRevocation = RedisNamespace + ":tokens:revoke-signal"
)
