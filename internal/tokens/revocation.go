package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/infra"
)

// Source — источник правды о ревокациях, разделяемый инстансами.
type Source interface {
	// Snapshot возвращает все отозванные ID токенов.
	Snapshot(ctx context.Context) ([]string, error)
	// Add фиксирует отзыв и рассылает сигнал остальным инстансам.
	Add(ctx context.Context, tokenID string) error
}

// Listener — опциональная способность источника пушить отзыв сразу,
// не дожидаясь планового refresh-а.
type Listener interface {
	Listen(ctx context.Context, onRevoke func(tokenID string))
}

// Cache — read-mostly кэш отозванных токенов. Validate читает его под
// RLock (O(1) и без похода в стор), узкий serialized путь отзыва пишет.
type Cache struct {
	mu      sync.RWMutex
	revoked map[string]struct{}

	src     Source
	refresh time.Duration
	logger  *zap.Logger
}

func NewCache(src Source, refresh time.Duration, logger *zap.Logger) *Cache {
	if refresh <= 0 {
		refresh = 5 * time.Second
	}
	return &Cache{
		revoked: make(map[string]struct{}),
		src:     src,
		refresh: refresh,
		logger:  logger.Named("revocations"),
	}
}

// Init загружает текущее множество отзывов при старте сервиса.
func (c *Cache) Init(ctx context.Context) error {
	ids, err := c.src.Snapshot(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, id := range ids {
		c.revoked[id] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// Start крутит плановый refresh и, если источник умеет, live-подписку.
// Отзыв становится видимым не позже одного refresh-интервала.
func (c *Cache) Start(ctx context.Context) {
	if l, ok := c.src.(Listener); ok {
		go l.Listen(ctx, c.MarkRevoked)
	}

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("revocation cache stopping by context")
			return
		case <-ticker.C:
			if err := c.Init(ctx); err != nil {
				// Стор недоступен — живём на последнем снапшоте.
				// Валидация остаётся O(1) и переживает отказ хранилища.
				c.logger.Warn("revocation refresh failed", zap.Error(err))
			}
		}
	}
}

// IsRevoked — O(1) проверка на горячем пути валидации.
func (c *Cache) IsRevoked(tokenID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.revoked[tokenID]
	return ok
}

// MarkRevoked — внутренний метод для обновления мапы
func (c *Cache) MarkRevoked(tokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[tokenID] = struct{}{}
}

// Revoke — узкий serialized путь отзыва: фиксируем в источнике
// и сразу в локальном кэше (свой инстанс видит отзыв немедленно).
func (c *Cache) Revoke(ctx context.Context, tokenID string) error {
	if err := c.src.Add(ctx, tokenID); err != nil {
		return err
	}
	c.MarkRevoked(tokenID)
	return nil
}

// --- Redis-бекенд (продакшн: несколько инстансов) ---

type RedisSource struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisSource(rdb *redis.Client, logger *zap.Logger) *RedisSource {
	return &RedisSource{rdb: rdb, logger: logger.Named("revocation-redis")}
}

func (s *RedisSource) Snapshot(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, infra.RedisKeyRevokedTokens).Result()
}

func (s *RedisSource) Add(ctx context.Context, tokenID string) error {
	if err := s.rdb.SAdd(ctx, infra.RedisKeyRevokedTokens, tokenID).Err(); err != nil {
		return err
	}
	// Сигнал остальным инстансам; сбой publish не фатален —
	// их догонит плановый refresh
	if err := s.rdb.Publish(ctx, infra.RedisChanRevocation, tokenID).Err(); err != nil {
		s.logger.Warn("revocation publish failed", zap.Error(err))
	}
	return nil
}

// Listen — живучая подписка на сигналы отзыва с переподключением.
func (s *RedisSource) Listen(ctx context.Context, onRevoke func(tokenID string)) {
	for {
		pubsub := s.rdb.Subscribe(ctx, infra.RedisChanRevocation)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to subscribe", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onRevoke(msg.Payload)
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}

// --- In-memory бекенд (тесты и single-node деплой без Redis) ---

type MemorySource struct {
	mu  sync.Mutex
	ids []string
}

func NewMemorySource() *MemorySource { return &MemorySource{} }

func (s *MemorySource) Snapshot(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out, nil
}

func (s *MemorySource) Add(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, tokenID)
	return nil
}
