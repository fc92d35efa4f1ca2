package buckets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra"
	"github.com/gnosis-research/gnosis-track/internal/storage"
)

// policyKey — служебный объект с политикой бакета. Живёт внутри самого
// бакета, в статистику и retention не входит.
const policyKey = ".gnosis/policy.json"

// ObjectStore определяет, через что менеджер ходит в хранилище
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte) (string, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	CreateBucket(ctx context.Context, name string) error
	DeleteBucket(ctx context.Context, name string) error
	BucketExists(ctx context.Context, name string) (bool, error)
	Buckets(ctx context.Context) ([]string, error)
}

// Manager владеет жизненным циклом логических контейнеров:
// создание с политикой, статистика, retention, удаление.
type Manager struct {
	store         ObjectStore
	logger        *zap.Logger
	defaultPolicy domain.BucketPolicy

	mu       sync.RWMutex
	policies map[string]domain.BucketPolicy // Кэш политик для горячего пути ингеста
}

func NewManager(store ObjectStore, cfg infra.BucketConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.Named("bucket-manager"),
		defaultPolicy: domain.BucketPolicy{
			Encryption:        cfg.Encryption,
			ReplicationFactor: cfg.Replication,
			RetentionDays:     cfg.RetentionDays,
		},
		policies: make(map[string]domain.BucketPolicy),
	}
}

// Create создаёт бакет с политикой. Существующий — ErrAlreadyExists.
func (m *Manager) Create(ctx context.Context, name string, policy domain.BucketPolicy) error {
	exists, err := m.store.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: bucket %s", domain.ErrAlreadyExists, name)
	}

	if err := m.store.CreateBucket(ctx, name); err != nil {
		return err
	}

	info := domain.BucketInfo{Name: name, Policy: policy, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal bucket policy: %w", err)
	}
	if _, err := m.store.Put(ctx, name, policyKey, data); err != nil {
		return err
	}

	m.mu.Lock()
	m.policies[name] = policy
	m.mu.Unlock()

	m.logger.Info("bucket created",
		zap.String("bucket", name),
		zap.Bool("encryption", policy.Encryption),
		zap.Int("retention_days", policy.RetentionDays),
	)
	return nil
}

// Delete удаляет бакет. Непустой без force — ErrNotEmpty:
// деструктивные операции требуют явного подтверждения на границе.
func (m *Manager) Delete(ctx context.Context, name string, force bool) error {
	exists, err := m.store.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: bucket %s", domain.ErrNotFound, name)
	}

	objects, err := m.store.List(ctx, name, "")
	if err != nil {
		return err
	}

	var payload int
	for _, obj := range objects {
		if obj.Key != policyKey {
			payload++
		}
	}
	if payload > 0 && !force {
		return fmt.Errorf("%w: bucket %s holds %d objects", domain.ErrNotEmpty, name, payload)
	}

	for _, obj := range objects {
		if err := m.store.Delete(ctx, name, obj.Key); err != nil {
			return err
		}
	}
	if err := m.store.DeleteBucket(ctx, name); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.policies, name)
	m.mu.Unlock()

	m.logger.Info("bucket deleted", zap.String("bucket", name), zap.Bool("force", force))
	return nil
}

// Policy возвращает политику бакета (из кэша или policy-объекта).
func (m *Manager) Policy(ctx context.Context, name string) (domain.BucketPolicy, error) {
	m.mu.RLock()
	policy, ok := m.policies[name]
	m.mu.RUnlock()
	if ok {
		return policy, nil
	}

	data, err := m.store.Get(ctx, name, policyKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Бакет создан мимо менеджера — работаем на дефолтной политике
			exists, exErr := m.store.BucketExists(ctx, name)
			if exErr != nil {
				return domain.BucketPolicy{}, exErr
			}
			if !exists {
				return domain.BucketPolicy{}, fmt.Errorf("%w: bucket %s", domain.ErrNotFound, name)
			}
			m.logger.Warn("bucket has no policy object, using defaults", zap.String("bucket", name))
			return m.defaultPolicy, nil
		}
		return domain.BucketPolicy{}, err
	}

	var info domain.BucketInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return domain.BucketPolicy{}, fmt.Errorf("unmarshal bucket policy: %w", err)
	}

	m.mu.Lock()
	m.policies[name] = info.Policy
	m.mu.Unlock()
	return info.Policy, nil
}

// List возвращает все бакеты стора с их политиками. Бакеты, созданные
// мимо менеджера, отдаются с дефолтной политикой.
func (m *Manager) List(ctx context.Context) ([]domain.BucketInfo, error) {
	names, err := m.store.Buckets(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]domain.BucketInfo, 0, len(names))
	for _, name := range names {
		policy, err := m.Policy(ctx, name)
		if err != nil {
			m.logger.Warn("bucket policy fetch failed", zap.String("bucket", name), zap.Error(err))
			continue
		}
		infos = append(infos, domain.BucketInfo{Name: name, Policy: policy})
	}
	return infos, nil
}

// Stats — агрегаты по содержимому (служебный policy-объект не считается).
func (m *Manager) Stats(ctx context.Context, name string) (domain.BucketStats, error) {
	objects, err := m.store.List(ctx, name, "")
	if err != nil {
		return domain.BucketStats{}, err
	}

	var stats domain.BucketStats
	for _, obj := range objects {
		if obj.Key == policyKey {
			continue
		}
		stats.ObjectCount++
		stats.TotalBytes += obj.Size
	}
	return stats, nil
}

// ApplyLifecycle удаляет батчи старше retention-а. Идемпотентна:
// повторный прогон подряд ничего не удаляет. meta.json runs не трогаем,
// пока живы их батчи; сироты уходят вместе с последним батчем.
func (m *Manager) ApplyLifecycle(ctx context.Context, name string) (int, error) {
	policy, err := m.Policy(ctx, name)
	if err != nil {
		return 0, err
	}
	if policy.RetentionDays <= 0 {
		return 0, nil // Бессрочное хранение
	}

	cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays)
	objects, err := m.store.List(ctx, name, "")
	if err != nil {
		return 0, err
	}

	// Первый проход: устаревшие батчи. Заодно считаем выживших по run-ам.
	liveBatches := make(map[string]int)
	var expired []string
	for _, obj := range objects {
		if obj.Key == policyKey || !strings.HasSuffix(obj.Key, ".batch") {
			continue
		}
		runID, _, _ := strings.Cut(obj.Key, "/")
		if obj.LastModified.Before(cutoff) {
			expired = append(expired, obj.Key)
		} else {
			liveBatches[runID]++
		}
	}

	deleted := 0
	for _, key := range expired {
		if err := m.store.Delete(ctx, name, key); err != nil {
			return deleted, err
		}
		deleted++
	}

	// Второй проход: meta.json run-ов, оставшихся без единого батча
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, "/meta.json") {
			continue
		}
		runID, _, _ := strings.Cut(obj.Key, "/")
		if liveBatches[runID] == 0 && obj.LastModified.Before(cutoff) {
			if err := m.store.Delete(ctx, name, obj.Key); err != nil {
				return deleted, err
			}
			deleted++
		}
	}

	if deleted > 0 {
		m.logger.Info("lifecycle applied",
			zap.String("bucket", name), zap.Int("deleted", deleted))
	}
	return deleted, nil
}

// EnsureDefault создаёт дефолтный бакет логирования при старте,
// если его ещё нет.
func (m *Manager) EnsureDefault(ctx context.Context, name string) error {
	err := m.Create(ctx, name, m.defaultPolicy)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return nil
	}
	return err
}
