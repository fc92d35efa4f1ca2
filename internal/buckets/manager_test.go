package buckets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra"
	"github.com/gnosis-research/gnosis-track/internal/storage"
)

// memStore — in-memory реализация ObjectStore для тестов менеджера.
type memStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	mtimes  map[string]time.Time // bucket/key -> LastModified
}

func newMemStore() *memStore {
	return &memStore{
		buckets: make(map[string]map[string][]byte),
		mtimes:  make(map[string]time.Time),
	}
}

func (s *memStore) Put(_ context.Context, bucket, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return "", fmt.Errorf("%w: bucket %s", domain.ErrNotFound, bucket)
	}
	b[key] = data
	s.mtimes[bucket+"/"+key] = time.Now()
	return "etag", nil
}

func (s *memStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: bucket %s", domain.ErrNotFound, bucket)
	}
	data, ok := b[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", domain.ErrNotFound, key)
	}
	return data, nil
}

func (s *memStore) List(_ context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: bucket %s", domain.ErrNotFound, bucket)
	}
	var out []storage.ObjectInfo
	for k, v := range b {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.ObjectInfo{
				Key:          k,
				Size:         int64(len(v)),
				LastModified: s.mtimes[bucket+"/"+k],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucket]; ok {
		delete(b, key)
		delete(s.mtimes, bucket+"/"+key)
	}
	return nil
}

func (s *memStore) CreateBucket(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; ok {
		return fmt.Errorf("%w: bucket %s", domain.ErrAlreadyExists, name)
	}
	s.buckets[name] = make(map[string][]byte)
	return nil
}

func (s *memStore) DeleteBucket(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, name)
	return nil
}

func (s *memStore) BucketExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memStore) Buckets(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// touch подкручивает LastModified объекта в прошлое.
func (s *memStore) touch(bucket, key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mtimes[bucket+"/"+key] = at
}

func testManager(t *testing.T) (*Manager, *memStore) {
	t.Helper()
	store := newMemStore()
	m := NewManager(store, infra.BucketConfig{Encryption: true, RetentionDays: 30}, zap.NewNop())
	return m, store
}

func TestCreateDuplicateBucket(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "tracklogs", domain.BucketPolicy{Encryption: true}))
	err := m.Create(ctx, "tracklogs", domain.BucketPolicy{})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestDeleteRequiresForceWhenNotEmpty(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "tracklogs", domain.BucketPolicy{}))
	_, err := store.Put(ctx, "tracklogs", "run-1/000000000000.batch", []byte("data"))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Delete(ctx, "tracklogs", false), domain.ErrNotEmpty)

	require.NoError(t, m.Delete(ctx, "tracklogs", true))
	exists, err := store.BucketExists(ctx, "tracklogs")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteMissingBucket(t *testing.T) {
	m, _ := testManager(t)
	assert.ErrorIs(t, m.Delete(context.Background(), "ghost", false), domain.ErrNotFound)
}

func TestDeleteEmptyBucketWithoutForce(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	// Служебный policy-объект не считается содержимым
	require.NoError(t, m.Create(ctx, "tracklogs", domain.BucketPolicy{}))
	assert.NoError(t, m.Delete(ctx, "tracklogs", false))
}

func TestPolicyRoundTrip(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	want := domain.BucketPolicy{Encryption: true, ReplicationFactor: 2, RetentionDays: 7}
	require.NoError(t, m.Create(ctx, "tracklogs", want))

	got, err := m.Policy(ctx, "tracklogs")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Холодный менеджер того же стора читает политику из объекта
	cold := NewManager(store, infra.BucketConfig{}, zap.NewNop())
	got, err = cold.Policy(ctx, "tracklogs")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPolicyLegacyBucketFallsBackToDefault(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	// Бакет создан мимо менеджера: policy-объекта нет
	require.NoError(t, store.CreateBucket(ctx, "legacy"))

	got, err := m.Policy(ctx, "legacy")
	require.NoError(t, err)
	assert.True(t, got.Encryption)
	assert.Equal(t, 30, got.RetentionDays)
}

func TestPolicyMissingBucket(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.Policy(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListReturnsBucketsWithPolicies(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "alpha", domain.BucketPolicy{Encryption: true, RetentionDays: 7}))
	require.NoError(t, m.Create(ctx, "beta", domain.BucketPolicy{RetentionDays: 90}))
	// Бакет, созданный мимо менеджера, тоже в списке — с дефолтной политикой
	require.NoError(t, store.CreateBucket(ctx, "legacy"))

	infos, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)

	byName := make(map[string]domain.BucketPolicy, len(infos))
	for _, info := range infos {
		byName[info.Name] = info.Policy
	}
	assert.Equal(t, 7, byName["alpha"].RetentionDays)
	assert.Equal(t, 90, byName["beta"].RetentionDays)
	assert.Equal(t, domain.BucketPolicy{Encryption: true, RetentionDays: 30}, byName["legacy"])
}

func TestStatsExcludePolicyObject(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "tracklogs", domain.BucketPolicy{}))
	_, err := store.Put(ctx, "tracklogs", "run-1/000000000000.batch", []byte("0123456789"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "tracklogs", "run-1/meta.json", []byte("{}"))
	require.NoError(t, err)

	stats, err := m.Stats(ctx, "tracklogs")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ObjectCount)
	assert.Equal(t, int64(12), stats.TotalBytes)
}

func TestLifecycleRemovesExpiredAndOrphanedMeta(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "tracklogs", domain.BucketPolicy{RetentionDays: 7}))

	old := time.Now().AddDate(0, 0, -10)
	for _, key := range []string{"run-old/000000000000.batch", "run-old/meta.json"} {
		_, err := store.Put(ctx, "tracklogs", key, []byte("x"))
		require.NoError(t, err)
		store.touch("tracklogs", key, old)
	}
	_, err := store.Put(ctx, "tracklogs", "run-new/000000000000.batch", []byte("x"))
	require.NoError(t, err)

	deleted, err := m.ApplyLifecycle(ctx, "tracklogs")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted) // Старый батч + осиротевший meta.json

	_, err = store.Get(ctx, "tracklogs", "run-new/000000000000.batch")
	assert.NoError(t, err)

	// Идемпотентность: повторный прогон ничего не находит
	deleted, err = m.ApplyLifecycle(ctx, "tracklogs")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestLifecycleKeepsMetaWhileBatchesLive(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "tracklogs", domain.BucketPolicy{RetentionDays: 7}))

	old := time.Now().AddDate(0, 0, -10)
	_, err := store.Put(ctx, "tracklogs", "run-1/meta.json", []byte("{}"))
	require.NoError(t, err)
	store.touch("tracklogs", "run-1/meta.json", old)
	_, err = store.Put(ctx, "tracklogs", "run-1/000000000001.batch", []byte("fresh"))
	require.NoError(t, err)

	deleted, err := m.ApplyLifecycle(ctx, "tracklogs")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestLifecycleDisabledRetention(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "tracklogs", domain.BucketPolicy{RetentionDays: 0}))
	_, err := store.Put(ctx, "tracklogs", "run-1/000000000000.batch", []byte("x"))
	require.NoError(t, err)
	store.touch("tracklogs", "run-1/000000000000.batch", time.Now().AddDate(-1, 0, 0))

	deleted, err := m.ApplyLifecycle(ctx, "tracklogs")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestEnsureDefaultIdempotent(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.EnsureDefault(ctx, "tracklogs"))
	require.NoError(t, m.EnsureDefault(ctx, "tracklogs"))

	policy, err := m.Policy(ctx, "tracklogs")
	require.NoError(t, err)
	assert.True(t, policy.Encryption)
}
