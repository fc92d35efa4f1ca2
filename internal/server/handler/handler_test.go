package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/buckets"
	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra"
	"github.com/gnosis-research/gnosis-track/internal/infra/auth"
	"github.com/gnosis-research/gnosis-track/internal/ingest"
	"github.com/gnosis-research/gnosis-track/internal/seal"
	"github.com/gnosis-research/gnosis-track/internal/storage"
	"github.com/gnosis-research/gnosis-track/internal/stream"
	"github.com/gnosis-research/gnosis-track/internal/tokens"
)

// memStore — in-memory стор, которого хватает всем компонентам.
type memStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{buckets: make(map[string]map[string][]byte)}
}

func (s *memStore) Put(_ context.Context, bucket, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return "", fmt.Errorf("%w: bucket %s", domain.ErrNotFound, bucket)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b[key] = cp
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
			out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(v))})
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

type alwaysHealthy struct{}

func (alwaysHealthy) Healthy() bool { return true }

const bootstrapSecret = "deploy-bootstrap-secret"

// testAPI — полный стенд: движок, ритривер, authority и роутер
// в той же разводке, что и боевой сервер.
type testAPI struct {
	router    *chi.Mux
	authority *tokens.Authority
	engine    *ingest.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zap.NewNop()
	store := newMemStore()

	codec, err := seal.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	mgr := buckets.NewManager(store, infra.BucketConfig{Encryption: true}, logger)
	require.NoError(t, mgr.EnsureDefault(context.Background(), "tracklogs"))

	cache := tokens.NewCache(tokens.NewMemorySource(), time.Second, logger)
	authority, err := tokens.NewAuthority([]byte("test-signing-secret-0123456789abcdef"), time.Hour, cache, logger)
	require.NoError(t, err)

	engine := ingest.NewEngine(store, codec, mgr, authority, alwaysHealthy{},
		infra.IngestConfig{FlushCount: 100, FlushInterval: time.Hour, RequeueDelay: time.Millisecond},
		logger, nil)
	retriever := stream.NewRetriever(store, codec, authority,
		infra.StreamConfig{TailInterval: 10 * time.Millisecond, TailBacklog: 100}, logger, nil)

	authH := NewAuthHandler(authority, bootstrapSecret, logger)
	ingestH := NewIngestHandler(engine, "tracklogs", logger)
	streamH := NewStreamHandler(retriever, "tracklogs", logger)
	bucketH := NewBucketHandler(mgr, authority, logger)

	r := chi.NewRouter()
	r.Post("/auth/token", authH.Issue)
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(authority, logger))
		r.Post("/auth/revoke", authH.Revoke)
		r.Post("/api/v1/runs", ingestH.CreateRun)
		r.Post("/api/v1/runs/{id}/records", ingestH.AppendRecords)
		r.Post("/api/v1/runs/{id}/finish", ingestH.FinishRun)
		r.Post("/api/v1/runs/{id}/abort", ingestH.AbortRun)
		r.Get("/api/v1/validators", streamH.ListValidators)
		r.Get("/api/v1/validators/{principal}/runs", streamH.ListRuns)
		r.Route("/api/v1/runs/{id}", func(r chi.Router) {
			r.Get("/config", streamH.RunConfig)
			r.Get("/logs", streamH.Logs)
			r.Get("/tail", streamH.Tail)
			r.Get("/export", streamH.Export)
		})
		r.Route("/api/v1/buckets", func(r chi.Router) {
			r.Get("/", bucketH.List)
			r.Post("/", bucketH.Create)
			r.Route("/{name}", func(r chi.Router) {
				r.Delete("/", bucketH.Delete)
				r.Get("/stats", bucketH.Stats)
				r.Post("/lifecycle", bucketH.Lifecycle)
			})
		})
	})

	return &testAPI{router: r, authority: authority, engine: engine}
}

func (api *testAPI) token(t *testing.T, scopes map[string]bool) string {
	t.Helper()
	signed, _, err := api.authority.Issue("validator-7", scopes, 0)
	require.NoError(t, err)
	return "Bearer " + signed
}

func (api *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	return rec
}

func TestIssueTokenGatedByBootstrapSecret(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/auth/token", "", map[string]any{
		"principal":        "validator-7",
		"scopes":           map[string]bool{"tracklogs.write": true},
		"bootstrap_secret": bootstrapSecret,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)

	rec = api.do(t, http.MethodPost, "/auth/token", "", map[string]any{
		"principal":        "intruder",
		"scopes":           map[string]bool{"*.admin": true},
		"bootstrap_secret": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/runs", "", map[string]any{"bucket": "tracklogs"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/validators", "Bearer garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestAndReadFlow(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, map[string]bool{"tracklogs.write": true, "tracklogs.read": true})

	// Открываем run
	rec := api.do(t, http.MethodPost, "/api/v1/runs", token, map[string]any{
		"bucket": "tracklogs",
		"config": map[string]string{"netuid": "5"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.RunID)

	// Пишем записи и завершаем
	records := []map[string]any{
		{"kind": "log", "level": "info", "message": "validator started"},
		{"kind": "log", "level": "error", "message": "peer timeout"},
		{"kind": "metric", "fields": map[string]any{"loss": 0.42}},
	}
	rec = api.do(t, http.MethodPost, "/api/v1/runs/"+created.RunID+"/records", token, records)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/runs/"+created.RunID+"/finish", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Конфиг run-а сохранился
	rec = api.do(t, http.MethodGet, "/api/v1/runs/"+created.RunID+"/config", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfgResp struct {
		Status string            `json:"status"`
		Config map[string]string `json:"config"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfgResp))
	assert.Equal(t, "finished", cfgResp.Status)
	assert.Equal(t, "5", cfgResp.Config["netuid"])

	// Читаем обратно
	rec = api.do(t, http.MethodGet, "/api/v1/runs/"+created.RunID+"/logs", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs struct {
		Items []struct {
			Record *domain.Record `json:"record"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs.Items, 3)
	assert.Equal(t, "validator started", logs.Items[0].Record.Message)
	assert.Equal(t, uint64(2), logs.Items[2].Record.Seq)

	// Фильтр по уровню
	rec = api.do(t, http.MethodGet, "/api/v1/runs/"+created.RunID+"/logs?level=error", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs.Items, 1)
	assert.Equal(t, "peer timeout", logs.Items[0].Record.Message)

	// Список валидаторов и их run-ов
	rec = api.do(t, http.MethodGet, "/api/v1/validators", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "validator-7")

	rec = api.do(t, http.MethodGet, "/api/v1/validators/validator-7/runs", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.RunID)

	// Экспорт NDJSON: по строке на запись
	rec = api.do(t, http.MethodGet, "/api/v1/runs/"+created.RunID+"/export?format=ndjson", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := 0
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			lines++
		}
	}
	assert.Equal(t, 3, lines)
}

func TestScopeSeparation(t *testing.T) {
	api := newTestAPI(t)
	readOnly := api.token(t, map[string]bool{"tracklogs.read": true})

	// read-токен не может открыть run
	rec := api.do(t, http.MethodPost, "/api/v1/runs", readOnly, map[string]any{"bucket": "tracklogs"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// write-токен не может читать
	writeOnly := api.token(t, map[string]bool{"tracklogs.write": true})
	rec = api.do(t, http.MethodGet, "/api/v1/validators", writeOnly, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// и не администрирует бакеты
	rec = api.do(t, http.MethodGet, "/api/v1/buckets/tracklogs/stats", writeOnly, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBucketAdminFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(t, map[string]bool{"*.admin": true})

	rec := api.do(t, http.MethodPost, "/api/v1/buckets", admin, map[string]any{
		"name":   "archive",
		"policy": map[string]any{"encryption": true, "retention_days": 7},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Повтор — конфликт
	rec = api.do(t, http.MethodPost, "/api/v1/buckets", admin, map[string]any{"name": "archive"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/buckets/archive/stats", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/buckets/archive/lifecycle", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/v1/buckets/archive", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/v1/buckets/archive", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminateReportsPersistedStatus(t *testing.T) {
	api := newTestAPI(t)
	writer := api.token(t, map[string]bool{"tracklogs.write": true})

	rec := api.do(t, http.MethodPost, "/api/v1/runs", writer, map[string]any{"bucket": "tracklogs"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = api.do(t, http.MethodPost, "/api/v1/runs/"+created.RunID+"/finish", writer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Abort после finish не переписывает статус: в ответе — фактический
	rec = api.do(t, http.MethodPost, "/api/v1/runs/"+created.RunID+"/abort", writer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "finished", resp.Status)

	// Никогда не существовавший run — не «успешно завершён»
	rec = api.do(t, http.MethodPost, "/api/v1/runs/no-such-run/finish", writer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBucketsFilteredByAdminScope(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(t, map[string]bool{"*.admin": true})

	rec := api.do(t, http.MethodPost, "/api/v1/buckets", admin, map[string]any{
		"name":   "archive",
		"policy": map[string]any{"retention_days": 7},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Buckets []domain.BucketInfo `json:"buckets"`
	}

	// Глобальный admin видит оба бакета
	rec = api.do(t, http.MethodGet, "/api/v1/buckets", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	names := make([]string, 0, len(resp.Buckets))
	for _, b := range resp.Buckets {
		names = append(names, b.Name)
	}
	assert.ElementsMatch(t, []string{"archive", "tracklogs"}, names)

	// Бакетный admin — только свой
	scoped := api.token(t, map[string]bool{"archive.admin": true})
	rec = api.do(t, http.MethodGet, "/api/v1/buckets", scoped, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp.Buckets = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Buckets, 1)
	assert.Equal(t, "archive", resp.Buckets[0].Name)
	assert.Equal(t, 7, resp.Buckets[0].Policy.RetentionDays)
}

func TestRevokeTokenMidSession(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token(t, map[string]bool{"*.admin": true})

	signed, claims, err := api.authority.Issue("validator-7", map[string]bool{"tracklogs.write": true}, 0)
	require.NoError(t, err)
	victim := "Bearer " + signed

	rec := api.do(t, http.MethodPost, "/api/v1/runs", victim, map[string]any{"bucket": "tracklogs"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = api.do(t, http.MethodPost, "/auth/revoke", admin, map[string]string{"token_id": claims.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	// Отозванный токен отклоняется на следующем же запросе
	rec = api.do(t, http.MethodPost, "/api/v1/runs/"+created.RunID+"/records", victim,
		[]map[string]any{{"kind": "log", "message": "after revoke"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "revoked")
}

func TestRevokeRequiresAdminScope(t *testing.T) {
	api := newTestAPI(t)
	writer := api.token(t, map[string]bool{"tracklogs.write": true})

	rec := api.do(t, http.MethodPost, "/auth/revoke", writer, map[string]string{"token_id": "whatever"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTailStreamsUntilRunEnds(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, map[string]bool{"tracklogs.write": true, "tracklogs.read": true})

	rec := api.do(t, http.MethodPost, "/api/v1/runs", token, map[string]any{"bucket": "tracklogs"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = api.do(t, http.MethodPost, "/api/v1/runs/"+created.RunID+"/records", token,
		[]map[string]any{{"kind": "log", "message": "tail me"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = api.do(t, http.MethodPost, "/api/v1/runs/"+created.RunID+"/finish", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Run завершён: tail отдаёт бэклог и закрывает поток сам
	rec = api.do(t, http.MethodGet, "/api/v1/runs/"+created.RunID+"/tail", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: record")
	assert.Contains(t, body, "tail me")
	assert.Contains(t, body, "event: end")
}
