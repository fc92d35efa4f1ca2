package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra"
)

// ObjectStore определяет, куда физически коммитятся батчи
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte) (string, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// BatchCodec — envelope-шифрование батчей (internal/seal).
type BatchCodec interface {
	SealBatch(bucket string, env *domain.BatchEnvelope, plaintext []byte, encrypt bool) error
}

// PolicySource — откуда брать политику бакета (internal/buckets).
type PolicySource interface {
	Policy(ctx context.Context, bucket string) (domain.BucketPolicy, error)
}

// AccessChecker — проверка токенов (internal/tokens).
type AccessChecker interface {
	Validate(tokenStr string) (*domain.TokenClaims, error)
	Check(claims *domain.TokenClaims, bucket, op string) error
}

// HealthSource — кэшированный health хранилища (internal/storage.Prober).
type HealthSource interface {
	Healthy() bool
}

// RunHandle — явный хэндл сессии, возвращаемый InitRun. Передаётся
// вызывающим в каждую последующую операцию; никакого ambient-синглтона
// "текущего логгера" не существует.
type RunHandle struct {
	runID  string
	bucket string
	w      *writer
}

func (h *RunHandle) RunID() string  { return h.runID }
func (h *RunHandle) Bucket() string { return h.bucket }

// Engine — движок ингеста. Много run-ов работают полностью параллельно;
// зависимостей между run-ами нет.
type Engine struct {
	store    ObjectStore
	codec    BatchCodec
	policies PolicySource
	auth     AccessChecker
	health   HealthSource
	cfg      infra.IngestConfig
	logger   *zap.Logger
	metrics  *infra.Metrics

	mu   sync.RWMutex
	runs map[string]*RunHandle // Активные run-ы
}

func NewEngine(store ObjectStore, codec BatchCodec, policies PolicySource, auth AccessChecker,
	health HealthSource, cfg infra.IngestConfig, logger *zap.Logger, m *infra.Metrics) *Engine {

	if m == nil {
		m = infra.NewMetrics(nil)
	}
	if cfg.FlushCount <= 0 {
		cfg.FlushCount = 100
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = 1 << 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 3 * time.Second
	}

	return &Engine{
		store:    store,
		codec:    codec,
		policies: policies,
		auth:     auth,
		health:   health,
		cfg:      cfg,
		logger:   logger.Named("ingest"),
		metrics:  m,
		runs:     make(map[string]*RunHandle),
	}
}

// InitRun открывает сессию логирования. Токен без write-scope на бакет —
// ErrForbidden (отличимо от "не аутентифицирован").
func (e *Engine) InitRun(ctx context.Context, tokenStr, bucket string, config map[string]string) (*RunHandle, *domain.TokenClaims, error) {
	claims, err := e.auth.Validate(tokenStr)
	if err != nil {
		return nil, nil, err
	}
	if err := e.auth.Check(claims, bucket, domain.OpWrite); err != nil {
		e.metrics.ErrorTotal.WithLabelValues("forbidden").Inc()
		return nil, nil, err
	}

	policy, err := e.policies.Policy(ctx, bucket)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve bucket policy: %w", err)
	}

	run := &domain.Run{
		ID:        uuid.NewString(),
		Principal: claims.Principal,
		Bucket:    bucket,
		Status:    domain.RunActive,
		Config:    config,
		CreatedAt: time.Now().UTC(),
	}

	w := newWriter(run, policy, e.store, e.codec, e.cfg, e.logger, e.metrics)

	// Начальный meta.json: run виден читателям сразу после InitRun
	if err := w.writeMeta(ctx); err != nil {
		_ = w.finish(ctx, domain.RunAborted)
		return nil, nil, fmt.Errorf("write run meta: %w", err)
	}

	h := &RunHandle{runID: run.ID, bucket: bucket, w: w}
	e.mu.Lock()
	e.runs[run.ID] = h
	e.mu.Unlock()

	e.logger.Info("run initialized",
		zap.String("run_id", run.ID),
		zap.String("principal", claims.Principal),
		zap.String("bucket", bucket),
	)
	return h, claims, nil
}

// Status возвращает персистентный статус run-а из meta.json.
// Нужен терминальным ручкам HTTP-слоя: после выгрузки хэндла из памяти
// повторный finish/abort отвечает фактическим статусом, а не запрошенным.
func (e *Engine) Status(ctx context.Context, claims *domain.TokenClaims, bucket, runID string) (domain.RunStatus, error) {
	if err := e.auth.Check(claims, bucket, domain.OpWrite); err != nil {
		return "", err
	}
	data, err := e.store.Get(ctx, bucket, domain.MetaObjectKey(runID))
	if err != nil {
		return "", err
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return "", fmt.Errorf("decode run meta: %w", err)
	}
	return run.Status, nil
}

// Handle возвращает активный run по ID (для stateless HTTP-слоя).
func (e *Engine) Handle(runID string) (*RunHandle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.runs[runID]
	return h, ok
}

// Append буферизует запись. Fail fast: при лежащем сторе отклоняем
// сразу, а не копим очередь в никуда.
func (e *Engine) Append(ctx context.Context, h *RunHandle, claims *domain.TokenClaims, rec domain.Record) error {
	if err := e.auth.Check(claims, h.bucket, domain.OpWrite); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	if !e.health.Healthy() {
		e.metrics.ErrorTotal.WithLabelValues("storage_unavailable").Inc()
		return fmt.Errorf("%w: ingest rejected, storage unhealthy", domain.ErrStorageUnavailable)
	}
	return h.w.append(rec)
}

// Finish завершает run со статусом finished. Идемпотентен.
func (e *Engine) Finish(ctx context.Context, h *RunHandle, claims *domain.TokenClaims) error {
	return e.terminate(ctx, h, claims, domain.RunFinished)
}

// Abort завершает run со статусом aborted. Идемпотентен.
func (e *Engine) Abort(ctx context.Context, h *RunHandle, claims *domain.TokenClaims) error {
	return e.terminate(ctx, h, claims, domain.RunAborted)
}

func (e *Engine) terminate(ctx context.Context, h *RunHandle, claims *domain.TokenClaims, status domain.RunStatus) error {
	if err := e.auth.Check(claims, h.bucket, domain.OpWrite); err != nil {
		return err
	}

	err := h.w.finish(ctx, status)

	e.mu.Lock()
	delete(e.runs, h.runID)
	e.mu.Unlock()
	return err
}

// Close сбрасывает буферы всех активных run-ов (graceful shutdown).
// Терминального перехода нет: run-ы остаются active и могут продолжить
// после рестарта процесса.
func (e *Engine) Close(ctx context.Context) {
	e.mu.RLock()
	handles := make([]*RunHandle, 0, len(e.runs))
	for _, h := range e.runs {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	e.logger.Info("flushing active runs", zap.Int("count", len(handles)))
	for _, h := range handles {
		h.w.flush(ctx)
	}
}
