package stream

/*
Файл retriever.go реализует Stream Retriever — основной путь чтения.

Ключевые особенности архитектуры:
- Concurrent Fetch, Ordered Emit: батчи скачиваются параллельно
  (ограниченный пул), но записи всегда выдаются в неубывающем порядке
  sequence-номеров — у каждого батча свой слот, эмиттер ждёт слоты
  по порядку.
- Изоляция отказов: провал чтения/расшифровки одного батча не роняет
  поток — на его месте выдаётся gap-маркер, и последовательность
  продолжается.
- Фильтры (уровень, текст, окно времени) применяются после расшифровки.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra"
	"github.com/gnosis-research/gnosis-track/internal/storage"
)

// ObjectStore определяет, откуда ритривер читает
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error)
}

// BatchOpener — расшифровка и проверка целостности конверта (internal/seal).
type BatchOpener interface {
	OpenBatch(bucket string, env *domain.BatchEnvelope) ([]byte, error)
}

// AccessChecker — проверка scope чтения (internal/tokens).
type AccessChecker interface {
	Check(claims *domain.TokenClaims, bucket, op string) error
}

// Item — один элемент потока чтения: запись, gap-маркер либо
// терминальная ошибка потока.
type Item struct {
	Record *domain.Record
	Gap    *domain.Discontinuity
	Err    error
}

type Retriever struct {
	store   ObjectStore
	codec   BatchOpener
	auth    AccessChecker
	cfg     infra.StreamConfig
	logger  *zap.Logger
	metrics *infra.Metrics
}

func NewRetriever(store ObjectStore, codec BatchOpener, auth AccessChecker,
	cfg infra.StreamConfig, logger *zap.Logger, m *infra.Metrics) *Retriever {

	if m == nil {
		m = infra.NewMetrics(nil)
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.TailBacklog <= 0 {
		cfg.TailBacklog = 100
	}
	return &Retriever{
		store:   store,
		codec:   codec,
		auth:    auth,
		cfg:     cfg,
		logger:  logger.Named("stream"),
		metrics: m,
	}
}

// batchRef — один батч в листинге.
type batchRef struct {
	key      string
	startSeq uint64
}

// listBatches возвращает батчи run-а по возрастанию startSeq.
func (r *Retriever) listBatches(ctx context.Context, bucket, runID string) ([]batchRef, error) {
	objects, err := r.store.List(ctx, bucket, runID+"/")
	if err != nil {
		return nil, err
	}

	refs := make([]batchRef, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".batch") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, runID+"/"), ".batch")
		seq, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			r.logger.Warn("skipping unparseable batch key", zap.String("key", obj.Key))
			continue
		}
		refs = append(refs, batchRef{key: obj.Key, startSeq: seq})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].startSeq < refs[j].startSeq })
	return refs, nil
}

// fetchBatch скачивает и раскрывает один батч.
func (r *Retriever) fetchBatch(ctx context.Context, bucket string, ref batchRef) ([]domain.Record, *domain.Discontinuity) {
	gap := func(reason string, to uint64) *domain.Discontinuity {
		return &domain.Discontinuity{FromSeq: ref.startSeq, ToSeq: to, Reason: reason}
	}

	data, err := r.store.Get(ctx, bucket, ref.key)
	if err != nil {
		r.logger.Warn("batch fetch failed", zap.String("key", ref.key), zap.Error(err))
		return nil, gap("batch fetch failed: "+err.Error(), ref.startSeq)
	}

	var env domain.BatchEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, gap("batch envelope corrupt: "+err.Error(), ref.startSeq)
	}

	plaintext, err := r.codec.OpenBatch(bucket, &env)
	if err != nil {
		// Провал целостности фатален для ЭТОГО чтения, но не для потока
		r.metrics.ErrorTotal.WithLabelValues("decrypt_failed").Inc()
		r.logger.Warn("batch open failed", zap.String("key", ref.key), zap.Error(err))
		return nil, gap("batch open failed: "+err.Error(), env.StartSeq+uint64(env.Count)-1)
	}

	var records []domain.Record
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, gap("batch payload corrupt: "+err.Error(), env.StartSeq+uint64(env.Count)-1)
	}
	return records, nil
}

// Query выдаёт записи run-а в диапазоне [fromSeq, toSeq] (toSeq=0 —
// без верхней границы) ленивой конечной последовательностью.
func (r *Retriever) Query(ctx context.Context, claims *domain.TokenClaims, bucket, runID string,
	fromSeq, toSeq uint64, f *Filter) (<-chan Item, error) {

	if err := r.auth.Check(claims, bucket, domain.OpRead); err != nil {
		return nil, err
	}
	if toSeq == 0 {
		toSeq = ^uint64(0)
	}

	out := make(chan Item)
	go func() {
		defer close(out)

		refs, err := r.listBatches(ctx, bucket, runID)
		if err != nil {
			emit(ctx, out, Item{Err: err})
			return
		}

		// Обрезаем диапазон: батч релевантен, если пересекает [from, to].
		// Верхняя граница батча известна только после скачивания, поэтому
		// отбрасываем лишь те, что начинаются за toSeq, и те, чей
		// последующий батч начинается не позже fromSeq.
		relevant := make([]batchRef, 0, len(refs))
		for i, ref := range refs {
			if ref.startSeq > toSeq {
				break
			}
			if i+1 < len(refs) && refs[i+1].startSeq <= fromSeq {
				continue
			}
			relevant = append(relevant, ref)
		}

		// Известные разрывы из meta.json — вплетаются по позиции
		gaps := r.knownGaps(ctx, bucket, runID)

		// Concurrent fetch: у каждого батча свой слот, эмит по порядку
		type slot struct {
			records []domain.Record
			gap     *domain.Discontinuity
		}
		slots := make([]chan slot, len(relevant))
		sem := make(chan struct{}, r.cfg.FetchConcurrency)
		for i, ref := range relevant {
			slots[i] = make(chan slot, 1)
			go func(i int, ref batchRef) {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					close(slots[i])
					return
				}
				defer func() { <-sem }()
				records, gap := r.fetchBatch(ctx, bucket, ref)
				slots[i] <- slot{records: records, gap: gap}
			}(i, ref)
		}

		for i := range slots {
			var s slot
			select {
			case s = <-slots[i]:
			case <-ctx.Done():
				return
			}

			// Сначала зафиксированные разрывы до этой позиции
			start := relevant[i].startSeq
			for len(gaps) > 0 && gaps[0].FromSeq <= start {
				g := gaps[0]
				gaps = gaps[1:]
				if !emit(ctx, out, Item{Gap: &g}) {
					return
				}
			}

			if s.gap != nil {
				if !emit(ctx, out, Item{Gap: s.gap}) {
					return
				}
				continue
			}
			for idx := range s.records {
				rec := s.records[idx]
				if rec.Seq < fromSeq || rec.Seq > toSeq {
					continue
				}
				if !f.Match(&rec) {
					continue
				}
				if !emit(ctx, out, Item{Record: &rec}) {
					return
				}
			}
		}

		// Хвостовые разрывы (после последнего батча)
		for idx := range gaps {
			if gaps[idx].FromSeq > toSeq {
				break
			}
			if !emit(ctx, out, Item{Gap: &gaps[idx]}) {
				return
			}
		}
	}()

	return out, nil
}

// knownGaps читает meta.json и возвращает зафиксированные разрывы
// по возрастанию. Отказ здесь не фатален для чтения.
func (r *Retriever) knownGaps(ctx context.Context, bucket, runID string) []domain.Discontinuity {
	run, err := r.runMeta(ctx, bucket, runID)
	if err != nil {
		return nil
	}
	gaps := append([]domain.Discontinuity(nil), run.Discontinuities...)
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].FromSeq < gaps[j].FromSeq })
	return gaps
}

func (r *Retriever) runMeta(ctx context.Context, bucket, runID string) (*domain.Run, error) {
	data, err := r.store.Get(ctx, bucket, domain.MetaObjectKey(runID))
	if err != nil {
		return nil, err
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run meta: %w", err)
	}
	return &run, nil
}

// RunMeta — метаданные run-а (config snapshot, статус, разрывы).
func (r *Retriever) RunMeta(ctx context.Context, claims *domain.TokenClaims, bucket, runID string) (*domain.Run, error) {
	if err := r.auth.Check(claims, bucket, domain.OpRead); err != nil {
		return nil, err
	}
	return r.runMeta(ctx, bucket, runID)
}

// ListRuns возвращает метаданные всех run-ов бакета,
// опционально отфильтрованные по принципалу.
func (r *Retriever) ListRuns(ctx context.Context, claims *domain.TokenClaims, bucket, principal string) ([]domain.Run, error) {
	if err := r.auth.Check(claims, bucket, domain.OpRead); err != nil {
		return nil, err
	}

	objects, err := r.store.List(ctx, bucket, "")
	if err != nil {
		return nil, err
	}

	var runs []domain.Run
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, "/meta.json") {
			continue
		}
		data, err := r.store.Get(ctx, bucket, obj.Key)
		if err != nil {
			r.logger.Warn("run meta fetch failed", zap.String("key", obj.Key), zap.Error(err))
			continue
		}
		var run domain.Run
		if err := json.Unmarshal(data, &run); err != nil {
			r.logger.Warn("run meta corrupt", zap.String("key", obj.Key), zap.Error(err))
			continue
		}
		if principal != "" && run.Principal != principal {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

// ListPrincipals — все принципалы, имеющие run-ы в бакете.
func (r *Retriever) ListPrincipals(ctx context.Context, claims *domain.TokenClaims, bucket string) ([]string, error) {
	runs, err := r.ListRuns(ctx, claims, bucket, "")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	for _, run := range runs {
		if _, ok := seen[run.Principal]; !ok {
			seen[run.Principal] = struct{}{}
			out = append(out, run.Principal)
		}
	}
	sort.Strings(out)
	return out, nil
}

// emit отправляет элемент с уважением к отмене: после Done ни один
// буферизованный элемент подписчику не доставляется.
func emit(ctx context.Context, out chan<- Item, item Item) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
