package ingest

/*
Файл writer.go реализует пишущую часть одного Run.

Ключевые особенности архитектуры:
- Sequence Lock: назначение sequence-номеров и буферизация сериализованы
  per-run мьютексом. Сетевые вызовы под этим локом НЕ выполняются:
  лок берётся только чтобы snapshot-and-clear буфера, коммит идёт после
  освобождения.
- Flush Policy: батч уходит по первому из трёх условий — порог записей,
  порог байт, таймер максимального удержания. Записи никогда не висят
  в памяти бесконечно.
- Drain Pattern & Idempotent Finish: finish/abort дожидается всех
  коммитов в полёте, пишет терминальный meta.json ровно один раз;
  повторный вызов — no-op без второй записи.
- Reliability: упавший коммит НЕ выбрасывается — один дополнительный
  отложенный цикл ретраев; после него диапазон фиксируется как видимый
  разрыв (discontinuity), а ошибка отдаётся вызывающему. Данные никогда
  не теряются молча, и продюсер никогда не блокируется навечно.
*/

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra"
)

// commitQueueCap ограничивает батчи в полёте: заполненная очередь
// притормаживает append (backpressure), а не раздувает память.
const commitQueueCap = 8

type writer struct {
	store   ObjectStore
	codec   BatchCodec
	logger  *zap.Logger
	metrics *infra.Metrics

	bucket  string
	policy  domain.BucketPolicy
	cfg     infra.IngestConfig

	// Sequence lock: защищает run, buf и решение о сбросе.
	mu       sync.Mutex
	run      *domain.Run
	buf      []domain.Record
	bufBytes int

	// pendingErr — отказ прошлого коммита, отдаётся следующему вызову.
	pendingErr *domain.WriteFailedError
	finishErr  error

	commitCh chan []domain.Record // nil-слайс — сигнал завершения воркеру
	enqWG    sync.WaitGroup       // Сэнды в полёте между unlock и commitCh
	workerWG sync.WaitGroup
}

func newWriter(run *domain.Run, policy domain.BucketPolicy, store ObjectStore, codec BatchCodec,
	cfg infra.IngestConfig, logger *zap.Logger, m *infra.Metrics) *writer {

	w := &writer{
		store:    store,
		codec:    codec,
		logger:   logger.With(zap.String("run_id", run.ID)),
		metrics:  m,
		bucket:   run.Bucket,
		policy:   policy,
		cfg:      cfg,
		run:      run,
		commitCh: make(chan []domain.Record, commitQueueCap),
	}

	w.workerWG.Add(1)
	go w.worker()
	return w
}

// append назначает записи sequence-номер и буферизует её.
// Возвращённая ошибка *WriteFailedError относится к ПРОШЛОМУ упавшему
// коммиту (текущая запись принята): вызывающий логирует и живёт дальше.
func (w *writer) append(rec domain.Record) error {
	w.mu.Lock()

	if w.run.Status.Terminal() {
		w.mu.Unlock()
		return domain.ErrRunTerminated
	}

	rec.RunID = w.run.ID
	rec.Seq = w.run.NextSeq
	w.run.NextSeq++
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	w.buf = append(w.buf, rec)
	w.bufBytes += recordSizeEstimate(&rec)
	w.metrics.IngestBufferFill.Inc()

	var snapshot []domain.Record
	if len(w.buf) >= w.cfg.FlushCount || w.bufBytes >= w.cfg.FlushBytes {
		snapshot = w.drainLocked()
	}

	var stickyErr error
	if w.pendingErr != nil {
		stickyErr = w.pendingErr
		w.pendingErr = nil
	}
	w.mu.Unlock()

	// Коммит — за пределами sequence lock
	if snapshot != nil {
		w.commitCh <- snapshot
		w.enqWG.Done()
	}
	return stickyErr
}

// drainLocked снимает снапшот буфера и чистит его. Вызывается под mu.
func (w *writer) drainLocked() []domain.Record {
	if len(w.buf) == 0 {
		return nil
	}
	snapshot := w.buf
	w.buf = nil
	w.bufBytes = 0
	w.metrics.IngestBufferFill.Sub(float64(len(snapshot)))
	w.enqWG.Add(1) // Под локом: finish обязан дождаться этого сэнда
	return snapshot
}

// finish переводит run в терминальный статус. Идемпотентен: второй
// вызов возвращает тот же результат и не делает второй записи.
func (w *writer) finish(ctx context.Context, status domain.RunStatus) error {
	w.mu.Lock()
	if w.run.Status.Terminal() {
		err := w.finishErr
		w.mu.Unlock()
		return err
	}
	w.run.Status = status
	now := time.Now().UTC()
	w.run.FinishedAt = &now
	snapshot := w.drainLocked()
	w.mu.Unlock()

	// Ждём сэнды, стартовавшие до терминального перехода, затем свой
	// финальный батч и сигнал воркеру. Новых продюсеров уже нет.
	if snapshot != nil {
		w.commitCh <- snapshot
		w.enqWG.Done()
	}
	w.enqWG.Wait()
	w.commitCh <- nil
	w.workerWG.Wait()

	// Терминальная запись meta.json — ровно одна
	err := w.writeMeta(ctx)

	w.mu.Lock()
	if w.pendingErr != nil {
		err = w.pendingErr
		w.pendingErr = nil
	}
	w.finishErr = err
	w.mu.Unlock()

	w.logger.Info("run terminated",
		zap.String("status", string(status)),
		zap.Uint64("records", w.seqSnapshot()),
	)
	return err
}

// flush — принудительный сброс буфера без терминального перехода
// (graceful shutdown процесса: run остаётся active). Коммит синхронный:
// вызывающий должен быть уверен, что данные дошли до стора.
func (w *writer) flush(ctx context.Context) {
	w.mu.Lock()
	snapshot := w.drainLocked()
	w.mu.Unlock()

	if snapshot != nil {
		w.enqWG.Done()
		w.commit(snapshot)
	}
	_ = w.writeMeta(ctx)
}

func (w *writer) seqSnapshot() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.run.NextSeq
}

// snapshotRun отдаёт копию метаданных run для meta.json.
func (w *writer) snapshotRun() domain.Run {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := *w.run
	cp.Discontinuities = append([]domain.Discontinuity(nil), w.run.Discontinuities...)
	return cp
}

// worker — единственный потребитель commitCh: коммиты идут по порядку,
// плюс flush-таймер, ограничивающий время удержания буфера.
func (w *writer) worker() {
	defer w.workerWG.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case batch := <-w.commitCh:
			if batch == nil {
				// Сигнал завершения: дочитываем очередь и выходим
				for {
					select {
					case b := <-w.commitCh:
						if b != nil {
							w.commit(b)
						}
					default:
						return
					}
				}
			}
			w.commit(batch)

		case <-ticker.C:
			w.mu.Lock()
			snapshot := w.drainLocked()
			w.mu.Unlock()
			if snapshot != nil {
				w.enqWG.Done() // Воркер сам себе продюсер, сэнд не нужен
				w.commit(snapshot)
			}
		}
	}
}

// commit шифрует и пишет один батч. Используем Background: контекст
// вызвавшего append-а давно закрыт, а батч обязан дойти до стора.
func (w *writer) commit(records []domain.Record) {
	startSeq := records[0].Seq
	endSeq := records[len(records)-1].Seq

	err := w.put(records, startSeq)
	if err != nil {
		// Батч НЕ выбрасывается: один дополнительный отложенный цикл
		w.logger.Warn("batch commit failed, requeueing once",
			zap.Uint64("start_seq", startSeq), zap.Error(err))
		time.Sleep(w.cfg.RequeueDelay)
		err = w.put(records, startSeq)
	}

	if err != nil {
		// Второй цикл тоже упал: фиксируем видимый разрыв
		w.metrics.Discontinuities.Inc()
		w.metrics.ErrorTotal.WithLabelValues("write_failed").Inc()
		w.logger.Error("batch lost after requeue, recording discontinuity",
			zap.Uint64("from_seq", startSeq), zap.Uint64("to_seq", endSeq), zap.Error(err))

		w.mu.Lock()
		w.run.Discontinuities = append(w.run.Discontinuities, domain.Discontinuity{
			FromSeq: startSeq,
			ToSeq:   endSeq,
			Reason:  "write failed after retry cycles",
			At:      time.Now().UTC(),
		})
		w.pendingErr = &domain.WriteFailedError{
			RunID: w.run.ID, FromSeq: startSeq, ToSeq: endSeq, Cause: err,
		}
		w.mu.Unlock()

		// Разрыв должен быть виден downstream даже до finish
		if mErr := w.writeMeta(context.Background()); mErr != nil {
			w.logger.Warn("meta update after discontinuity failed", zap.Error(mErr))
		}
		return
	}

	w.metrics.BatchesFlushed.WithLabelValues(w.bucket).Inc()
	w.metrics.RecordsFlushed.Add(float64(len(records)))
	w.logger.Debug("batch committed",
		zap.Uint64("start_seq", startSeq), zap.Int("count", len(records)))
}

func (w *writer) put(records []domain.Record, startSeq uint64) error {
	plaintext, err := json.Marshal(records)
	if err != nil {
		return err
	}

	env := &domain.BatchEnvelope{
		RunID:    w.run.ID,
		StartSeq: startSeq,
		Count:    len(records),
	}
	if err := w.codec.SealBatch(w.bucket, env, plaintext, w.policy.Encryption); err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err = w.store.Put(ctx, w.bucket, domain.BatchObjectKey(w.run.ID, startSeq), data)
	return err
}

// writeMeta пишет текущий снапшот meta.json run-а.
func (w *writer) writeMeta(ctx context.Context) error {
	run := w.snapshotRun()
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = w.store.Put(ctx, w.bucket, domain.MetaObjectKey(run.ID), data)
	return err
}

// recordSizeEstimate — дешёвая оценка вклада записи в байтовый порог.
// Точность не нужна: порог — эвристика против разбухания буфера.
func recordSizeEstimate(rec *domain.Record) int {
	size := 96 + len(rec.Message) + len(rec.Level)
	for k := range rec.Fields {
		size += len(k) + 24
	}
	return size
}
