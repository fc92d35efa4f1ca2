package stream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
)

// Tail — живое чтение run-а: сидируется последними записями
// (cfg.TailBacklog), затем поллит стор на новые батчи за последним
// виденным sequence-номером. Поток закрывается при отмене контекста
// или когда run завершён и дочитан; после отмены подписчику не
// доставляется ни одной буферизованной записи.
//
// Каждый подписчик — независимая задача поллинга: отмена одного
// не задевает остальных подписчиков того же run-а.
func (r *Retriever) Tail(ctx context.Context, claims *domain.TokenClaims, bucket, runID string, f *Filter) (<-chan Item, error) {
	if err := r.auth.Check(claims, bucket, domain.OpRead); err != nil {
		return nil, err
	}

	interval := r.cfg.TailInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	out := make(chan Item)
	go func() {
		defer close(out)
		r.metrics.TailSubscribers.Inc()
		defer r.metrics.TailSubscribers.Dec()

		// Сид: последние TailBacklog записей. Батчи читаем с хвоста,
		// пока не наберём бэклог.
		var lastSeen uint64 // Следующий ожидаемый seq (= последний виденный + 1)
		refs, err := r.listBatches(ctx, bucket, runID)
		if err != nil {
			emit(ctx, out, Item{Err: err})
			return
		}

		var backlog []domain.Record
		for i := len(refs) - 1; i >= 0 && len(backlog) < r.cfg.TailBacklog; i-- {
			records, gap := r.fetchBatch(ctx, bucket, refs[i])
			if gap != nil {
				continue // Сид — best effort, разрыв догонит основной цикл
			}
			backlog = append(records, backlog...)
		}
		if n := len(backlog) - r.cfg.TailBacklog; n > 0 {
			backlog = backlog[n:]
		}
		for idx := range backlog {
			rec := backlog[idx]
			lastSeen = rec.Seq + 1
			if !f.Match(&rec) {
				continue
			}
			if !emit(ctx, out, Item{Record: &rec}) {
				return
			}
		}
		if lastSeen == 0 && len(refs) > 0 {
			// Бэклог не собрался (все хвостовые батчи нечитаемы) —
			// стартуем за последним известным батчем
			lastSeen = refs[len(refs)-1].startSeq
		}

		emittedGaps := make(map[uint64]struct{})

		// Потерянный после requeue батч не оставляет объекта в сторе,
		// листинг его не увидит: разрыв берём из meta.json и эмитим по
		// позиции, иначе скачок seq пройдёт мимо подписчика молча.
		emitKnown := func(known []domain.Discontinuity, before uint64) bool {
			for idx := range known {
				g := known[idx]
				if g.FromSeq >= before {
					break
				}
				if g.ToSeq+1 > lastSeen {
					lastSeen = g.ToSeq + 1
				}
				if _, ok := emittedGaps[g.FromSeq]; ok {
					continue
				}
				emittedGaps[g.FromSeq] = struct{}{}
				if !emit(ctx, out, Item{Gap: &g}) {
					return false
				}
			}
			return true
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			refs, err := r.listBatches(ctx, bucket, runID)
			if err != nil {
				// Транзиентный отказ листинга не рвёт подписку
				r.logger.Warn("tail list failed", zap.String("run_id", runID), zap.Error(err))
				continue
			}

			var known []domain.Discontinuity
			terminal := false
			if run, err := r.runMeta(ctx, bucket, runID); err == nil {
				known = run.Discontinuities
				terminal = run.Status.Terminal()
			}

			for _, ref := range refs {
				if ref.startSeq < lastSeen {
					continue
				}
				if !emitKnown(known, ref.startSeq+1) {
					return
				}
				records, gap := r.fetchBatch(ctx, bucket, ref)
				if gap != nil {
					if _, ok := emittedGaps[gap.FromSeq]; !ok {
						emittedGaps[gap.FromSeq] = struct{}{}
						if !emit(ctx, out, Item{Gap: gap}) {
							return
						}
					}
					continue
				}
				for idx := range records {
					rec := records[idx]
					if rec.Seq < lastSeen {
						continue
					}
					lastSeen = rec.Seq + 1
					if !f.Match(&rec) {
						continue
					}
					if !emit(ctx, out, Item{Record: &rec}) {
						return
					}
				}
			}

			// Хвостовой разрыв: зафиксирован в мете, но следующего батча
			// за ним (пока) нет
			if !emitKnown(known, ^uint64(0)) {
				return
			}

			// Run завершён и дочитан — поток закрывается сам
			if terminal {
				if len(refs) == 0 || refs[len(refs)-1].startSeq < lastSeen {
					r.logger.Debug("tail finished, run terminal", zap.String("run_id", runID))
					return
				}
			}
		}
	}()

	return out, nil
}
