package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/infra"
)

// HealthStatus — снапшот последней пробы.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// Prober периодически пробует хранилище и кэширует результат.
// Ingestion Engine читает кэш, чтобы fail fast (отклонять записи),
// а не копить очередь, когда стор лежит.
type Prober struct {
	gw       *Gateway
	interval time.Duration
	logger   *zap.Logger
	metrics  *infra.Metrics

	mu     sync.RWMutex
	status HealthStatus
}

func NewProber(gw *Gateway, interval time.Duration, logger *zap.Logger, m *infra.Metrics) *Prober {
	if m == nil {
		m = infra.NewMetrics(nil)
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Prober{
		gw:       gw,
		interval: interval,
		logger:   logger.Named("health-prober"),
		metrics:  m,
		// До первой пробы считаем стор живым: иначе первый же append
		// после старта ловил бы ложный отказ
		status: HealthStatus{Healthy: true, CheckedAt: time.Now()},
	}
}

// Run крутит пробы до отмены контекста. Запускается как go p.Run(ctx).
func (p *Prober) Run(ctx context.Context) {
	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health prober stopping by context")
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	err := p.gw.HealthCheck(ctx)

	st := HealthStatus{Healthy: err == nil, CheckedAt: time.Now()}
	if err != nil {
		st.Error = err.Error()
		p.metrics.StorageHealthy.Set(0)
		p.logger.Warn("storage probe failed", zap.Error(err))
	} else {
		p.metrics.StorageHealthy.Set(1)
	}

	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
}

// Healthy — кэшированный результат последней пробы.
func (p *Prober) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.Healthy
}

// Snapshot отдаёт полный статус для /health.
func (p *Prober) Snapshot() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}
