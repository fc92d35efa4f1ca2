package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность вызовов Storage Gateway
	StorageDuration *prometheus.HistogramVec

	// Сколько ретраев потребовалось хранилищу
	StorageRetries *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	BreakerState prometheus.Gauge

	// Кэшированный health хранилища (0/1)
	StorageHealthy prometheus.Gauge

	// Ingest: закоммиченные батчи и записи
	BatchesFlushed *prometheus.CounterVec
	RecordsFlushed prometheus.Counter

	// Зафиксированные разрывы последовательностей (потерянные батчи)
	Discontinuities prometheus.Counter

	// Заполненность буферов активных run-ов (backpressure)
	IngestBufferFill prometheus.Gauge

	// Активные tail-подписчики
	TailSubscribers prometheus.Gauge

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		StorageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "track_storage_call_duration_seconds",
			Help:    "Histogram of object store call latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op", "status"}),

		StorageRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "track_storage_retries_total",
			Help: "Total number of retried object store calls.",
		}, []string{"op"}),

		BreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "track_storage_breaker_state",
			Help: "Current state of the storage circuit breaker (0=closed, 1=open).",
		}),

		StorageHealthy: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "track_storage_healthy",
			Help: "Cached storage health probe result (1=healthy).",
		}),

		BatchesFlushed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "track_batches_flushed_total",
			Help: "Total number of committed batches.",
		}, []string{"bucket"}),

		RecordsFlushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "track_records_flushed_total",
			Help: "Total number of records committed to storage.",
		}),

		Discontinuities: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "track_discontinuities_total",
			Help: "Total number of recorded sequence discontinuities.",
		}),

		IngestBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "track_ingest_buffer_records",
			Help: "Current number of buffered records across active runs.",
		}),

		TailSubscribers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "track_tail_subscribers",
			Help: "Current number of live tail subscribers.",
		}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "track_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: forbidden, revoked, storage_unavailable, write_failed, decrypt_failed
	}
}
