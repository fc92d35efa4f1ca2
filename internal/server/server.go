package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gnosis-research/gnosis-track/internal/infra"
	"github.com/gnosis-research/gnosis-track/internal/infra/auth"
	"github.com/gnosis-research/gnosis-track/internal/server/handler"
	"github.com/gnosis-research/gnosis-track/internal/storage"
)

// Server — единый HTTP-фасад: выпуск токенов, remote-ингест,
// чтение/tail/экспорт и администрирование бакетов.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	httpSrv *http.Server

	// Интерфейс проверки токенов (HS256)
	authValidator auth.TokenValidator
	prober        *storage.Prober
	registry      *prometheus.Registry

	// Обработчики бизнес-доменов
	authHandler   *handler.AuthHandler   // /auth/token, /auth/revoke
	ingestHandler *handler.IngestHandler // /api/v1/runs (write)
	streamHandler *handler.StreamHandler // /api/v1/validators, runs (read)
	bucketHandler *handler.BucketHandler // /api/v1/buckets
}

// NewServer собирает роутер со всеми зависимостями.
func NewServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	prober *storage.Prober,
	registry *prometheus.Registry,
	authH *handler.AuthHandler,
	ingestH *handler.IngestHandler,
	streamH *handler.StreamHandler,
	bucketH *handler.BucketHandler,
) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger.Named("http-api"),
		cfg:           cfg,
		authValidator: validator,
		prober:        prober,
		registry:      registry,
		authHandler:   authH,
		ingestHandler: ingestH,
		streamHandler: streamH,
		bucketHandler: bucketH,
	}

	s.routes()

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		// WriteTimeout не ставим: tail-SSE живёт до конца run-а
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Выпуск токена гейтится bootstrap-секретом, не middleware-ом
		r.Post("/auth/token", s.authHandler.Issue)

		r.Get("/health", s.health)
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	})

	// --- 3. ЗАЩИЩЁННЫЙ ПЕРИМЕТР (требуют HS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Post("/auth/revoke", s.authHandler.Revoke)

		// Запись: remote-ингест с лимитером на входе
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimiter())
			r.Post("/api/v1/runs", s.ingestHandler.CreateRun)
			r.Post("/api/v1/runs/{id}/records", s.ingestHandler.AppendRecords)
			r.Post("/api/v1/runs/{id}/finish", s.ingestHandler.FinishRun)
			r.Post("/api/v1/runs/{id}/abort", s.ingestHandler.AbortRun)
		})

		// Чтение: валидаторы, run-ы, записи
		r.Get("/api/v1/validators", s.streamHandler.ListValidators)
		r.Get("/api/v1/validators/{principal}/runs", s.streamHandler.ListRuns)
		r.Route("/api/v1/runs/{id}", func(r chi.Router) {
			r.Get("/config", s.streamHandler.RunConfig)
			r.Get("/logs", s.streamHandler.Logs)
			r.Get("/tail", s.streamHandler.Tail)
			r.Get("/export", s.streamHandler.Export)
		})

		// Администрирование бакетов
		r.Route("/api/v1/buckets", func(r chi.Router) {
			r.Get("/", s.bucketHandler.List)
			r.Post("/", s.bucketHandler.Create)
			r.Route("/{name}", func(r chi.Router) {
				r.Delete("/", s.bucketHandler.Delete)
				r.Get("/stats", s.bucketHandler.Stats)
				r.Get("/policy", s.bucketHandler.Policy)
				r.Post("/lifecycle", s.bucketHandler.Lifecycle)
			})
		})
	})
}

// rateLimiter ограничивает ingest-путь глобальным token-bucket-ом.
// Читателей не трогает: выгрузка большого run-а не должна душиться.
func (s *Server) rateLimiter() func(http.Handler) http.Handler {
	if s.cfg.Server.RateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := s.cfg.Server.RateBurst
	if burst <= 0 {
		burst = int(s.cfg.Server.RateLimit)
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Server.RateLimit), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// health отдаёт состояние последней пробы хранилища. Деградация
// стораджа — 503, чтобы LB выводил ноду из ротации.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	snap := s.prober.Snapshot()
	status := http.StatusOK
	body := map[string]any{
		"status":     "ok",
		"storage_ok": snap.Healthy,
		"checked_at": snap.CheckedAt.Format(time.RFC3339),
	}
	if !snap.Healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["error"] = snap.Error
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Start блокируется до остановки сервера.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown мягко гасит сервер, дожидаясь живых соединений.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
