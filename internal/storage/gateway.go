package storage

/*
Файл gateway.go реализует Storage Gateway — живучий клиент поверх
S3-совместимого API.

Ключевые особенности архитектуры:
- Retry & Backoff: каждый вызов ретраится с экспоненциальным бэкоффом
  и джиттером до настраиваемого капа попыток; после исчерпания наружу
  уходит ErrStorageUnavailable, который вызывающий слой НЕ ретраит
  (никаких тихих бесконечных циклов).
- Circuit Breaker: предохранитель поверх всех вызовов. Когда хранилище
  лежит, трафик блокируется сразу, не сжигая ретраи.
- Классификация ошибок: транзиентные (сеть, 5xx, throttling) ретраятся,
  смысловые (NoSuchKey, BucketAlreadyExists) мапятся на доменную
  таксономию и уходят наверх без повторов.
*/

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra"
)

// ObjectInfo — метаданные объекта в листинге.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

type Gateway struct {
	api     S3API
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *infra.Metrics

	attempts uint
	timeout  time.Duration
}

func NewGateway(api S3API, cfg infra.StorageConfig, logger *zap.Logger, m *infra.Metrics) *Gateway {
	if m == nil {
		m = infra.NewMetrics(nil)
	}
	g := &Gateway{
		api:      api,
		logger:   logger.Named("storage-gateway"),
		metrics:  m,
		attempts: uint(cfg.MaxRetries),
		timeout:  cfg.RequestTimeout,
	}
	if g.attempts == 0 {
		g.attempts = 4
	}
	if g.timeout == 0 {
		g.timeout = 10 * time.Second
	}

	// Настройка предохранителя
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "object-store",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				m.BreakerState.Set(1)
			} else {
				m.BreakerState.Set(0)
			}
		},
		IsSuccessful: func(err error) bool {
			// Смысловые отказы (NotFound и т.п.) не должны открывать предохранитель
			return err == nil || !isTransient(err)
		},
	})

	return g
}

// Put записывает объект и возвращает ETag.
func (g *Gateway) Put(ctx context.Context, bucket, key string, data []byte) (string, error) {
	var etag string
	err := g.call(ctx, "put", func(ctx context.Context) error {
		out, err := g.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	return etag, err
}

// Get читает объект целиком. Отсутствие объекта — domain.ErrNotFound.
func (g *Gateway) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := g.call(ctx, "get", func(ctx context.Context) error {
		out, err := g.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	return data, err
}

// List возвращает объекты по префиксу, отсортированные по ключу.
// Пагинация скрыта внутри.
func (g *Gateway) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var result []ObjectInfo
	err := g.call(ctx, "list", func(ctx context.Context) error {
		result = result[:0]
		var token *string
		for {
			out, err := g.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
			if err != nil {
				return err
			}
			for _, obj := range out.Contents {
				result = append(result, ObjectInfo{
					Key:          aws.ToString(obj.Key),
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
				})
			}
			if !aws.ToBool(out.IsTruncated) {
				break
			}
			token = out.NextContinuationToken
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// S3 отдаёт ключи по возрастанию, но контракт не должен зависеть от стора
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Delete удаляет объект. Удаление отсутствующего объекта — не ошибка.
func (g *Gateway) Delete(ctx context.Context, bucket, key string) error {
	return g.call(ctx, "delete", func(ctx context.Context) error {
		_, err := g.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// CreateBucket создаёт бакет. Существующий — domain.ErrAlreadyExists.
func (g *Gateway) CreateBucket(ctx context.Context, name string) error {
	return g.call(ctx, "create_bucket", func(ctx context.Context) error {
		_, err := g.api.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(name),
		})
		return err
	})
}

// DeleteBucket удаляет пустой бакет.
func (g *Gateway) DeleteBucket(ctx context.Context, name string) error {
	return g.call(ctx, "delete_bucket", func(ctx context.Context) error {
		_, err := g.api.DeleteBucket(ctx, &s3.DeleteBucketInput{
			Bucket: aws.String(name),
		})
		return err
	})
}

// Buckets возвращает имена всех бакетов стора по возрастанию.
func (g *Gateway) Buckets(ctx context.Context) ([]string, error) {
	var names []string
	err := g.call(ctx, "list_buckets", func(ctx context.Context) error {
		out, err := g.api.ListBuckets(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return err
		}
		names = names[:0]
		for _, b := range out.Buckets {
			names = append(names, aws.ToString(b.Name))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// BucketExists проверяет наличие бакета через HeadBucket.
func (g *Gateway) BucketExists(ctx context.Context, name string) (bool, error) {
	err := g.call(ctx, "head_bucket", func(ctx context.Context) error {
		_, err := g.api.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(name),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HealthCheck — один пробный вызов без ретраев (для health-пробера:
// ретраить пробу бессмысленно, она и так периодическая).
func (g *Gateway) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	_, err := g.api.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return fmt.Errorf("%w: health probe: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// call — общий контур надёжности: Circuit Breaker поверх retry-go
// с экспоненциальным бэкоффом и джиттером.
func (g *Gateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	status := "ok"

	_, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(g.attempts),
			retry.RetryIf(isTransient),
			retry.OnRetry(func(n uint, err error) {
				g.metrics.StorageRetries.WithLabelValues(op).Inc()
				g.logger.Warn("retrying storage call",
					zap.String("op", op), zap.Uint("attempt", n+1), zap.Error(err))
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Экспоненциальный бэкофф + джиттер до 250мс,
				// чтобы параллельные run-ы не били в стор синхронно
				return retry.BackOffDelay(n, err, config) + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return fn(tCtx)
		})
		return nil, retryErr
	})

	if err != nil {
		status = "error"
	}
	g.metrics.StorageDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())

	return g.mapError(op, err)
}

// mapError переводит ошибки SDK/брейкера в доменную таксономию.
func (g *Gateway) mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	// Предохранитель открыт — хранилище считается недоступным сразу
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open (%s)", domain.ErrStorageUnavailable, op)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %s: %s", domain.ErrNotFound, op, apiErr.ErrorCode())
		case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
			return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, op)
		case "BucketNotEmpty":
			return fmt.Errorf("%w: %s", domain.ErrNotEmpty, op)
		}
	}

	if isTransient(err) {
		g.metrics.ErrorTotal.WithLabelValues("storage_unavailable").Inc()
		return fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrStorageUnavailable, op, g.attempts, err)
	}
	return fmt.Errorf("storage %s: %w", op, err)
}

// isTransient отделяет сетевые/5xx/throttling отказы (ретраим)
// от смысловых ответов API (не ретраим).
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InternalError", "ServiceUnavailable", "SlowDown",
			"RequestTimeout", "Throttling", "ThrottlingException":
			return true
		}
		return false
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return false
	}

	// Всё остальное (обрыв соединения, таймаут, DNS) считаем транзиентным
	return true
}
