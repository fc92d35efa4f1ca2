package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всей платформы.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Seal    SealConfig    `mapstructure:"seal"`
	Bucket  BucketConfig  `mapstructure:"bucket"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Logger  LoggerConfig  `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// RateLimit — предел запросов/сек на ingest-путь (0 — без лимита).
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// StorageConfig описывает подключение к S3-совместимому хранилищу
// (SeaweedFS, MinIO, AWS S3).
type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"` // Обязательно для MinIO/SeaweedFS

	MaxRetries     int           `mapstructure:"max_retries"`     // Кап попыток на вызов
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // Таймаут одного вызова
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`  // Период health-проб
}

// RedisConfig описывает подключение к Redis (propagation ревокаций).
// Пустой Addr — работаем на чисто локальном кэше ревокаций.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig — настройки Token Authority.
type AuthConfig struct {
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	RevocationRefresh time.Duration `mapstructure:"revocation_refresh"`

	// BootstrapSecret гейтит выпуск токенов через /auth/token.
	BootstrapSecret string `mapstructure:"bootstrap_secret"`
	SigningSecret   []byte
}

// SealConfig — корневой секрет envelope-шифрования.
// Master-ключи бакетов выводятся из него через HKDF.
type SealConfig struct {
	RootKeyPath string `mapstructure:"root_key_path"`
	RootKey     []byte
}

// BucketConfig — бакет логирования по умолчанию и его политика.
type BucketConfig struct {
	Name          string `mapstructure:"name"`
	Encryption    bool   `mapstructure:"encryption"`
	Replication   int    `mapstructure:"replication"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// IngestConfig — пороги сброса буфера Ingestion Engine.
// Батч уходит в хранилище по первому сработавшему условию.
type IngestConfig struct {
	FlushCount    int           `mapstructure:"flush_count"`
	FlushBytes    int           `mapstructure:"flush_bytes"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// RequeueDelay — пауза перед единственным повторным циклом коммита.
	RequeueDelay time.Duration `mapstructure:"requeue_delay"`
}

// StreamConfig — настройки Stream Retriever.
type StreamConfig struct {
	TailInterval     time.Duration `mapstructure:"tail_interval"`
	TailBacklog      int           `mapstructure:"tail_backlog"`      // Сколько последних записей отдать при старте tail
	FetchConcurrency int           `mapstructure:"fetch_concurrency"` // Параллелизм скачивания батчей
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: STORAGE_ENDPOINT=http://... перекроет storage.endpoint
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Секреты из ENV ИЛИ из файла (для Docker/K8s секрет кладут прямо в ENV)
	cfg.Auth.SigningSecret = loadKeyResource("", "AUTH_SIGNING_SECRET_DATA")
	cfg.Seal.RootKey = loadKeyResource(cfg.Seal.RootKeyPath, "SEAL_ROOT_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit", 500.0)
	v.SetDefault("server.rate_burst", 100)

	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_path_style", true)
	v.SetDefault("storage.max_retries", 4)
	v.SetDefault("storage.request_timeout", 10*time.Second)
	v.SetDefault("storage.probe_interval", 10*time.Second)

	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.revocation_refresh", 5*time.Second)

	v.SetDefault("bucket.name", "tracklogs")
	v.SetDefault("bucket.encryption", true)
	v.SetDefault("bucket.replication", 1)
	v.SetDefault("bucket.retention_days", 30)

	v.SetDefault("ingest.flush_count", 100)
	v.SetDefault("ingest.flush_bytes", 1<<20)
	v.SetDefault("ingest.flush_interval", 2*time.Second)
	v.SetDefault("ingest.requeue_delay", 3*time.Second)

	v.SetDefault("stream.tail_interval", 2*time.Second)
	v.SetDefault("stream.tail_backlog", 100)
	v.SetDefault("stream.fetch_concurrency", 4)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — универсальный хелпер для секретов
func loadKeyResource(path string, envDataKey string) []byte {
	// Если секрет прилетел напрямую в ENV
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
