package domain

import (
	"fmt"
	"time"
)

// RecordKind — вид структурированной записи. Tagged variant вместо
// duck-typing: полезная нагрузка валидируется на границе ингеста.
type RecordKind string

const (
	KindLog    RecordKind = "log"    // Строка лога с уровнем
	KindMetric RecordKind = "metric" // Точка метрики (числовые поля)
	KindStdout RecordKind = "stdout" // Захваченный stdout процесса
)

// Record — одна запись лога/метрики внутри Run.
// Seq назначается движком ингеста, монотонно растёт и никогда
// не переиспользуется.
type Record struct {
	RunID     string         `json:"run_id"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Kind      RecordKind     `json:"kind"`
	Level     string         `json:"level,omitempty"`   // Только для kind=log
	Message   string         `json:"message,omitempty"` // Текст строки (log/stdout)
	Fields    map[string]any `json:"fields,omitempty"`  // Структурированные k/v
}

// Validate проверяет запись на границе ингеста.
func (r *Record) Validate() error {
	switch r.Kind {
	case KindLog:
		if r.Message == "" {
			return fmt.Errorf("log record requires a message")
		}
	case KindMetric:
		if len(r.Fields) == 0 {
			return fmt.Errorf("metric record requires fields")
		}
	case KindStdout:
		// Пустые строки stdout допустимы
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}
