package stream

import (
	"strings"
	"time"

	"github.com/gnosis-research/gnosis-track/internal/domain"
)

// Filter — фильтрация записей. Применяется ПОСЛЕ расшифровки,
// по именам объектов ничего не угадывается.
type Filter struct {
	Levels   []string          // Пусто — любые уровни
	Kinds    []domain.RecordKind // Пусто — любые виды
	Contains string            // Подстрока в тексте записи
	Since    time.Time         // Нулевое время — без нижней границы
	Until    time.Time         // Нулевое время — без верхней границы
}

func (f *Filter) Match(rec *domain.Record) bool {
	if f == nil {
		return true
	}
	if len(f.Levels) > 0 && !containsFold(f.Levels, rec.Level) {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if rec.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Contains != "" && !strings.Contains(strings.ToLower(rec.Message), strings.ToLower(f.Contains)) {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
