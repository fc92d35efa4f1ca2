package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. Компоненты возвращают эти sentinel-ошибки
// (обёрнутые через %w), чтобы вызывающий слой мог различать классы отказов
// через errors.Is и никогда не получал "generic catch-all".
var (
	// ErrStorageUnavailable — хранилище недоступно после исчерпания ретраев.
	// На уровне вызывающего НЕ ретраится повторно.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAuthenticationFailed — не сошёлся тег целостности при расшифровке
	// или контрольная сумма батча. Фатально для этого чтения, никогда
	// не превращается в "тихое" частичное чтение.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrForbidden — токен валиден, но scope не покрывает {bucket, operation}.
	ErrForbidden = errors.New("forbidden")

	// Отказы проверки токена (до выполнения любой операции).
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")

	// Конфликты жизненного цикла бакетов.
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrNotEmpty      = errors.New("bucket not empty")

	// ErrRunTerminated — попытка писать в уже завершённый run.
	ErrRunTerminated = errors.New("run already terminated")
)

// WriteFailedError — батч потерян после полного цикла ретраев.
// Несёт точный диапазон sequence-номеров, чтобы потеря никогда
// не оставалась неучтённой.
type WriteFailedError struct {
	RunID   string
	FromSeq uint64
	ToSeq   uint64
	Cause   error
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("write failed with discontinuity: run %s seq [%d..%d] (cause: %v)",
		e.RunID, e.FromSeq, e.ToSeq, e.Cause)
}

func (e *WriteFailedError) Unwrap() error { return e.Cause }
