package domain

import "time"

// RunStatus — статус сессии логирования.
type RunStatus string

const (
	RunActive   RunStatus = "active"
	RunFinished RunStatus = "finished"
	RunAborted  RunStatus = "aborted"
)

// Terminal сообщает, является ли статус конечным (переход из него запрещён).
func (s RunStatus) Terminal() bool {
	return s == RunFinished || s == RunAborted
}

// Run — одна сессия логирования одного принципала (validator).
// Создаётся при старте сессии, мутирует только добавлением записей
// и единственным терминальным переходом; после него неизменяем.
// Сериализуется как {bucket}/{run-id}/meta.json.
type Run struct {
	ID        string            `json:"id"`
	Principal string            `json:"principal"`
	Bucket    string            `json:"bucket"`
	Status    RunStatus         `json:"status"`
	Config    map[string]string `json:"config,omitempty"` // Снапшот конфигурации валидатора

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// NextSeq — следующий не выданный sequence-номер (= число принятых записей).
	NextSeq uint64 `json:"next_seq"`

	// Discontinuities — диапазоны, потерянные после исчерпания ретраев записи.
	// Видимы downstream-инструментам; никогда не перенумеровываются.
	Discontinuities []Discontinuity `json:"discontinuities,omitempty"`
}

// Discontinuity — зафиксированный разрыв в последовательности записей.
type Discontinuity struct {
	FromSeq uint64    `json:"from_seq"`
	ToSeq   uint64    `json:"to_seq"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}
