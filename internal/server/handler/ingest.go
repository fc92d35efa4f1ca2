package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra/auth"
	"github.com/gnosis-research/gnosis-track/internal/ingest"
)

// IngestHandler — remote-ингест: валидатор без Go SDK шлёт записи
// по HTTP. Токен уже проверен middleware-ом; scope проверяет движок.
type IngestHandler struct {
	engine *ingest.Engine
	bucket string // Бакет по умолчанию, если ?bucket= не задан
	logger *zap.Logger
}

func NewIngestHandler(engine *ingest.Engine, defaultBucket string, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{engine: engine, bucket: defaultBucket, logger: logger.Named("ingest-handler")}
}

func (h *IngestHandler) bucketOf(r *http.Request) string {
	if b := r.URL.Query().Get("bucket"); b != "" {
		return b
	}
	return h.bucket
}

type createRunRequest struct {
	Bucket string            `json:"bucket"`
	Config map[string]string `json:"config,omitempty"`
}

// CreateRun открывает сессию логирования.
// POST /api/v1/runs
func (h *IngestHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Bucket == "" {
		http.Error(w, "bucket is required", http.StatusBadRequest)
		return
	}

	// InitRun валидирует токен сам: его контракт — единая точка входа
	// и для HTTP, и для библиотечных вызовов
	handle, _, err := h.engine.InitRun(r.Context(), r.Header.Get("Authorization"), req.Bucket, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"run_id": handle.RunID(),
		"bucket": handle.Bucket(),
	})
}

// AppendRecords принимает пачку записей в открытый run.
// POST /api/v1/runs/{id}/records
func (h *IngestHandler) AppendRecords(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	handle, ok := h.engine.Handle(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, domain.ErrNotFound)
		return
	}

	var records []domain.Record
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	for i := range records {
		if err := h.engine.Append(r.Context(), handle, claims, records[i]); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(records)})
}

// FinishRun / AbortRun — терминальные переходы. Идемпотентны.
// POST /api/v1/runs/{id}/finish | /abort
func (h *IngestHandler) FinishRun(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, domain.RunFinished)
}

func (h *IngestHandler) AbortRun(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, domain.RunAborted)
}

func (h *IngestHandler) terminate(w http.ResponseWriter, r *http.Request, status domain.RunStatus) {
	claims := auth.FromContext(r.Context())
	handle, ok := h.engine.Handle(chi.URLParam(r, "id"))
	if !ok {
		// Хэндла в памяти нет: run уже завершён либо никогда не существовал.
		// Отвечаем фактическим статусом из meta.json — повторный finish/abort
		// не переписывает терминальный статус, неизвестный run даёт 404.
		actual, err := h.engine.Status(r.Context(), claims, h.bucketOf(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(actual)})
		return
	}

	var err error
	if status == domain.RunFinished {
		err = h.engine.Finish(r.Context(), handle, claims)
	} else {
		err = h.engine.Abort(r.Context(), handle, claims)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}
