package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra/auth"
	"github.com/gnosis-research/gnosis-track/internal/stream"
)

// StreamHandler — чтение: список валидаторов, run-ы, записи,
// live-tail по SSE и экспорт.
type StreamHandler struct {
	retriever *stream.Retriever
	bucket    string // Бакет по умолчанию, если ?bucket= не задан
	logger    *zap.Logger
}

func NewStreamHandler(retriever *stream.Retriever, defaultBucket string, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		retriever: retriever,
		bucket:    defaultBucket,
		logger:    logger.Named("stream-handler"),
	}
}

func (h *StreamHandler) bucketOf(r *http.Request) string {
	if b := r.URL.Query().Get("bucket"); b != "" {
		return b
	}
	return h.bucket
}

// parseFilter собирает фильтр из query-параметров. Невалидные
// значения времени игнорируются, а не роняют запрос.
func parseFilter(r *http.Request) *stream.Filter {
	q := r.URL.Query()
	f := &stream.Filter{Contains: q.Get("q")}
	if lv := q.Get("level"); lv != "" {
		f.Levels = strings.Split(lv, ",")
	}
	if k := q.Get("kind"); k != "" {
		for _, v := range strings.Split(k, ",") {
			f.Kinds = append(f.Kinds, domain.RecordKind(v))
		}
	}
	if ts, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		f.Since = ts
	}
	if ts, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		f.Until = ts
	}
	return f
}

func parseSeq(r *http.Request, name string) uint64 {
	v, _ := strconv.ParseUint(r.URL.Query().Get(name), 10, 64)
	return v
}

// ListValidators — GET /api/v1/validators
func (h *StreamHandler) ListValidators(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	principals, err := h.retriever.ListPrincipals(r.Context(), claims, h.bucketOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"validators": principals})
}

// ListRuns — GET /api/v1/validators/{principal}/runs
func (h *StreamHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	runs, err := h.retriever.ListRuns(r.Context(), claims, h.bucketOf(r), chi.URLParam(r, "principal"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// RunConfig — GET /api/v1/runs/{id}/config
func (h *StreamHandler) RunConfig(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	run, err := h.retriever.RunMeta(r.Context(), claims, h.bucketOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
		"config": run.Config,
	})
}

type logItem struct {
	Record *domain.Record        `json:"record,omitempty"`
	Gap    *domain.Discontinuity `json:"gap,omitempty"`
}

// Logs — GET /api/v1/runs/{id}/logs?from_seq=&to_seq=&level=&q=&since=&until=
// Отдаёт записи одним JSON-массивом; gap-маркеры перемежаются с записями.
func (h *StreamHandler) Logs(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	items, err := h.retriever.Query(r.Context(), claims, h.bucketOf(r), chi.URLParam(r, "id"),
		parseSeq(r, "from_seq"), parseSeq(r, "to_seq"), parseFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]logItem, 0, 64)
	for item := range items {
		if item.Err != nil {
			writeError(w, item.Err)
			return
		}
		out = append(out, logItem{Record: item.Record, Gap: item.Gap})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// Tail — GET /api/v1/runs/{id}/tail — SSE-поток новых записей.
// Закрывается при терминальном run-е либо обрыве клиента.
func (h *StreamHandler) Tail(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	items, err := h.retriever.Tail(r.Context(), claims, h.bucketOf(r), chi.URLParam(r, "id"), parseFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for item := range items {
		if item.Err != nil {
			h.logger.Warn("tail stream error", zap.Error(item.Err))
			return
		}
		event := "record"
		if item.Gap != nil {
			event = "gap"
		}
		if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
			return
		}
		if err := enc.Encode(logItem{Record: item.Record, Gap: item.Gap}); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return
		}
		flusher.Flush()
	}
	// Run завершён: явный сигнал клиенту, чтобы не переподключался
	w.Write([]byte("event: end\ndata: {}\n\n"))
	flusher.Flush()
}

// Export — GET /api/v1/runs/{id}/export?format=ndjson|text
func (h *StreamHandler) Export(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	runID := chi.URLParam(r, "id")

	format := r.URL.Query().Get("format")
	if format == "" {
		format = stream.ExportNDJSON
	}
	switch format {
	case stream.ExportNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
	case stream.ExportText:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	default:
		http.Error(w, "unknown format", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+runID+`.`+format+`"`)

	if err := h.retriever.Export(r.Context(), claims, h.bucketOf(r), runID, format, w); err != nil {
		// Заголовки могли уйти: остаётся только лог
		h.logger.Warn("export failed", zap.String("run", runID), zap.Error(err))
	}
}
