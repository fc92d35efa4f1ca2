package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gnosis-research/gnosis-track/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError мапит доменную таксономию на HTTP-статусы. Каждому классу —
// свой код: клиент различает отказы без разбора текста.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrTokenInvalid),
		errors.Is(err, domain.ErrTokenExpired),
		errors.Is(err, domain.ErrTokenRevoked):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrNotEmpty),
		errors.Is(err, domain.ErrRunTerminated):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	default:
		var wf *domain.WriteFailedError
		if errors.As(err, &wf) {
			// Разрыв зафиксирован; продюсер может продолжать
			writeJSON(w, http.StatusAccepted, map[string]any{
				"warning":  "write failed with discontinuity",
				"from_seq": wf.FromSeq,
				"to_seq":   wf.ToSeq,
			})
			return
		}
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
