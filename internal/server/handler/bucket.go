package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/buckets"
	"github.com/gnosis-research/gnosis-track/internal/domain"
	"github.com/gnosis-research/gnosis-track/internal/infra/auth"
)

// PolicyChecker — авторизация админ-операций (internal/tokens).
type PolicyChecker interface {
	Check(claims *domain.TokenClaims, bucket, op string) error
}

// BucketHandler — администрирование бакетов. Все операции требуют
// scope admin на конкретный бакет.
type BucketHandler struct {
	manager *buckets.Manager
	access  PolicyChecker
	logger  *zap.Logger
}

func NewBucketHandler(manager *buckets.Manager, access PolicyChecker, logger *zap.Logger) *BucketHandler {
	return &BucketHandler{manager: manager, access: access, logger: logger.Named("bucket-handler")}
}

func (h *BucketHandler) admin(r *http.Request, bucket string) error {
	return h.access.Check(auth.FromContext(r.Context()), bucket, domain.OpAdmin)
}

type createBucketRequest struct {
	Name   string              `json:"name"`
	Policy domain.BucketPolicy `json:"policy"`
}

// Create — POST /api/v1/buckets
func (h *BucketHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := h.admin(r, req.Name); err != nil {
		writeError(w, err)
		return
	}
	if err := h.manager.Create(r.Context(), req.Name, req.Policy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// List — GET /api/v1/buckets. Отдаёт бакеты, на которые у токена есть
// admin-scope: глобальный admin видит все, бакетный — только свои.
func (h *BucketHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	infos, err := h.manager.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	visible := make([]domain.BucketInfo, 0, len(infos))
	for _, info := range infos {
		if h.access.Check(claims, info.Name, domain.OpAdmin) == nil {
			visible = append(visible, info)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": visible})
}

// Delete — DELETE /api/v1/buckets/{name}?force=true
func (h *BucketHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.admin(r, name); err != nil {
		writeError(w, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := h.manager.Delete(r.Context(), name, force); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats — GET /api/v1/buckets/{name}/stats
func (h *BucketHandler) Stats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.admin(r, name); err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.manager.Stats(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Policy — GET /api/v1/buckets/{name}/policy
func (h *BucketHandler) Policy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.admin(r, name); err != nil {
		writeError(w, err)
		return
	}
	policy, err := h.manager.Policy(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// Lifecycle — POST /api/v1/buckets/{name}/lifecycle — ручной прогон
// ретеншена. Идемпотентен, повторный вызов удаляет ноль объектов.
func (h *BucketHandler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.admin(r, name); err != nil {
		writeError(w, err)
		return
	}
	removed, err := h.manager.ApplyLifecycle(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("lifecycle applied", zap.String("bucket", name), zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
