package grants

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/platform/httpx"
	"github.com/bastionhq/bastion/internal/shared"
)

// Handler manages enterprise grant endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers grant routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.assign)
	r.Post("/bulk", h.bulkAssign)
	r.Get("/available", h.available)
	r.Patch("/{grantID}", h.updateExpiration)
	r.Delete("/{grantID}", h.revoke)
}

type assignRequest struct {
	PermissionID uuid.UUID  `json:"permissionId" validate:"required"`
	ExpiresAt    *time.Time `json:"expiresAt"`
}

type bulkAssignRequest struct {
	PermissionIDs []uuid.UUID `json:"permissionIds" validate:"required,min=1,dive,required"`
	ExpiresAt     *time.Time  `json:"expiresAt"`
}

type updateExpirationRequest struct {
	ExpiresAt *time.Time `json:"expiresAt"`
}

func validExpiry(t *time.Time) bool {
	return t == nil || t.After(time.Now())
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !validExpiry(req.ExpiresAt) {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "expiresAt must be in the future")
		return
	}
	g, err := h.service.Assign(r.Context(), actorID, req.PermissionID, req.ExpiresAt)
	if err != nil {
		h.logger.Error("assign enterprise permission", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, g)
}

func (h *Handler) bulkAssign(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req bulkAssignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !validExpiry(req.ExpiresAt) {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "expiresAt must be in the future")
		return
	}
	result, err := h.service.BulkAssign(r.Context(), actorID, req.PermissionIDs, req.ExpiresAt)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	views, err := h.service.List(r.Context(), actorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants": views})
}

func (h *Handler) available(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	grouped, err := h.service.Available(r.Context(), actorID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"available": grouped})
}

func (h *Handler) updateExpiration(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	grantID, err := uuid.Parse(chi.URLParam(r, "grantID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid grant id")
		return
	}
	var req updateExpirationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if !validExpiry(req.ExpiresAt) {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "expiresAt must be in the future")
		return
	}
	g, err := h.service.UpdateExpiration(r.Context(), actorID, grantID, req.ExpiresAt)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, g)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	grantID, err := uuid.Parse(chi.URLParam(r, "grantID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid grant id")
		return
	}
	if err := h.service.Revoke(r.Context(), actorID, grantID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
