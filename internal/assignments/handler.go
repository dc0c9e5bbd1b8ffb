package assignments

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

// Handler manages direct assignment endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers assignment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.assign)
	r.Post("/bulk", h.bulkAssign)
	r.Post("/copy", h.copyPermissions)
	r.Get("/users/{userID}", h.userPermissions)
	r.Delete("/users/{userID}", h.revokeAll)
	r.Get("/holders/{permissionID}", h.holders)
	r.Patch("/{assignmentID}", h.updateExpiration)
	r.Delete("/{assignmentID}", h.revoke)
}

type assignRequest struct {
	UserID       uuid.UUID  `json:"userId" validate:"required"`
	PermissionID uuid.UUID  `json:"permissionId" validate:"required"`
	ExpiresAt    *time.Time `json:"expiresAt"`
}

type bulkAssignRequest struct {
	UserID        uuid.UUID   `json:"userId" validate:"required"`
	PermissionIDs []uuid.UUID `json:"permissionIds" validate:"required,min=1,dive,required"`
	ExpiresAt     *time.Time  `json:"expiresAt"`
}

type copyRequest struct {
	FromUserID uuid.UUID `json:"fromUserId" validate:"required"`
	ToUserID   uuid.UUID `json:"toUserId" validate:"required"`
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
	a, err := h.service.Assign(r.Context(), actorID, req.UserID, req.PermissionID, req.ExpiresAt)
	if err != nil {
		h.logger.Error("assign user permission", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
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
	result, err := h.service.BulkAssign(r.Context(), actorID, req.UserID, req.PermissionIDs, req.ExpiresAt)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) copyPermissions(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req copyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.CopyPermissions(r.Context(), actorID, req.FromUserID, req.ToUserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid user id")
		return
	}
	grouped, err := h.service.UserPermissions(r.Context(), actorID, targetID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": grouped})
}

func (h *Handler) revokeAll(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid user id")
		return
	}
	removed, err := h.service.RevokeAll(r.Context(), actorID, targetID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revoked": removed})
}

func (h *Handler) holders(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	permissionID, err := uuid.Parse(chi.URLParam(r, "permissionID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid permission id")
		return
	}
	holders, err := h.service.UsersWithPermission(r.Context(), actorID, permissionID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"holders": holders})
}

func (h *Handler) updateExpiration(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	assignmentID, err := uuid.Parse(chi.URLParam(r, "assignmentID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid assignment id")
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
	a, err := h.service.UpdateExpiration(r.Context(), actorID, assignmentID, req.ExpiresAt)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	assignmentID, err := uuid.Parse(chi.URLParam(r, "assignmentID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid assignment id")
		return
	}
	if err := h.service.Revoke(r.Context(), actorID, assignmentID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
