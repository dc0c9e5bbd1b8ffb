package authz

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bastionhq/bastion/internal/catalog"
	"github.com/bastionhq/bastion/internal/platform/httpx"
	"github.com/bastionhq/bastion/internal/shared"
)

// Handler exposes permission introspection endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Get("/my-permissions", h.myPermissions)
}

type checkRequest struct {
	Action   catalog.Action   `json:"action" validate:"required"`
	Resource catalog.Resource `json:"resource" validate:"required"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	userID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !req.Action.Valid() || !req.Resource.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unknown action or resource")
		return
	}
	allowed, err := h.service.Check(r.Context(), userID, req.Action, req.Resource)
	if err != nil {
		h.logger.Error("permission check", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"allowed":    allowed,
		"permission": catalog.PermissionName(req.Action, req.Resource),
	})
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	grouped, err := h.service.MyPermissions(r.Context(), userID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": grouped})
}
