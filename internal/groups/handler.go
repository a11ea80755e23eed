package groups

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/platform/httpx"
	"github.com/tessera-admin/tessera/internal/shared"
)

// Handler wires HTTP endpoints for group tree administration.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers group routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.remove)
	r.Get("/{id}/descendants", h.descendants)
}

type groupView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Remark string `json:"remark,omitempty"`
	UpID   string `json:"upId,omitempty"`
}

func toView(g Group) groupView {
	view := groupView{ID: g.ID.String(), Name: g.Name, Remark: g.Remark}
	if g.UpID != uuid.Nil {
		view.UpID = g.UpID.String()
	}
	return view
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.GetAll(r.Context())
	if err != nil {
		h.logger.Error("list groups", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, toView(g))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var dto struct {
		Name   string `json:"name" validate:"required"`
		Remark string `json:"remark"`
		UpID   string `json:"upId"`
	}
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	parentID := uuid.Nil
	if dto.UpID != "" {
		parsed, err := uuid.Parse(dto.UpID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed parent id")
			return
		}
		parentID = parsed
	}
	group, err := h.service.Create(r.Context(), dto.Name, dto.Remark, parentID)
	if err != nil {
		if errors.Is(err, ErrUnknownParent) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("create group", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(group))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed group id")
		return
	}
	var dto struct {
		Name   string `json:"name" validate:"required"`
		Remark string `json:"remark"`
	}
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.Update(r.Context(), id, dto.Name, dto.Remark); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "group not found")
			return
		}
		h.logger.Error("update group", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed group id")
		return
	}
	removed, err := h.service.Delete(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "group not found")
			return
		}
		h.logger.Error("delete group", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	ids := make([]string, len(removed))
	for i, rid := range removed {
		ids[i] = rid.String()
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"removed": ids})
}

func (h *Handler) descendants(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed group id")
		return
	}
	ids, err := h.service.Descendants(r.Context(), id)
	if err != nil {
		h.logger.Error("group descendants", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]string, len(ids))
	for i, d := range ids {
		views[i] = d.String()
	}
	httpx.JSON(w, http.StatusOK, views)
}
