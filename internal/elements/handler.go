package elements

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

// Handler wires HTTP endpoints for the UI element tree.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers the admin element routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Delete("/{id}", h.remove)
}

// MountUserRoutes registers the routes any signed-in user may call.
func (h *Handler) MountUserRoutes(r chi.Router) {
	r.Get("/elements/mine", h.mine)
}

type elementView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ElementType    string `json:"elementType"`
	Identification string `json:"identification"`
	Route          string `json:"route,omitempty"`
	UpID           string `json:"upId,omitempty"`
}

func toView(e Element) elementView {
	view := elementView{
		ID:             e.ID.String(),
		Name:           e.Name,
		ElementType:    string(e.ElementType),
		Identification: e.Identification,
		Route:          e.Route,
	}
	if e.UpID != uuid.Nil {
		view.UpID = e.UpID.String()
	}
	return view
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	elements, err := h.service.GetAll(r.Context())
	if err != nil {
		h.logger.Error("list elements", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]elementView, 0, len(elements))
	for _, e := range elements {
		views = append(views, toView(e))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var dto struct {
		Name           string `json:"name" validate:"required"`
		ElementType    string `json:"elementType" validate:"required,oneof=menu button link"`
		Identification string `json:"identification" validate:"required"`
		Route          string `json:"route"`
		UpID           string `json:"upId"`
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
	element, err := h.service.Create(r.Context(), dto.Name, ElementType(dto.ElementType), dto.Identification, dto.Route, parentID)
	if err != nil {
		if errors.Is(err, ErrUnknownParent) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("create element", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(element))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed element id")
		return
	}
	removed, err := h.service.Delete(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "element not found")
			return
		}
		h.logger.Error("delete element", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	ids := make([]string, len(removed))
	for i, rid := range removed {
		ids[i] = rid.String()
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"removed": ids})
}

// mine returns the elements the signed-in user may see, for menu rendering.
func (h *Handler) mine(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	elements, err := h.service.ElementsFor(r.Context(), principal)
	if err != nil {
		h.logger.Error("user elements", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]elementView, 0, len(elements))
	for _, e := range elements {
		views = append(views, toView(e))
	}
	httpx.JSON(w, http.StatusOK, views)
}
