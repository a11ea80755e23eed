package identity

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/platform/httpx"
	"github.com/tessera-admin/tessera/internal/shared"
)

// Handler wires HTTP endpoints for account and role administration.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers identity routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/users", h.listUsers)
	r.Post("/users", h.createUser)
	r.Put("/users/{id}/roles", h.assignRoles)
	r.Put("/users/{id}/group", h.moveToGroup)

	r.Get("/roles", h.listRoles)
	r.Post("/roles", h.createRole)
	r.Get("/roles/{id}/claims", h.roleClaims)
	r.Put("/roles/{id}/claims", h.setRoleClaims)
}

type userView struct {
	ID          string   `json:"id"`
	UserName    string   `json:"userName"`
	DisplayName string   `json:"displayName"`
	GroupID     string   `json:"groupId,omitempty"`
	Roles       []string `json:"roles"`
}

type roleView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Remark string `json:"remark,omitempty"`
}

type claimDTO struct {
	Type  string `json:"type" validate:"required,oneof=rule api element"`
	Value string `json:"value" validate:"required"`
}

func toUserView(u User) userView {
	view := userView{
		ID:          u.ID.String(),
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		Roles:       u.Roles,
	}
	if u.GroupID != uuid.Nil {
		view.GroupID = u.GroupID.String()
	}
	if view.Roles == nil {
		view.Roles = []string{}
	}
	return view
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("perPage"))
	users, pagination, err := h.service.ListUsers(r.Context(), page, perPage)
	if err != nil {
		h.logger.Error("list users", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, toUserView(u))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":      views,
		"page":       pagination.Page,
		"perPage":    pagination.PerPage,
		"total":      pagination.Total,
		"totalPages": pagination.TotalPages,
	})
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var dto struct {
		UserName    string `json:"userName" validate:"required"`
		DisplayName string `json:"displayName"`
		Password    string `json:"password" validate:"required,min=8"`
		GroupID     string `json:"groupId"`
	}
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	groupID := uuid.Nil
	if dto.GroupID != "" {
		parsed, err := uuid.Parse(dto.GroupID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed group id")
			return
		}
		groupID = parsed
	}
	user, err := h.service.CreateUser(r.Context(), dto.UserName, dto.DisplayName, dto.Password, groupID)
	if err != nil {
		if errors.Is(err, shared.ErrDuplicate) {
			httpx.Problem(w, http.StatusConflict, "Duplicate", "user name already taken")
			return
		}
		h.logger.Error("create user", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toUserView(user))
}

func (h *Handler) assignRoles(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed user id")
		return
	}
	var dto struct {
		Roles []string `json:"roles" validate:"required"`
	}
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.service.AssignRoles(r.Context(), userID, dto.Roles); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.Error("assign roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) moveToGroup(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed user id")
		return
	}
	var dto struct {
		GroupID string `json:"groupId"`
	}
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	groupID := uuid.Nil
	if dto.GroupID != "" {
		if groupID, err = uuid.Parse(dto.GroupID); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed group id")
			return
		}
	}
	if err := h.service.MoveToGroup(r.Context(), userID, groupID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "user not found")
			return
		}
		h.logger.Error("move user to group", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("list roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]roleView, 0, len(roles))
	for _, role := range roles {
		views = append(views, roleView{ID: role.ID.String(), Name: role.Name, Remark: role.Remark})
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
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
	role, err := h.service.CreateRole(r.Context(), dto.Name, dto.Remark)
	if err != nil {
		if errors.Is(err, shared.ErrDuplicate) {
			httpx.Problem(w, http.StatusConflict, "Duplicate", "role name already taken")
			return
		}
		h.logger.Error("create role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, roleView{ID: role.ID.String(), Name: role.Name, Remark: role.Remark})
}

func (h *Handler) roleClaims(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed role id")
		return
	}
	claims, err := h.service.RoleClaims(r.Context(), roleID)
	if err != nil {
		h.logger.Error("role claims", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]claimDTO, 0, len(claims))
	for _, claim := range claims {
		views = append(views, claimDTO{Type: string(claim.Type), Value: claim.Value})
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) setRoleClaims(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed role id")
		return
	}
	var dtos []claimDTO
	if err := httpx.DecodeJSON(r, &dtos); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	claims := make([]Claim, 0, len(dtos))
	for _, dto := range dtos {
		if err := h.validator.Struct(dto); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		claims = append(claims, Claim{Type: ClaimType(dto.Type), Value: dto.Value})
	}
	if err := h.service.SetRoleClaims(r.Context(), roleID, claims); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "role not found")
			return
		}
		h.logger.Error("set role claims", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
