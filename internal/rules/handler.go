package rules

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/platform/httpx"
	"github.com/tessera-admin/tessera/internal/rules/expr"
	"github.com/tessera-admin/tessera/internal/shared"
)

// IdempotencyGuard reserves request keys so a replayed edit is rejected
// instead of applied twice. Implemented by shared.IdempotencyStore.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Delete(ctx context.Context, key string) error
}

// Handler wires HTTP endpoints for rule group administration.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	idem      IdempotencyGuard
	validator *validator.Validate
}

// NewHandler constructs a Handler. idem may be nil, which disables
// Idempotency-Key handling on edits.
func NewHandler(logger *slog.Logger, service *Service, idem IdempotencyGuard) *Handler {
	return &Handler{logger: logger, service: service, idem: idem, validator: validator.New()}
}

// MountRoutes registers rule routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/groups", h.listGroups)
	r.Get("/groups/{id}", h.getRuleSet)
	r.Post("/groups", h.addOrUpdate)
	r.Delete("/groups/{id}", h.deleteGroup)
}

type ruleNodeDTO struct {
	ID          string `json:"id" validate:"required"`
	UpRuleID    string `json:"upRuleId"`
	CombineType string `json:"combineType" validate:"required,oneof=and or"`
}

type conditionDTO struct {
	RuleID      string `json:"ruleId" validate:"required"`
	Field       string `json:"field" validate:"required"`
	OperateType string `json:"operateType" validate:"required"`
	Value       string `json:"value"`
}

type editGroupDTO struct {
	ID         string         `json:"id"`
	Name       string         `json:"name" validate:"required"`
	DbContext  string         `json:"dbContext" validate:"required"`
	Entity     string         `json:"entity" validate:"required"`
	Rules      []ruleNodeDTO  `json:"rules" validate:"required,min=1,dive"`
	Conditions []conditionDTO `json:"conditions" validate:"dive"`
}

type groupView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DbContext string `json:"dbContext"`
	Entity    string `json:"entity"`
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.ListGroups(r.Context())
	if err != nil {
		h.logger.Error("list rule groups", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, toGroupView(g))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) getRuleSet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed rule group id")
		return
	}
	set, err := h.service.GetRuleSet(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "rule group not found")
			return
		}
		h.logger.Error("get rule set", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRuleSetView(set))
}

func (h *Handler) addOrUpdate(w http.ResponseWriter, r *http.Request) {
	var dto editGroupDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	req := EditRequest{
		GroupID:   dto.ID,
		Name:      dto.Name,
		DbContext: dto.DbContext,
		Entity:    dto.Entity,
	}
	for _, rule := range dto.Rules {
		req.Rules = append(req.Rules, EditRule{
			TempID:   rule.ID,
			UpTempID: rule.UpRuleID,
			Combine:  expr.Combine(rule.CombineType),
		})
	}
	for _, cond := range dto.Conditions {
		op := expr.Operator(cond.OperateType)
		if !op.Valid() {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown operator "+cond.OperateType)
			return
		}
		req.Conditions = append(req.Conditions, EditCondition{
			RuleTempID: cond.RuleID,
			Field:      cond.Field,
			Op:         op,
			Value:      cond.Value,
		})
	}

	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && h.idem != nil {
		if err := h.idem.CheckAndInsert(r.Context(), idemKey, "rules:edit"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate", "edit with this idempotency key was already processed")
				return
			}
			h.logger.Error("reserve idempotency key", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}

	group, err := h.service.AddOrUpdate(r.Context(), req, Context{
		UserName: principal.UserName,
		GroupID:  principal.GroupID,
	})
	if err != nil {
		// Release the key so the caller can retry the failed edit.
		if idemKey != "" && h.idem != nil {
			if derr := h.idem.Delete(r.Context(), idemKey); derr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", derr))
			}
		}
		var cerr *expr.CompileError
		if errors.As(err, &cerr) {
			httpx.Problem(w, http.StatusBadRequest, "Rule Compile Failed", cerr.Error())
			return
		}
		h.logger.Error("add or update rule group", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGroupView(group))
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed rule group id")
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "rule group not found")
			return
		}
		h.logger.Error("delete rule group", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ruleSetView struct {
	Group      groupView      `json:"group"`
	Rules      []ruleNodeDTO  `json:"rules"`
	Conditions []conditionDTO `json:"conditions"`
}

func toGroupView(g Group) groupView {
	return groupView{ID: g.ID.String(), Name: g.Name, DbContext: g.DbContext, Entity: g.Entity}
}

func toRuleSetView(set RuleSet) ruleSetView {
	view := ruleSetView{Group: toGroupView(set.Group)}
	for _, rule := range set.Rules {
		up := ""
		if rule.UpRuleID != uuid.Nil {
			up = rule.UpRuleID.String()
		}
		view.Rules = append(view.Rules, ruleNodeDTO{
			ID:          rule.ID.String(),
			UpRuleID:    up,
			CombineType: string(rule.Combine),
		})
	}
	for _, cond := range set.Conditions {
		view.Conditions = append(view.Conditions, conditionDTO{
			RuleID:      cond.RuleID.String(),
			Field:       cond.Field,
			OperateType: string(cond.Op),
			Value:       cond.Value,
		})
	}
	return view
}
