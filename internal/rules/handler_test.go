package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/rules/expr"
	"github.com/tessera-admin/tessera/internal/shared"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stubGuard struct {
	reserved map[string]bool
	released []string
}

func (s *stubGuard) CheckAndInsert(_ context.Context, key, _ string) error {
	if s.reserved == nil {
		s.reserved = make(map[string]bool)
	}
	if s.reserved[key] {
		return shared.ErrIdempotencyConflict
	}
	s.reserved[key] = true
	return nil
}

func (s *stubGuard) Delete(_ context.Context, key string) error {
	delete(s.reserved, key)
	s.released = append(s.released, key)
	return nil
}

func sampleEditDTO() editGroupDTO {
	return editGroupDTO{
		Name:      "open tickets",
		DbContext: "workdata",
		Entity:    "Ticket",
		Rules: []ruleNodeDTO{
			{ID: "1", CombineType: "and"},
			{ID: "2", UpRuleID: "1", CombineType: "or"},
		},
		Conditions: []conditionDTO{
			{RuleID: "1", Field: "status", OperateType: string(expr.OpEqual), Value: "open"},
			{RuleID: "2", Field: "priority", OperateType: string(expr.OpEqual), Value: "high"},
		},
	}
}

func newTestRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func postEdit(t *testing.T, router http.Handler, dto editGroupDTO, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(dto)
	if err != nil {
		t.Fatalf("marshal edit: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/groups", bytes.NewReader(body))
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	req = req.WithContext(shared.ContextWithPrincipal(req.Context(), &shared.Principal{UserName: "alice"}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAddOrUpdateRejectsReplayedIdempotencyKey(t *testing.T) {
	repo := newMemoryRuleRepo()
	guard := &stubGuard{}
	router := newTestRouter(NewHandler(discardLogger(), newTestService(repo, nil), guard))

	first := postEdit(t, router, sampleEditDTO(), "edit-1")
	if first.Code != http.StatusOK {
		t.Fatalf("first edit: expected 200, got %d (%s)", first.Code, first.Body)
	}
	second := postEdit(t, router, sampleEditDTO(), "edit-1")
	if second.Code != http.StatusConflict {
		t.Fatalf("replayed edit: expected 409, got %d (%s)", second.Code, second.Body)
	}
	if len(repo.sets) != 1 {
		t.Fatalf("expected one persisted group, got %d", len(repo.sets))
	}
}

func TestAddOrUpdateReleasesKeyWhenEditFails(t *testing.T) {
	repo := newMemoryRuleRepo()
	guard := &stubGuard{}
	router := newTestRouter(NewHandler(discardLogger(), newTestService(repo, nil), guard))

	bad := sampleEditDTO()
	bad.Conditions[0].Field = "does_not_exist"
	rec := postEdit(t, router, bad, "edit-2")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad edit: expected 400, got %d (%s)", rec.Code, rec.Body)
	}
	if len(guard.released) != 1 || guard.released[0] != "edit-2" {
		t.Fatalf("failed edit must release its key, released %v", guard.released)
	}

	// The same key is usable again once the failed edit released it.
	retry := postEdit(t, router, sampleEditDTO(), "edit-2")
	if retry.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d (%s)", retry.Code, retry.Body)
	}
}

func TestAddOrUpdateWithoutKeySkipsGuard(t *testing.T) {
	guard := &stubGuard{}
	router := newTestRouter(NewHandler(discardLogger(), newTestService(newMemoryRuleRepo(), nil), guard))

	rec := postEdit(t, router, sampleEditDTO(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body)
	}
	if len(guard.reserved) != 0 {
		t.Fatalf("no key was sent, nothing should be reserved: %v", guard.reserved)
	}
}

// wrappingRuleRepo decorates repository errors the way the SQL layer may,
// so not-found detection has to unwrap.
type wrappingRuleRepo struct {
	RepositoryPort
}

func (w wrappingRuleRepo) GetGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	group, err := w.RepositoryPort.GetGroup(ctx, id)
	if err != nil {
		return Group{}, fmt.Errorf("load rule group %s: %w", id, err)
	}
	return group, nil
}

func (w wrappingRuleRepo) GetRuleSet(ctx context.Context, id uuid.UUID) (RuleSet, error) {
	set, err := w.RepositoryPort.GetRuleSet(ctx, id)
	if err != nil {
		return RuleSet{}, fmt.Errorf("load rule set %s: %w", id, err)
	}
	return set, nil
}

func (w wrappingRuleRepo) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	if err := w.RepositoryPort.DeleteGroup(ctx, id); err != nil {
		return fmt.Errorf("delete rule group %s: %w", id, err)
	}
	return nil
}

func TestHandlerMapsWrappedNotFound(t *testing.T) {
	repo := wrappingRuleRepo{RepositoryPort: newMemoryRuleRepo()}
	router := newTestRouter(NewHandler(discardLogger(), newTestService(repo, nil), nil))
	missing := uuid.New().String()

	get := httptest.NewRequest(http.MethodGet, "/groups/"+missing, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, get)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get: expected 404 for wrapped not-found, got %d (%s)", rec.Code, rec.Body)
	}

	del := httptest.NewRequest(http.MethodDelete, "/groups/"+missing, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, del)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete: expected 404 for wrapped not-found, got %d (%s)", rec.Code, rec.Body)
	}
}
