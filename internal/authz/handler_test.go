package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, f *fixture) (http.Handler, *memoryAuthzRepo) {
	t.Helper()
	repo := newMemoryAuthzRepo()
	repo.seed(f.data)
	catalog, err := NewCatalog(context.Background(), repo)
	require.NoError(t, err)
	resolver := NewResolver(catalog, repo)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewFeatureSetCache(client, resolver)
	svc := NewService(repo, catalog, cache, &memoryAudit{})
	handler := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, resolver, cache)
	router := chi.NewRouter()
	handler.MountRoutes(router)
	return router, repo
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCheckEndpoint(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("MANAGER", "harvest", false)
	router, _ := newTestAPI(t, f)

	rr := doJSON(t, router, http.MethodPost, "/check", map[string]any{
		"user_id": uuid.New().String(),
		"role":    "MANAGER",
		"feature": "harvest.records",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var decision Decision
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decision))
	require.True(t, decision.HasAccess)
	require.Equal(t, ReasonRoleGranted, decision.Reason)
}

func TestCheckEndpointRejectsMissingFields(t *testing.T) {
	router, _ := newTestAPI(t, harvestFixture())
	rr := doJSON(t, router, http.MethodPost, "/check", map[string]any{"user_id": uuid.New().String()})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestRolesAboveEndpoint(t *testing.T) {
	router, _ := newTestAPI(t, newFixture())
	rr := doJSON(t, router, http.MethodGet, "/roles/MANDOR/above", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var payload struct {
		Roles []Role `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Equal(t, []string{"SUPER_ADMIN", "COMPANY_ADMIN", "AREA_MANAGER", "MANAGER", "ASISTEN"}, roleNames(payload.Roles))
}

func TestUnknownRoleReturnsNotFound(t *testing.T) {
	router, _ := newTestAPI(t, newFixture())
	rr := doJSON(t, router, http.MethodGet, "/roles/GHOST/above", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateRoleEndpoint(t *testing.T) {
	router, _ := newTestAPI(t, newFixture())

	rr := doJSON(t, router, http.MethodPost, "/roles", map[string]any{"name": "estate_admin", "level": 2})
	require.Equal(t, http.StatusCreated, rr.Code)

	var role Role
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &role))
	require.Equal(t, "ESTATE_ADMIN", role.Name)
	require.Equal(t, "Estate Admin", role.DisplayName)

	dup := doJSON(t, router, http.MethodPost, "/roles", map[string]any{"name": "estate_admin", "level": 2})
	require.Equal(t, http.StatusBadRequest, dup.Code)
}

func TestBindRoleFeatureEndpointChangesDecisions(t *testing.T) {
	f := harvestFixture()
	router, _ := newTestAPI(t, f)
	userID := uuid.New().String()

	before := doJSON(t, router, http.MethodPost, "/check", map[string]any{
		"user_id": userID, "role": "MANDOR", "feature": "report.export",
	})
	var decision Decision
	require.NoError(t, json.Unmarshal(before.Body.Bytes(), &decision))
	require.False(t, decision.HasAccess)

	bind := doJSON(t, router, http.MethodPost, "/role-features", map[string]any{"role": "MANDOR", "feature": "report.export"})
	require.Equal(t, http.StatusNoContent, bind.Code)

	after := doJSON(t, router, http.MethodPost, "/check", map[string]any{
		"user_id": userID, "role": "MANDOR", "feature": "report.export",
	})
	require.NoError(t, json.Unmarshal(after.Body.Bytes(), &decision))
	require.True(t, decision.HasAccess)
	require.Equal(t, ReasonRoleGranted, decision.Reason)
}

func TestOverrideLifecycleOverHTTP(t *testing.T) {
	f := harvestFixture()
	router, _ := newTestAPI(t, f)
	userID := uuid.New()

	create := doJSON(t, router, http.MethodPost, "/users/"+userID.String()+"/overrides", map[string]any{
		"feature":    "report.export",
		"is_granted": true,
		"reason":     "covering month-end reporting",
	})
	require.Equal(t, http.StatusCreated, create.Code)

	var created UserFeature
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &created))

	check := doJSON(t, router, http.MethodPost, "/check", map[string]any{
		"user_id": userID.String(), "role": "MANDOR", "feature": "report.export",
	})
	var decision Decision
	require.NoError(t, json.Unmarshal(check.Body.Bytes(), &decision))
	require.True(t, decision.HasAccess)
	require.Equal(t, ReasonUserGranted, decision.Reason)

	conflict := doJSON(t, router, http.MethodPost, "/users/"+userID.String()+"/overrides", map[string]any{
		"feature":    "report.export",
		"is_granted": false,
		"reason":     "opposite direction",
	})
	require.Equal(t, http.StatusConflict, conflict.Code)

	revoke := doJSON(t, router, http.MethodDelete, "/overrides/"+created.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, revoke.Code)

	list := doJSON(t, router, http.MethodGet, "/users/"+userID.String()+"/overrides", nil)
	require.Equal(t, http.StatusOK, list.Code)
}

func TestUserFeatureSetEndpoint(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("MANDOR", "harvest", false)
	router, _ := newTestAPI(t, f)
	userID := uuid.New()

	rr := doJSON(t, router, http.MethodGet, "/users/"+userID.String()+"/features?role=MANDOR", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var set UserFeatureSet
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &set))
	require.Equal(t, "MANDOR", set.Role)
	require.True(t, set.HasFeature("harvest.records"))

	missingRole := doJSON(t, router, http.MethodGet, "/users/"+userID.String()+"/features", nil)
	require.Equal(t, http.StatusBadRequest, missingRole.Code)
}
