package authz

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryOverrides struct {
	rows map[uuid.UUID][]UserFeature
}

func newMemoryOverrides() *memoryOverrides {
	return &memoryOverrides{rows: make(map[uuid.UUID][]UserFeature)}
}

func (m *memoryOverrides) ListUserFeatures(ctx context.Context, userID uuid.UUID) ([]UserFeature, error) {
	return append([]UserFeature(nil), m.rows[userID]...), nil
}

func (m *memoryOverrides) add(uf UserFeature) {
	m.rows[uf.UserID] = append(m.rows[uf.UserID], uf)
}

func newTestResolver(t *testing.T, f *fixture, overrides UserFeatureSource) *Resolver {
	t.Helper()
	catalog, err := NewCatalog(context.Background(), staticLoader{data: f.data})
	require.NoError(t, err)
	return NewResolver(catalog, overrides)
}

type staticLoader struct {
	data CatalogData
}

func (l staticLoader) LoadCatalog(ctx context.Context) (CatalogData, error) {
	return l.data, nil
}

func harvestFixture() *fixture {
	f := newFixture()
	f.addFeature("harvest", "")
	f.addFeature("harvest.records", "harvest")
	f.addFeature("harvest.records.approve", "harvest.records")
	f.addFeature("report", "")
	f.addFeature("report.export", "report")
	return f
}

func TestCheckFeatureDefaultDeny(t *testing.T) {
	f := harvestFixture()
	snap := f.snapshot()

	decision, err := snap.CheckFeature(nil, "MANDOR", "report.export", nil, time.Now())
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonNoGrant, decision.Reason)
}

func TestCheckFeatureUnknownNames(t *testing.T) {
	snap := harvestFixture().snapshot()

	_, err := snap.CheckFeature(nil, "GHOST", "report.export", nil, time.Now())
	require.ErrorIs(t, err, ErrRoleNotFound)

	_, err = snap.CheckFeature(nil, "MANDOR", "ghost.feature", nil, time.Now())
	require.ErrorIs(t, err, ErrFeatureNotFound)
}

func TestCheckFeatureRoleGrantInheritsFromSuperiors(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("MANAGER", "report.export", false)
	snap := f.snapshot()
	now := time.Now()

	// The role itself.
	decision, err := snap.CheckFeature(nil, "MANAGER", "report.export", nil, now)
	require.NoError(t, err)
	require.True(t, decision.HasAccess)
	require.Equal(t, ReasonRoleGranted, decision.Reason)

	// A grant bound on a superior role covers its subordinates too.
	decision, err = snap.CheckFeature(nil, "MANDOR", "report.export", nil, now)
	require.NoError(t, err)
	require.True(t, decision.HasAccess)
	require.Equal(t, ReasonRoleGranted, decision.Reason)

	// It does not flow upward to roles above the bound one.
	decision, err = snap.CheckFeature(nil, "AREA_MANAGER", "report.export", nil, now)
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonNoGrant, decision.Reason)
}

func TestCheckFeatureParentGrantCoversSubtree(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("ASISTEN", "harvest", false)
	snap := f.snapshot()

	decision, err := snap.CheckFeature(nil, "ASISTEN", "harvest.records.approve", nil, time.Now())
	require.NoError(t, err)
	require.True(t, decision.HasAccess)
	require.Equal(t, ReasonRoleGranted, decision.Reason)
}

func TestCheckFeatureRoleDenyWinsOverRoleGrant(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("MANDOR", "report.export", false)
	// Deny set by a more authoritative role.
	f.bindFeature("COMPANY_ADMIN", "report.export", true)
	snap := f.snapshot()

	decision, err := snap.CheckFeature(nil, "MANDOR", "report.export", nil, time.Now())
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonRoleDenied, decision.Reason)
}

func TestCheckFeatureUserDenyOverridesRoleGrant(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("MANDOR", "report.export", false)
	snap := f.snapshot()
	userID := uuid.New()
	overrides := []UserFeature{f.override(userID, "report.export", false, nil, nil, nil)}

	decision, err := snap.CheckFeature(overrides, "MANDOR", "report.export", nil, time.Now())
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonUserDenied, decision.Reason)
}

func TestCheckFeatureUserGrantOverridesRoleDeny(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("SATPAM", "report.export", true)
	snap := f.snapshot()
	userID := uuid.New()
	overrides := []UserFeature{f.override(userID, "report.export", true, nil, nil, nil)}

	decision, err := snap.CheckFeature(overrides, "SATPAM", "report.export", nil, time.Now())
	require.NoError(t, err)
	require.True(t, decision.HasAccess)
	require.Equal(t, ReasonUserGranted, decision.Reason)
}

func TestCheckFeatureScopeIsolation(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("MANDOR", "report.export", false)
	snap := f.snapshot()
	userID := uuid.New()
	deny := f.override(userID, "report.export", false, &Scope{Type: ScopeEstate, ID: "E1"}, nil, nil)
	overrides := []UserFeature{deny}
	now := time.Now()

	// The deny bites only in its own scope.
	decision, err := snap.CheckFeature(overrides, "MANDOR", "report.export", &Scope{Type: ScopeEstate, ID: "E1"}, now)
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonUserDenied, decision.Reason)

	decision, err = snap.CheckFeature(overrides, "MANDOR", "report.export", &Scope{Type: ScopeEstate, ID: "E2"}, now)
	require.NoError(t, err)
	require.True(t, decision.HasAccess)
	require.Equal(t, ReasonRoleGranted, decision.Reason)

	// An unscoped request is not matched by the scoped deny either.
	decision, err = snap.CheckFeature(overrides, "MANDOR", "report.export", nil, now)
	require.NoError(t, err)
	require.True(t, decision.HasAccess)
}

func TestCheckFeatureGlobalOverrideAppliesToEveryScope(t *testing.T) {
	f := harvestFixture()
	snap := f.snapshot()
	userID := uuid.New()
	overrides := []UserFeature{f.override(userID, "report.export", true, nil, nil, nil)}

	decision, err := snap.CheckFeature(overrides, "SATPAM", "report.export", &Scope{Type: ScopeDivision, ID: "D7"}, time.Now())
	require.NoError(t, err)
	require.True(t, decision.HasAccess)
	require.Equal(t, ReasonUserGranted, decision.Reason)
}

func TestCheckFeatureExpiredGrantIsInert(t *testing.T) {
	f := harvestFixture()
	snap := f.snapshot()
	userID := uuid.New()
	yesterday := time.Now().Add(-24 * time.Hour)
	overrides := []UserFeature{f.override(userID, "report.export", true, nil, nil, &yesterday)}

	// The row still exists but resolves as if absent.
	decision, err := snap.CheckFeature(overrides, "MANDOR", "report.export", nil, time.Now())
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonNoGrant, decision.Reason)
}

func TestCheckFeatureNotYetEffectiveGrantIsInert(t *testing.T) {
	f := harvestFixture()
	snap := f.snapshot()
	userID := uuid.New()
	tomorrow := time.Now().Add(24 * time.Hour)
	overrides := []UserFeature{f.override(userID, "report.export", true, nil, &tomorrow, nil)}

	decision, err := snap.CheckFeature(overrides, "MANDOR", "report.export", nil, time.Now())
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonNoGrant, decision.Reason)
}

func TestCheckFeatureExpiryBoundaryIsExclusive(t *testing.T) {
	f := harvestFixture()
	snap := f.snapshot()
	userID := uuid.New()
	expiry := time.Now().Truncate(time.Second)
	overrides := []UserFeature{f.override(userID, "report.export", true, nil, nil, &expiry)}

	// Valid strictly before the expiry instant, inert at and after it.
	decision, err := snap.CheckFeature(overrides, "MANDOR", "report.export", nil, expiry.Add(-time.Nanosecond))
	require.NoError(t, err)
	require.True(t, decision.HasAccess)

	decision, err = snap.CheckFeature(overrides, "MANDOR", "report.export", nil, expiry)
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
}

func TestCheckFeatureInactiveParentBlocksGrants(t *testing.T) {
	f := newFixture()
	f.addInactiveFeature("legacy", "")
	f.addFeature("legacy.tool", "legacy")
	f.bindFeature("MANAGER", "legacy.tool", false)
	snap := f.snapshot()

	decision, err := snap.CheckFeature(nil, "MANAGER", "legacy.tool", nil, time.Now())
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonNoGrant, decision.Reason)
}

func TestCheckFeatureUserGrantOnInactiveFeatureStaysDenied(t *testing.T) {
	f := newFixture()
	f.addInactiveFeature("legacy", "")
	f.addInactiveFeature("mill", "")
	f.addFeature("mill.weighbridge", "mill")
	userID := uuid.New()
	snap := f.snapshot()
	now := time.Now()

	// An override written before deactivation no longer grants anything.
	overrides := []UserFeature{f.override(userID, "legacy", true, nil, nil, nil)}
	decision, err := snap.CheckFeature(overrides, "MANAGER", "legacy", nil, now)
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonNoGrant, decision.Reason)

	// Same for an active feature under an inactive parent.
	overrides = []UserFeature{f.override(userID, "mill.weighbridge", true, nil, nil, nil)}
	decision, err = snap.CheckFeature(overrides, "MANAGER", "mill.weighbridge", nil, now)
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonNoGrant, decision.Reason)

	// A user deny on the same inputs still reports the deny.
	overrides = []UserFeature{f.override(userID, "legacy", false, nil, nil, nil)}
	decision, err = snap.CheckFeature(overrides, "MANAGER", "legacy", nil, now)
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonUserDenied, decision.Reason)
}

func TestCheckFeaturesBatch(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("MANDOR", "harvest.records", false)
	overrides := newMemoryOverrides()
	resolver := newTestResolver(t, f, overrides)
	userID := uuid.New()
	ctx := context.Background()

	// requireAll with one deny fails the aggregate but still partitions.
	decision, err := resolver.CheckFeaturesBatch(ctx, userID, "MANDOR", []string{"harvest.records", "report.export"}, true, nil)
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, []string{"harvest.records"}, decision.GrantedFeatures)
	require.Equal(t, []string{"report.export"}, decision.DeniedFeatures)

	// Any-of succeeds on the same inputs.
	decision, err = resolver.CheckFeaturesBatch(ctx, userID, "MANDOR", []string{"harvest.records", "report.export"}, false, nil)
	require.NoError(t, err)
	require.True(t, decision.HasAccess)

	_, err = resolver.CheckFeaturesBatch(ctx, userID, "MANDOR", []string{"ghost.feature"}, true, nil)
	require.ErrorIs(t, err, ErrFeatureNotFound)
}

func TestBuildUserFeatureSet(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("ASISTEN", "harvest", false)
	f.bindFeature("COMPANY_ADMIN", "harvest.records.approve", true)
	overrides := newMemoryOverrides()
	resolver := newTestResolver(t, f, overrides)
	userID := uuid.New()

	overrides.add(f.override(userID, "report.export", true, nil, nil, nil))
	overrides.add(f.override(userID, "harvest.records", true, &Scope{Type: ScopeEstate, ID: "E1"}, nil, nil))

	set, err := resolver.BuildUserFeatureSet(context.Background(), userID, "ASISTEN")
	require.NoError(t, err)
	require.Equal(t, userID.String(), set.UserID)
	require.Equal(t, "ASISTEN", set.Role)

	// The parent grant expanded to the subtree, minus the role-level deny,
	// plus the global user grant.
	require.Equal(t, []string{"harvest", "harvest.records", "report.export"}, set.Features)
	require.True(t, set.HasFeature("harvest.records"))
	require.False(t, set.HasFeature("harvest.records.approve"))

	// Ancestors of granted features are visible for menu composition.
	require.True(t, set.HasFeature("report"))

	// The scoped grant stays out of the global map but is carried along.
	require.Len(t, set.ScopedFeatures, 1)
	require.Equal(t, "harvest.records", set.ScopedFeatures[0].Feature)

	require.False(t, set.Expired(time.Now()))
	require.True(t, set.Expired(time.Now().Add(defaultFeatureSetTTL+time.Minute)))
}

func TestBuildUserFeatureSetUnknownRole(t *testing.T) {
	resolver := newTestResolver(t, harvestFixture(), newMemoryOverrides())

	_, err := resolver.BuildUserFeatureSet(context.Background(), uuid.New(), "GHOST")
	require.ErrorIs(t, err, ErrRoleNotFound)
}

func TestResolverCheckFeatureEndToEnd(t *testing.T) {
	f := harvestFixture()
	f.bindFeature("MANDOR", "report.export", false)
	overrides := newMemoryOverrides()
	resolver := newTestResolver(t, f, overrides)
	userID := uuid.New()
	ctx := context.Background()

	decision, err := resolver.CheckFeature(ctx, userID, "MANDOR", "report.export", nil)
	require.NoError(t, err)
	require.True(t, decision.HasAccess)

	overrides.add(f.override(userID, "report.export", false, nil, nil, nil))
	decision, err = resolver.CheckFeature(ctx, userID, "MANDOR", "report.export", nil)
	require.NoError(t, err)
	require.False(t, decision.HasAccess)
	require.Equal(t, ReasonUserDenied, decision.Reason)
}
