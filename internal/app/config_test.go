package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/agrinova/agrinova/internal/testing/guard"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 5*time.Minute, cfg.FeatureSetTTL)
	require.Equal(t, 90*24*time.Hour, cfg.OverrideRetention)
	require.Equal(t, 500, cfg.WarmupBatchSize)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsNonPositiveFeatureSetTTL(t *testing.T) {
	t.Setenv("FEATURE_SET_TTL", "0s")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestInTestModeHonorsGuard(t *testing.T) {
	// The guard package forces AGRINOVA_TEST_MODE=1 for the test binary.
	RefreshTestMode()
	require.True(t, InTestMode())
}
