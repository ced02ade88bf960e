package config_test

import (
	"os"
	"testing"

	"github.com/rumi-labs/rumikernel/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns strict, safe defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RUMI_SECURITY_MODE", "")
	t.Setenv("RUMI_LOCAL_PACK_MODE", "")
	t.Setenv("RUMI_STATE_DIR", "")
	t.Setenv("RUMI_DOCKER_BIN", "")
	t.Setenv("RUMI_HMAC_KEY_PATH", "")
	t.Setenv("RUMI_REDIS_ADDR", "")

	cfg := config.Load()

	assert.Equal(t, config.SecurityModeStrict, cfg.SecurityMode)
	assert.Equal(t, config.LocalPackModeOff, cfg.LocalPackMode)
	assert.Equal(t, "user_data", cfg.StateDir)
	assert.Equal(t, "docker", cfg.DockerBin)
	assert.Equal(t, "user_data/permissions/.secret_key", cfg.HMACKeyPath)
	assert.Equal(t, "", cfg.RedisAddr)
}

// TestLoad_Overrides verifies environment variables override defaults.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RUMI_SECURITY_MODE", "permissive")
	t.Setenv("RUMI_LOCAL_PACK_MODE", "require_approval")
	t.Setenv("RUMI_STATE_DIR", "/tmp/rumi-state")
	t.Setenv("RUMI_DOCKER_BIN", "podman")
	t.Setenv("RUMI_EGRESS_SOCKET_GID", "2000")
	t.Setenv("RUMI_EGRESS_SOCKET_MODE", "0640")
	t.Setenv("RUMI_REDIS_ADDR", "localhost:6379")

	cfg := config.Load()

	assert.Equal(t, config.SecurityModePermissive, cfg.SecurityMode)
	assert.Equal(t, config.LocalPackModeRequireApproval, cfg.LocalPackMode)
	assert.Equal(t, "/tmp/rumi-state", cfg.StateDir)
	assert.Equal(t, "podman", cfg.DockerBin)
	assert.Equal(t, 2000, cfg.EgressSocketGID)
	assert.Equal(t, os.FileMode(0640), cfg.EgressSocketMode)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

// TestLoad_InvalidNumericFallsBackToDefault verifies a malformed
// numeric env var is ignored rather than causing Load to fail.
func TestLoad_InvalidNumericFallsBackToDefault(t *testing.T) {
	t.Setenv("RUMI_EGRESS_SOCKET_GID", "not-a-number")

	cfg := config.Load()

	assert.Equal(t, 0, cfg.EgressSocketGID)
}
