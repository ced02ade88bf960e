package config

import (
	"os"
	"strconv"
	"strings"
)

// SecurityMode selects whether Block execution requires container
// isolation or may fall back to the host interpreter.
type SecurityMode string

const (
	SecurityModeStrict     SecurityMode = "strict"
	SecurityModePermissive SecurityMode = "permissive"
)

// LocalPackMode controls whether locally-loaded (non-ecosystem) packs
// still require approval.
type LocalPackMode string

const (
	LocalPackModeOff             LocalPackMode = "off"
	LocalPackModeRequireApproval LocalPackMode = "require_approval"
)

// Config holds process-wide kernel configuration.
type Config struct {
	SecurityMode  SecurityMode
	LocalPackMode LocalPackMode

	StateDir    string // root of user_data/
	DockerBin   string
	DockerImage string // Python image every block invocation runs under
	PythonBin   string // host interpreter for the permissive-mode block fallback
	HMACKeyPath string

	EcosystemDirs []string // Pack search roots, descending precedence

	OTLPEndpoint string // empty disables observability export

	EgressSocketGID      int
	CapabilitySocketGID  int
	EgressSocketMode     os.FileMode
	CapabilitySocketMode os.FileMode
	EgressSockDir        string
	CapabilitySockDir    string

	RedisAddr string // optional; empty disables the distributed limiter
}

// Load reads configuration from environment variables, falling back to
// safe strict defaults for anything unset or malformed. Load never
// fails; a misconfigured numeric or boolean value is simply ignored in
// favor of the default.
func Load() *Config {
	cfg := &Config{
		SecurityMode:         SecurityModeStrict,
		LocalPackMode:        LocalPackModeOff,
		StateDir:             "user_data",
		DockerBin:            "docker",
		DockerImage:          "python:3.12-slim",
		PythonBin:            "python3",
		EcosystemDirs:        []string{"ecosystem", "ecosystem/packs"},
		EgressSocketMode:     0660,
		CapabilitySocketMode: 0660,
		EgressSockDir:        "/run/rumi/egress/packs",
		CapabilitySockDir:    "/run/rumi/capability/packs",
	}

	if v := os.Getenv("RUMI_SECURITY_MODE"); v == string(SecurityModePermissive) {
		cfg.SecurityMode = SecurityModePermissive
	}
	if v := os.Getenv("RUMI_LOCAL_PACK_MODE"); v == string(LocalPackModeRequireApproval) {
		cfg.LocalPackMode = LocalPackModeRequireApproval
	}
	if v := os.Getenv("RUMI_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("RUMI_DOCKER_BIN"); v != "" {
		cfg.DockerBin = v
	}
	if v := os.Getenv("RUMI_DOCKER_IMAGE"); v != "" {
		cfg.DockerImage = v
	}
	if v := os.Getenv("RUMI_PYTHON_BIN"); v != "" {
		cfg.PythonBin = v
	}
	if v := os.Getenv("RUMI_ECOSYSTEM_DIRS"); v != "" {
		cfg.EcosystemDirs = strings.Split(v, ",")
	}
	cfg.OTLPEndpoint = os.Getenv("RUMI_OTLP_ENDPOINT")
	if v := os.Getenv("RUMI_HMAC_KEY_PATH"); v != "" {
		cfg.HMACKeyPath = v
	} else {
		cfg.HMACKeyPath = cfg.StateDir + "/permissions/.secret_key"
	}
	if v := os.Getenv("RUMI_EGRESS_SOCKET_GID"); v != "" {
		if gid, err := strconv.Atoi(v); err == nil {
			cfg.EgressSocketGID = gid
		}
	}
	if v := os.Getenv("RUMI_CAPABILITY_SOCKET_GID"); v != "" {
		if gid, err := strconv.Atoi(v); err == nil {
			cfg.CapabilitySocketGID = gid
		}
	}
	if v := os.Getenv("RUMI_EGRESS_SOCKET_MODE"); v != "" {
		if mode, err := strconv.ParseUint(v, 8, 32); err == nil {
			cfg.EgressSocketMode = os.FileMode(mode)
		}
	}
	if v := os.Getenv("RUMI_CAPABILITY_SOCKET_MODE"); v != "" {
		if mode, err := strconv.ParseUint(v, 8, 32); err == nil {
			cfg.CapabilitySocketMode = os.FileMode(mode)
		}
	}
	if v := os.Getenv("RUMI_EGRESS_SOCK_DIR"); v != "" {
		cfg.EgressSockDir = v
	}
	if v := os.Getenv("RUMI_CAPABILITY_SOCK_DIR"); v != "" {
		cfg.CapabilitySockDir = v
	}
	cfg.RedisAddr = os.Getenv("RUMI_REDIS_ADDR")

	return cfg
}
