package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radryc/fibfs/internal/config"
)

func TestParseFlags(t *testing.T) {
	cfg := config.Default()
	err := parseFlags(&cfg, []string{
		"-o", "kmsg_bytes=12,noatime",
		"--max-inodes", "100",
		"--uid", "7", "--gid", "8",
		"--attr-timeout", "3s",
		"--diag-addr", "127.0.0.1:9100",
		"--log-format", "json",
		"/mnt/fib",
	})
	require.NoError(t, err)
	assert.Equal(t, "/mnt/fib", cfg.Mountpoint)
	assert.Equal(t, uint64(12), cfg.KmsgBytes)
	assert.Equal(t, []string{"noatime"}, cfg.ExtraOptions)
	assert.Equal(t, int64(100), cfg.MaxInodes)
	assert.Equal(t, uint32(7), cfg.UID)
	assert.Equal(t, uint32(8), cfg.GID)
	assert.Equal(t, 3*time.Second, cfg.AttrTimeout)
	assert.Equal(t, "127.0.0.1:9100", cfg.DiagAddr)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestParseFlagsErrors(t *testing.T) {
	tests := map[string][]string{
		"bad kmsg_bytes":  {"-o", "kmsg_bytes=x", "/mnt"},
		"extra argument":  {"/mnt", "/other"},
		"unknown flag":    {"--nope"},
		"bad inode limit": {"--max-inodes", "many"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			assert.Error(t, parseFlags(&cfg, args))
		})
	}
}

func TestParseFlagsMountFlagWins(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, parseFlags(&cfg, []string{"--mount", "/a"}))
	assert.Equal(t, "/a", cfg.Mountpoint)
}

func TestParseFlagsDoesNotRepeatEnvOptions(t *testing.T) {
	t.Setenv(config.EnvOptions, "noatime,kmsg_bytes=3")
	cfg, err := config.Load()
	require.NoError(t, err)

	require.NoError(t, parseFlags(&cfg, []string{"-o", "noatime,ro", "/mnt"}))
	assert.Equal(t, []string{"noatime", "ro"}, cfg.ExtraOptions)
	assert.Equal(t, "kmsg_bytes=3,noatime,ro", cfg.MountOptions())
}

func TestParseFlagsFuseDebug(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, parseFlags(&cfg, []string{"--debug", "/mnt"}))
	assert.True(t, cfg.Debug)
	assert.False(t, cfg.FuseDebug)

	cfg = config.Default()
	require.NoError(t, parseFlags(&cfg, []string{"--fuse-debug", "/mnt"}))
	assert.False(t, cfg.Debug)
	assert.True(t, cfg.FuseDebug)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "json", false)
	logger.Debug("hidden")
	logger.Info("shown", "k", "v")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "v", rec["k"])

	buf.Reset()
	newLogger(&buf, "tint", true).Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}
