package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"epona/link"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "epona.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 100*time.Millisecond, cfg.Resolver.Timeout)
	assert.Equal(t, 2, cfg.Resolver.Retries)
	assert.Equal(t, time.Duration(0), cfg.Bridge.MaxAge)
	require.Len(t, cfg.Switch.Bridges, 1)
	assert.Equal(t, "br0", cfg.Switch.Bridges[0].Name)
	assert.Len(t, cfg.Switch.Bridges[0].Listen, 2)
	assert.Equal(t, 65535, cfg.Capture.SnapLen)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
resolver:
  timeout: 250ms
  retries: 4
bridge:
  max_age: 5m
switch:
  bridges:
    - name: lan
      listen: ["127.0.0.1:7001", "127.0.0.1:7002", "127.0.0.1:7003"]
    - name: dmz
      listen: ["127.0.0.1:7101"]
host:
  name: alice
  hwaddr: "52:54:00:00:00:01"
  address: 10.0.0.1/24
  gateway: 10.0.0.254
  switch: 127.0.0.1:7001
metrics:
  enabled: true
  listen: 127.0.0.1:9100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.Resolver.Timeout)
	assert.Equal(t, 4, cfg.Resolver.Retries)
	assert.Equal(t, 5*time.Minute, cfg.Bridge.MaxAge)
	require.Len(t, cfg.Switch.Bridges, 2)
	assert.Equal(t, "dmz", cfg.Switch.Bridges[1].Name)
	assert.Len(t, cfg.Switch.Bridges[0].Listen, 3)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	params, err := cfg.Host.Parse()
	require.NoError(t, err)
	assert.Equal(t, link.HardwareAddr{0x52, 0x54, 0, 0, 0, 1}, params.HWAddr)
	assert.Equal(t, "10.0.0.1/24", params.Prefix.String())
	assert.Equal(t, link.NetAddr{10, 0, 0, 254}, params.Gateway)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("EPONA_LOG_LEVEL", "warn")
	t.Setenv("EPONA_RESOLVER_RETRIES", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Resolver.Retries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad level", content: "log:\n  level: loud\n"},
		{name: "bad format", content: "log:\n  format: xml\n"},
		{name: "zero timeout", content: "resolver:\n  timeout: 0s\n"},
		{name: "negative retries", content: "resolver:\n  retries: -1\n"},
		{name: "unnamed bridge", content: "switch:\n  bridges:\n    - listen: [\":1\"]\n"},
		{name: "duplicate bridge", content: "switch:\n  bridges:\n    - name: a\n      listen: [\":1\"]\n    - name: a\n      listen: [\":2\"]\n"},
		{name: "portless bridge", content: "switch:\n  bridges:\n    - name: a\n"},
		{name: "bad hwaddr", content: "host:\n  hwaddr: zz\n  address: 10.0.0.1/24\n"},
		{name: "broadcast hwaddr", content: "host:\n  hwaddr: ff:ff:ff:ff:ff:ff\n  address: 10.0.0.1/24\n"},
		{name: "bad address", content: "host:\n  hwaddr: 52:54:00:00:00:01\n  address: 10.0.0.1\n"},
		{name: "bad gateway", content: "host:\n  hwaddr: 52:54:00:00:00:01\n  address: 10.0.0.1/24\n  gateway: gw\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestYAMLDump(t *testing.T) {
	cfg := Default()

	out, err := cfg.YAML()
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, cfg.Resolver, decoded.Resolver)
	assert.Equal(t, cfg.Switch.Bridges, decoded.Switch.Bridges)
}
