package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteka/gateway/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRegistryValidate(t *testing.T) {
	path := writeFile(t, "registry.yaml", `
consentManagers:
  - id: ncg
    url: https://cm.example
participants:
  - id: hip-1
    role: hip
    url: https://hip.example
    active: false
`)

	out, err := execute(t, "registry", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ncg")
	assert.Contains(t, out, "hip-1")
	assert.Contains(t, out, "2 participants")

	t.Run("invalid file", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", "participants:\n  - id: x\n    role: wizard\n    url: https://x\n")
		_, err := execute(t, "registry", "validate", path)
		assert.ErrorContains(t, err, "wizard")
	})

	t.Run("shipped example", func(t *testing.T) {
		out, err := execute(t, "registry", "validate", filepath.Join("..", "..", "registry.example.yaml"))
		require.NoError(t, err)
		assert.Contains(t, out, "5 participants")
	})

	t.Run("missing argument", func(t *testing.T) {
		_, err := execute(t, "registry", "validate")
		assert.Error(t, err)
	})
}

func TestConfigCommand(t *testing.T) {
	path := writeFile(t, "config.yaml", "auth:\n  jwt_secret: s\nqueue:\n  partitions: 2\n")

	out, err := execute(t, "--config", path, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "cache.backend")
	assert.Contains(t, out, "gw.dataflow.0, gw.dataflow.1, gw.link")

	t.Run("shipped example", func(t *testing.T) {
		out, err := execute(t, "--config", filepath.Join("..", "..", "config.example.yaml"), "config")
		require.NoError(t, err)
		assert.Contains(t, out, "rsa")
	})

	t.Run("invalid config", func(t *testing.T) {
		path := writeFile(t, "config.yaml", "queue:\n  backend: kafka\n")
		_, err := execute(t, "--config", path, "config")
		assert.ErrorContains(t, err, "queue.backend")
	})
}

func TestQueuesRequiresBroker(t *testing.T) {
	path := writeFile(t, "config.yaml", "auth:\n  jwt_secret: s\n")
	_, err := execute(t, "--config", path, "queues")
	assert.ErrorContains(t, err, "only rabbitmq")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf).Info("hidden")
	assert.Empty(t, buf.String())

	newLogger(config.LogConfig{Level: "debug", Format: "text"}, &buf).Debug("shown")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
