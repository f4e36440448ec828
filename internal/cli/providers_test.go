package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/conductor/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestDescriptor(t *testing.T, dataDir, name, content string) string {
	t.Helper()
	dir := filepath.Join(dataDir, "providers")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestProvidersCommand(t *testing.T) {
	t.Run("should list built-in providers", func(t *testing.T) {
		cfgPath := setupTestCLI(t)

		output, err := executeCommand(t, nil, "--config", cfgPath, "providers")
		require.NoError(t, err)
		assert.Contains(t, output, "TYPE")
		assert.Contains(t, output, "echo *")
		assert.Contains(t, output, "anthropic")
		assert.Contains(t, output, "openai")
	})

	t.Run("should include descriptor providers", func(t *testing.T) {
		cfgPath := setupTestCLI(t)
		writeTestDescriptor(t, filepath.Dir(cfgPath), "local.yaml", "type: local-cli\nname: Local CLI\ncommand: sh\n")

		output, err := executeCommand(t, nil, "--config", cfgPath, "providers", "--json")
		require.NoError(t, err)

		var infos []plugin.Info
		require.NoError(t, json.Unmarshal([]byte(output), &infos))

		types := make([]string, 0, len(infos))
		for _, info := range infos {
			types = append(types, info.Metadata.Type)
		}
		assert.Equal(t, []string{"anthropic", "echo", "local-cli", "openai"}, types)
	})
}

func TestProvidersCheckCommand(t *testing.T) {
	t.Run("should accept a valid descriptor", func(t *testing.T) {
		cfgPath := setupTestCLI(t)
		path := writeTestDescriptor(t, filepath.Dir(cfgPath), "ok.yaml", "type: ok-cli\ncommand: sh\nversion: 1.2.0\n")

		output, err := executeCommand(t, nil, "--config", cfgPath, "providers", "check", path)
		require.NoError(t, err)
		assert.Contains(t, output, `provider "ok-cli"`)
		assert.Contains(t, output, "is valid")
	})

	t.Run("should reject a bad version", func(t *testing.T) {
		cfgPath := setupTestCLI(t)
		path := writeTestDescriptor(t, filepath.Dir(cfgPath), "bad.yaml", "type: bad-cli\ncommand: sh\nversion: not-semver\n")

		_, err := executeCommand(t, nil, "--config", cfgPath, "providers", "check", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid version")
	})

	t.Run("should reject a descriptor without command", func(t *testing.T) {
		cfgPath := setupTestCLI(t)
		path := writeTestDescriptor(t, filepath.Dir(cfgPath), "nocmd.yaml", "type: nocmd\n")

		_, err := executeCommand(t, nil, "--config", cfgPath, "providers", "check", path)
		assert.Error(t, err)
	})
}
