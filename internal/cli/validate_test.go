package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateValidProfile(t *testing.T) {
	path := writeTestProfile(t, t.TempDir(), "")

	out, err := executeCommand(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK (2 connections, 1 rules, 1 scripts)")
}

func TestValidateJSONOutput(t *testing.T) {
	path := writeTestProfile(t, t.TempDir(), "")

	out, err := executeCommand(t, "--format", "json", "validate", path)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, float64(2), data["connections"])
}

func TestValidateUnknownConnectionInRule(t *testing.T) {
	dir := t.TempDir()
	content := `
tempRoot: ` + dir + `
connections:
  - name: fileIn
    kind: file
    enabled: true
rules:
  - name: broken
    enabled: true
    fromConnection: fileIn
    toConnections:
      - connection: ghost
`
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	out, err := executeCommand(t, "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E002")
	assert.Contains(t, out, "ghost")
}

func TestValidateBadScript(t *testing.T) {
	dir := t.TempDir()
	full := `
tempRoot: ` + filepath.Join(dir, "spool") + `
connections:
  - name: fileIn
    kind: file
    enabled: true
  - name: archive
    kind: cloud
    enabled: true
rules:
  - name: inbound
    enabled: true
    fromConnection: fileIn
    preFromScripts: [broken]
    toConnections:
      - connection: archive
scripts:
  broken: "transmogrify x"
`
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(full), 0o644))

	out, err := executeCommand(t, "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E003")
}

func TestValidateMissingProfile(t *testing.T) {
	out, err := executeCommand(t, "validate", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "E005")
}
