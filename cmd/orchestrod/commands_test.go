package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestConfigValidateAndShow(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "orchestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator_id: test-node\nstore:\n  backend: memory\n"), 0o600))

	out, err := run(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration ok")

	out, err = run(t, "config", "show", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"OrchestratorID": "test-node"`)
}

func TestConfigValidateRejectsBadBackend(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: floppy\n"), 0o600))

	_, err := run(t, "config", "validate", "--config", path)
	assert.Error(t, err)
}
