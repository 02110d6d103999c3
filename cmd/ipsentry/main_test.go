package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipsentry/internal/config"
)

func TestConfigCmdWritesEffectiveConfig(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.yaml")
	require.NoError(t, os.WriteFile(src, []byte("detection:\n  hard_fail_min: 12\n"), 0o644))
	t.Setenv("N_ESTIMATORS", "50")

	prev := configPath
	configPath = src
	t.Cleanup(func() { configPath = prev })

	out := filepath.Join(dir, "effective.yaml")
	cmd := newConfigCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--write", out})
	require.NoError(t, cmd.Execute())

	configPath = ""
	loaded, err := config.Load(out)
	require.NoError(t, err)
	assert.Equal(t, 12, loaded.Detection.HardFailMin)
	assert.Equal(t, 50, loaded.Detection.NEstimators)
	assert.Equal(t, int64(32<<20), loaded.API.MaxBodyBytes)
}

func TestConfigCmdPrintsJSON(t *testing.T) {
	prev := configPath
	configPath = ""
	t.Cleanup(func() { configPath = prev })

	var buf bytes.Buffer
	cmd := newConfigCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	var got config.Config
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, config.DefaultConfig().API.Addr, got.API.Addr)
}
