package cmd

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AEtherlight-ai/lumina-sub000/internal/presentation"
)

type cliEnv struct {
	settings  string
	workspace string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	return cliEnv{
		settings:  filepath.Join(dir, "user", "settings.yaml"),
		workspace: filepath.Join(dir, "project"),
	}
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.settings, "--workspace", e.workspace}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestConfigSetThenGet(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "config", "set", "cache.max_size", "250")
	require.NoError(t, err)
	require.Contains(t, out, "cache.max_size = 250 (user)")

	out, err = env.run(t, "config", "set", "cache.max_size", "300", "--layer", "workspace")
	require.NoError(t, err)
	require.Contains(t, out, "(workspace)")

	out, err = env.run(t, "config", "get", "cache.max_size")
	require.NoError(t, err)
	require.Equal(t, "300\t(workspace)\n", out)

	_, err = env.run(t, "config", "unset", "cache.max_size", "--layer", "workspace")
	require.NoError(t, err)

	out, err = env.run(t, "config", "get", "cache.max_size")
	require.NoError(t, err)
	require.Equal(t, "250\t(user)\n", out)
}

func TestConfigSet_Rejections(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "config", "set", "cache.max_size", "0")
	require.ErrorContains(t, err, "rejected")

	_, err = env.run(t, "config", "set", "nope.key", "1")
	require.ErrorContains(t, err, "unknown key")

	_, err = env.run(t, "config", "set", "cache.max_size", "5", "--layer", "runtime")
	require.ErrorContains(t, err, "not persisted")
}

func TestConfigList_JSON(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "--set", "log.level=debug", "config", "list", "--json")
	require.NoError(t, err)

	var settings []presentation.SettingDTO
	require.NoError(t, json.Unmarshal([]byte(out), &settings))
	byKey := make(map[string]presentation.SettingDTO, len(settings))
	for _, s := range settings {
		byKey[s.Key] = s
	}
	require.Equal(t, "debug", byKey["log.level"].Value)
	require.Equal(t, "runtime", byKey["log.level"].Source)
	require.Equal(t, "default", byKey["cache.max_size"].Source)
}

func TestStatus_JSON(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "status", "--json")
	require.NoError(t, err)

	var report presentation.StatusReportDTO
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, "healthy", report.Overall)

	names := make([]string, 0, len(report.Services))
	for _, s := range report.Services {
		names = append(names, s.Name)
	}
	require.ElementsMatch(t, []string{"config", "events", "cache", "workspace_db"}, names)
}

func TestInvalidSetFlag(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "--set", "broken", "status")
	require.ErrorContains(t, err, "want key=value")
}
