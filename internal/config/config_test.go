package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommand(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("server.addr", ":8080", "")
	return cmd
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.StartTimeout)
	assert.Equal(t, int32(8000), cfg.Kubernetes.AgentPort)
	assert.Equal(t, "config", cfg.Capacity.Source)
	assert.InDelta(t, 1.3, cfg.Adjuster.Multiplier, 1e-9)
	assert.Equal(t, model.UnitAbsolute, cfg.Capacity.Resources().Unit)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "sandboxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  public_url: http://file
reaper:
  idle_timeout: 10m
capacity:
  cpu_cores: 16
`), 0o644))
	t.Setenv("SANDBOXD_SERVER__PUBLIC_URL", "http://env")
	t.Setenv("SANDBOXD_SAMPLER__INTERVAL", "3s")
	t.Setenv("SANDBOXD_LOG__FORMAT", "pretty")

	cmd := newCommand(t)
	require.NoError(t, cmd.Flags().Set("config", path))
	require.NoError(t, cmd.Flags().Set("server.addr", ":7000"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr, "flags win over the file")
	assert.Equal(t, "http://env", cfg.Server.PublicURL, "env wins over the file")
	assert.Equal(t, 10*time.Minute, cfg.Reaper.IdleTimeout)
	assert.Equal(t, 3*time.Second, cfg.Sampler.Interval)
	assert.InDelta(t, 16, cfg.Capacity.CPUCores, 1e-9)
	assert.Equal(t, "pretty", cfg.Log.Format)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SANDBOXD_TOOLS__ROOT=/srv/tools\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("SANDBOXD_TOOLS__ROOT") })

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/tools", cfg.Tools.Root)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cmd := newCommand(t)
	require.NoError(t, cmd.Flags().Set("config", "/does/not/exist.yaml"))
	_, err := Load(cmd)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(nil)
	require.NoError(t, err)

	bad := *cfg
	bad.Adjuster.Multiplier = 0.5
	bad.Capacity.Source = "magic"
	err = bad.Validate()
	require.Error(t, err)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
	assert.Contains(t, err.Error(), "adjuster.multiplier")
	assert.Contains(t, err.Error(), "capacity.source")

	cluster := *cfg
	cluster.Capacity.Source = "cluster"
	cluster.Capacity.CPUCores = 0
	assert.NoError(t, cluster.Validate())
}

func TestLockDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	first, err := LockDataDir(dir)
	require.NoError(t, err)
	assert.FileExists(t, first.Path())

	_, err = LockDataDir(dir)
	assert.True(t, errors.Is(err, ErrDataDirLocked))

	require.NoError(t, first.Unlock())
	second, err := LockDataDir(dir)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())
}
