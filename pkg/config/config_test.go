package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `mapstructure:"name"`
	Admin struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"admin"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func chdirTemp(t *testing.T, yaml string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "cfgtest.yaml"), []byte(yaml), 0o644))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad(t *testing.T) {
	chdirTemp(t, "name: hub\nadmin:\n  addr: \":9000\"\ntimeout: 3s\n")

	c, err := Load[sample]("cfgtest")
	require.NoError(t, err)
	assert.Equal(t, "hub", c.Name)
	assert.Equal(t, ":9000", c.Admin.Addr)
	assert.Equal(t, 3*time.Second, c.Timeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t, "name: hub\nadmin:\n  addr: \":9000\"\n")
	t.Setenv("CFGTEST_ADMIN_ADDR", ":9100")

	c, err := Load[sample]("cfgtest")
	require.NoError(t, err)
	assert.Equal(t, ":9100", c.Admin.Addr)
}

func TestLoad_Missing(t *testing.T) {
	chdirTemp(t, "name: hub\n")
	_, err := Load[sample]("nope")
	assert.Error(t, err)
}
