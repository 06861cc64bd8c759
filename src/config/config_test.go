package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfigurationSetsSensibleDefaults(t *testing.T) {
	config := DefaultConfiguration()
	assert.Equal(t, "Isolated", config.Build.NetworkPolicy)
	assert.NotZero(t, config.Build.ThreadCount)
	assert.Equal(t, defaultSandboxBackend(), config.Sandbox.Backend)
	assert.EqualValues(t, 10<<30, config.Cache.GCTargetBytes)
}

func TestReadConfigFilesMergesInOrder(t *testing.T) {
	dir := t.TempDir()
	repo := writeConfigFile(t, dir, "repo.conf", `
[build]
machine = qemux86-64
distro = poky
`)
	local := writeConfigFile(t, dir, "local.conf", `
[build]
distro = poky-tiny
`)
	config, err := ReadConfigFiles([]string{repo, local})
	require.NoError(t, err)
	assert.Equal(t, "qemux86-64", config.Build.Machine)
	assert.Equal(t, "poky-tiny", config.Build.Distro)
}

func TestReadConfigFilesTolerateMissingFiles(t *testing.T) {
	config, err := ReadConfigFiles([]string{"/no/such/file.conf"})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfiguration().Build.NetworkPolicy, config.Build.NetworkPolicy)
}

func TestReadConfigFilesDefaultsBuildPath(t *testing.T) {
	config, err := ReadConfigFiles(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, config.Build.Path)
}

func TestHashIsDeterministic(t *testing.T) {
	config := DefaultConfiguration()
	config.Build.Machine = "qemux86-64"
	assert.Equal(t, config.Hash(), config.Hash())
}

func TestHashChangesWithMachine(t *testing.T) {
	a := DefaultConfiguration()
	a.Build.Machine = "qemux86-64"
	b := DefaultConfiguration()
	b.Build.Machine = "raspberrypi4"
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestHashChangesWithSandboxBackend(t *testing.T) {
	a := DefaultConfiguration()
	b := DefaultConfiguration()
	b.Sandbox.Backend = "none"
	a.Sandbox.Backend = "linux"
	assert.NotEqual(t, a.Hash(), b.Hash())
}
