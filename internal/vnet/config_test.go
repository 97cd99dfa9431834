package vnet_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fastpath/interpose/internal/assert"
	"github.com/fastpath/interpose/internal/vnet"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("FASTPATH_CONFIG", "")
	t.Setenv("FASTPATH_SOCKET", "")
	config, err := vnet.LoadConfig("")
	assert.OK(t, err)
	assert.DeepEqual(t, config, vnet.DefaultConfig())
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("FASTPATH_SOCKET", "")
	path := filepath.Join(t.TempDir(), "fastpath.yaml")
	assert.OK(t, os.WriteFile(path, []byte(`
control:
  socket: /run/fastpath.sock
network:
  ipv4: 10.10.0.1/16
`), 0666))

	config, err := vnet.LoadConfig(path)
	assert.OK(t, err)
	assert.Equal(t, config.Control.Socket, "/run/fastpath.sock")
	assert.Equal(t, config.Network.IPv4, "10.10.0.1/16")
}

func TestLoadConfigUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fastpath.yaml")
	assert.OK(t, os.WriteFile(path, []byte("nettwork:\n  ipv4: 10.10.0.1/16\n"), 0666))

	_, err := vnet.LoadConfig(path)
	assert.True(t, err != nil)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fastpath.yaml")
	assert.OK(t, os.WriteFile(path, []byte("control:\n  socket: /run/fastpath.sock\n"), 0666))

	t.Setenv("FASTPATH_CONFIG", path)
	t.Setenv("FASTPATH_SOCKET", "@fastpath.test")
	config, err := vnet.LoadConfig("")
	assert.OK(t, err)
	assert.Equal(t, config.Control.Socket, "@fastpath.test")
	assert.Equal(t, config.Network.IPv4, vnet.DefaultConfig().Network.IPv4)
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	t.Setenv("FASTPATH_SOCKET", "")
	config, err := vnet.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.OK(t, err)
	assert.DeepEqual(t, config, vnet.DefaultConfig())
}
