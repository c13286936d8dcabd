package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"distributed-register/internal/config"
)

func writeKeyFiles(t *testing.T, dir string) (systemKeyPath, clientKeyPath string) {
	t.Helper()
	systemKeyPath = filepath.Join(dir, "system.key")
	clientKeyPath = filepath.Join(dir, "client.key")
	require.NoError(t, os.WriteFile(systemKeyPath, make([]byte, 64), 0o600))
	require.NoError(t, os.WriteFile(clientKeyPath, make([]byte, 32), 0o600))
	return systemKeyPath, clientKeyPath
}

func TestLoadValidTOML(t *testing.T) {
	dir := t.TempDir()
	systemKeyPath, clientKeyPath := writeKeyFiles(t, dir)

	tomlContent := `
max_sector = 1024
storage_dir = "` + dir + `"
self_rank = 1

[[process]]
rank = 1
host = "127.0.0.1"
port = 9001

[[process]]
rank = 2
host = "127.0.0.1"
port = 9002

[hmac]
system_key_path = "` + systemKeyPath + `"
client_key_path = "` + clientKeyPath + `"
`
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlContent), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1024), cfg.MaxSector)
	require.Equal(t, 1, cfg.SelfRank)
	require.Len(t, cfg.TCPLocations, 2)
	require.Equal(t, "127.0.0.1:9001", cfg.TCPLocations[0].String())
	require.Equal(t, "127.0.0.1:9002", cfg.TCPLocations[1].String())
	require.Len(t, cfg.HMACSystemKey, 64)
	require.Len(t, cfg.HMACClientKey, 32)
}

func TestLoadRejectsZeroMaxSector(t *testing.T) {
	dir := t.TempDir()
	systemKeyPath, clientKeyPath := writeKeyFiles(t, dir)

	tomlContent := `
max_sector = 0
storage_dir = "` + dir + `"
self_rank = 1

[[process]]
rank = 1
host = "127.0.0.1"
port = 9001

[hmac]
system_key_path = "` + systemKeyPath + `"
client_key_path = "` + clientKeyPath + `"
`
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlContent), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestFromFlagsOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	systemKeyPath, clientKeyPath := writeKeyFiles(t, dir)

	tomlContent := `
max_sector = 64
storage_dir = "` + dir + `"
self_rank = 1

[[process]]
rank = 1
host = "127.0.0.1"
port = 9001

[hmac]
system_key_path = "` + systemKeyPath + `"
client_key_path = "` + clientKeyPath + `"
`
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlContent), 0o600))

	cfg, err := config.FromFlags([]string{"-config", path, "-max-sector", "4096"})
	require.NoError(t, err)
	require.Equal(t, uint64(4096), cfg.MaxSector)
}

func TestFromFlagsWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	systemKeyPath, clientKeyPath := writeKeyFiles(t, dir)

	cfg, err := config.FromFlags([]string{
		"-id", "1",
		"-peers", "127.0.0.1:9001,127.0.0.1:9002",
		"-max-sector", "16",
		"-storage-dir", dir,
		"-system-key", systemKeyPath,
		"-client-key", clientKeyPath,
	})
	require.NoError(t, err)
	require.Equal(t, 1, cfg.SelfRank)
	require.Len(t, cfg.TCPLocations, 2)
	require.Equal(t, uint64(16), cfg.MaxSector)
}

func TestFromFlagsAcceptsAddrMatchingSelfRank(t *testing.T) {
	dir := t.TempDir()
	systemKeyPath, clientKeyPath := writeKeyFiles(t, dir)

	cfg, err := config.FromFlags([]string{
		"-id", "2",
		"-peers", "127.0.0.1:9001,127.0.0.1:9002",
		"-addr", "127.0.0.1:9002",
		"-max-sector", "16",
		"-storage-dir", dir,
		"-system-key", systemKeyPath,
		"-client-key", clientKeyPath,
	})
	require.NoError(t, err)
	require.Equal(t, 2, cfg.SelfRank)
}

func TestFromFlagsRejectsAddrMismatchingSelfRank(t *testing.T) {
	dir := t.TempDir()
	systemKeyPath, clientKeyPath := writeKeyFiles(t, dir)

	_, err := config.FromFlags([]string{
		"-id", "1",
		"-peers", "127.0.0.1:9001,127.0.0.1:9002",
		"-addr", "127.0.0.1:9002",
		"-max-sector", "16",
		"-storage-dir", dir,
		"-system-key", systemKeyPath,
		"-client-key", clientKeyPath,
	})
	require.Error(t, err)
}

func TestValidateRejectsOutOfRangeSelfRank(t *testing.T) {
	cfg := config.Configuration{
		TCPLocations:  []config.PeerAddress{{Host: "h", Port: 1}},
		SelfRank:      5,
		MaxSector:     10,
		StorageDir:    "/tmp",
		HMACSystemKey: make([]byte, 64),
		HMACClientKey: make([]byte, 32),
	}
	require.Error(t, cfg.Validate())
}
