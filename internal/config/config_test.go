package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateWritesDefault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	cfg, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	require.Contains(t, string(data), "relay_address")
}

func TestLoadOrCreateKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	require.NoError(t, os.WriteFile(path, []byte("relay_address: relay.example:4433\n"), 0600))

	cfg, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.Equal(t, "relay.example:4433", cfg.RelayAddress)

	// The file is not rewritten.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "relay_address: relay.example:4433\n", string(data))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("relay: x\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	want := Config{RelayAddress: "127.0.0.1:9100"}
	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
