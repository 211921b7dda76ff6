package entities

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSnapshot(t *testing.T) {
	content := `
entities:
  - id: sensor.circuit_a
    value: 120.5
    device_class: power
    area: kitchen
    labels: [critical]
    attributes:
      voltage: 230
  - id: sensor.circuit_b
    unavailable: true
`
	dir := t.TempDir()
	path := filepath.Join(dir, "entities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store, err := LoadSnapshot(path)
	require.NoError(t, err)

	state := store.Get("sensor.circuit_a")
	require.True(t, state.Exists)
	require.Equal(t, 120.5, state.Value)
	require.Equal(t, 230, state.Attributes["voltage"])

	entries := store.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "power", entries[0].DeviceClass)

	degraded := store.Get("sensor.circuit_b")
	require.True(t, degraded.Exists)
	require.Nil(t, degraded.Value)
}

func TestLoadSnapshotRejectsMissingID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entities:\n  - value: 1\n"), 0o644))

	_, err := LoadSnapshot(path)
	require.Error(t, err)
}
