package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/gohome-myenergi/internal/blob"
)

func TestPersisterMissingState(t *testing.T) {
	p := NewPersister(filepath.Join(t.TempDir(), "state.json"), blob.NewMemoryStore())
	_, err := p.Load(context.Background())
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestPersisterRestoresLocalFromMirror(t *testing.T) {
	ctx := context.Background()
	mirror := blob.NewMemoryStore()
	dir := t.TempDir()

	first := NewPersister(filepath.Join(dir, "a", "state.json"), mirror)
	require.NoError(t, first.Save(ctx, Snapshot{Devices: []DeviceRecord{{ID: "zappi-1", DriverID: "zappi", Name: "Zappi 1"}}}))

	info, err := os.Stat(filepath.Join(dir, "a", "state.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	secondPath := filepath.Join(dir, "b", "state.json")
	second := NewPersister(secondPath, mirror)
	snap, err := second.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "Zappi 1", snap.Devices[0].Name)

	_, err = os.Stat(secondPath)
	assert.NoError(t, err)
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) ([]byte, error) { return nil, errors.New("offline") }
func (failingStore) Save(context.Context, string, []byte) error { return errors.New("offline") }

func TestPersisterKeepsLocalWhenMirrorFails(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	p := NewPersister(path, failingStore{})

	require.Error(t, p.Save(ctx, Snapshot{}))
	snap, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SnapshotSchemaVersion, snap.SchemaVersion)
}

func TestDecodeSnapshotRejects(t *testing.T) {
	_, err := DecodeSnapshot([]byte(`{"schema_version":2}`))
	assert.Error(t, err)
	_, err = DecodeSnapshot([]byte(`{"schema_version":1,"devices":[{"name":"x"}]}`))
	assert.Error(t, err)
	_, err = DecodeSnapshot([]byte(`not json`))
	assert.Error(t, err)
}
