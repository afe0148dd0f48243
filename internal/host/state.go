package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joshp123/gohome-myenergi/internal/blob"
)

const SnapshotSchemaVersion = 1

var ErrStateNotFound = errors.New("host state not found")

// Snapshot is the persisted runtime: app settings plus paired devices.
type Snapshot struct {
	SchemaVersion int                        `json:"schema_version"`
	SavedAt       time.Time                  `json:"saved_at"`
	Settings      map[string]json.RawMessage `json:"settings"`
	Devices       []DeviceRecord             `json:"devices"`
}

// DeviceRecord is the persisted form of a Device.
type DeviceRecord struct {
	ID           string         `json:"id"`
	DriverID     string         `json:"driver_id"`
	Name         string         `json:"name"`
	Data         map[string]any `json:"data"`
	Store        map[string]any `json:"store,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Values       map[string]any `json:"values,omitempty"`
}

func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode state: %w", err)
	}
	if snap.SchemaVersion != SnapshotSchemaVersion {
		return Snapshot{}, fmt.Errorf("unsupported schema_version: %d", snap.SchemaVersion)
	}
	for i, dev := range snap.Devices {
		if dev.ID == "" || dev.DriverID == "" {
			return Snapshot{}, fmt.Errorf("state device %d missing id or driver_id", i)
		}
	}
	return snap, nil
}

// Persister writes snapshots to a local file and mirrors them to a blob
// store. Local state wins on load; the mirror restores a lost local file.
type Persister struct {
	path     string
	store    blob.Store
	blobName string
}

func NewPersister(path string, store blob.Store) *Persister {
	return &Persister{path: path, store: store, blobName: "host"}
}

func (p *Persister) Load(ctx context.Context) (Snapshot, error) {
	local, localErr := p.loadLocal()
	if localErr == nil {
		return local, nil
	}
	if !errors.Is(localErr, ErrStateNotFound) {
		return Snapshot{}, localErr
	}
	if p.store == nil {
		return Snapshot{}, ErrStateNotFound
	}

	data, err := p.store.Load(ctx, p.blobName)
	if errors.Is(err, blob.ErrNotFound) {
		remotePersistOK.Set(1)
		return Snapshot{}, ErrStateNotFound
	}
	if err != nil {
		remotePersistOK.Set(0)
		return Snapshot{}, fmt.Errorf("load state mirror: %w", err)
	}
	remotePersistOK.Set(1)
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return Snapshot{}, err
	}
	if err := p.writeLocal(data); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Save writes locally first; a mirror failure is reported but the local
// copy is kept.
func (p *Persister) Save(ctx context.Context, snap Snapshot) error {
	snap.SchemaVersion = SnapshotSchemaVersion
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := p.writeLocal(data); err != nil {
		localPersistOK.Set(0)
		return err
	}
	localPersistOK.Set(1)

	if p.store == nil {
		return nil
	}
	if err := p.store.Save(ctx, p.blobName, data); err != nil {
		remotePersistOK.Set(0)
		return fmt.Errorf("mirror state: %w", err)
	}
	remotePersistOK.Set(1)
	return nil
}

func (p *Persister) loadLocal() (Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrStateNotFound
		}
		return Snapshot{}, fmt.Errorf("read state: %w", err)
	}
	return DecodeSnapshot(data)
}

func (p *Persister) writeLocal(data []byte) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create state temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
