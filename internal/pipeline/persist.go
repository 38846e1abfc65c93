package pipeline

import (
	"fmt"
	"time"
)

const snapshotVersion = 1

// Snapshot is the full durable state of the store.
type Snapshot struct {
	Version          int         `json:"version"`
	SavedAt          time.Time   `json:"saved_at"`
	ActivePipelineID string      `json:"active_pipeline_id,omitempty"`
	Pipelines        []*Pipeline `json:"pipelines"`
}

// Persister saves and restores snapshots.
type Persister interface {
	Save(snap *Snapshot) error
	Load() (*Snapshot, error)
}

// FilePersister keeps the snapshot in a single JSON file.
type FilePersister struct {
	path string
}

// NewFilePersister returns a persister writing to path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the snapshot file path.
func (f *FilePersister) Path() string {
	return f.path
}

// Save writes the snapshot atomically.
func (f *FilePersister) Save(snap *Snapshot) error {
	return WriteJSON(f.path, snap)
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (f *FilePersister) Load() (*Snapshot, error) {
	var snap Snapshot
	ok, err := ReadJSONIfExists(f.path, &snap)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return &Snapshot{Version: snapshotVersion}, nil
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, snapshotVersion)
	}
	return &snap, nil
}
