// Package backup serializes coordination state snapshots to pluggable
// storage. Snapshots carry active mitigations and room metadata so a
// restarted instance resumes enforcement instead of forgetting it.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"meshconf/internal/core/domain"
)

// Snapshot is one point-in-time capture of persistent coordination state.
type Snapshot struct {
	Version     string               `json:"version"`
	Timestamp   time.Time            `json:"timestamp"`
	Mitigations []*domain.Mitigation `json:"mitigations,omitempty"`
	Rooms       []*domain.Room       `json:"rooms,omitempty"`
}

// Storage is where snapshots live. The file backend is the default; an S3
// backend builds behind the s3 tag.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

const snapshotPrefix = "snapshot-"

// Service writes and reads snapshots against a Storage backend.
type Service struct {
	storage Storage
	version string
}

func NewService(storage Storage, version string) *Service {
	return &Service{storage: storage, version: version}
}

// Write stores a snapshot and returns its storage name. Names embed the
// capture time, so lexical order is chronological order.
func (s *Service) Write(ctx context.Context, snap *Snapshot) (string, error) {
	snap.Version = s.version
	snap.Timestamp = time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	name := fmt.Sprintf("%s%s.json", snapshotPrefix, snap.Timestamp.UTC().Format("20060102-150405"))
	if err := s.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	return name, nil
}

// Read loads one snapshot by name.
func (s *Service) Read(ctx context.Context, name string) (*Snapshot, error) {
	reader, err := s.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// List returns all snapshot names, oldest first.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.storage.List(ctx, snapshotPrefix)
}

// Latest reads the newest snapshot, or nil when none exist.
func (s *Service) Latest(ctx context.Context) (*Snapshot, error) {
	names, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	newest := names[0]
	for _, name := range names[1:] {
		if name > newest {
			newest = name
		}
	}
	return s.Read(ctx, newest)
}

// Delete removes one snapshot.
func (s *Service) Delete(ctx context.Context, name string) error {
	return s.storage.Delete(ctx, name)
}
