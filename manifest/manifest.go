// Package manifest versions the blobs that make up one engine's persistent
// state.
//
// A manifest names every table snapshot and remapping snapshot belonging to
// one engine version. Publication is two-phase: the immutable manifest blob
// is written first, then a committer flips the current-version pointer, so
// a reader always resolves a complete set of blobs.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hupe1980/embedbag/blobstore"
	"github.com/hupe1980/embedbag/codec"
)

const (
	// CurrentName is the blob holding the name of the latest manifest.
	CurrentName = "CURRENT"
	// FormatVersion is the manifest schema version this package writes.
	FormatVersion = 1
)

// Manifest describes the engine's blobs at one published version.
type Manifest struct {
	FormatVersion int    `json:"format_version"`
	Version       int64  `json:"version"`
	Codec         string `json:"codec"`

	Tables     []TableInfo `json:"tables"`
	Remappings []RemapInfo `json:"remappings,omitempty"`
}

// TableInfo points at one table snapshot.
type TableInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Rows     int    `json:"rows"`
	Dim      int    `json:"dim"`
	Format   string `json:"format"`
	Location string `json:"location"`
}

// RemapInfo points at one remapping snapshot.
type RemapInfo struct {
	Table string `json:"table"`
	Path  string `json:"path"`
}

// Committer atomically publishes and resolves the current manifest version.
type Committer interface {
	// Commit records name as the manifest for version. Implementations must
	// fail when version was already committed by another writer.
	Commit(ctx context.Context, version int64, name string) error

	// Current returns the latest committed version and manifest name;
	// version 0 means nothing was committed yet.
	Current(ctx context.Context) (int64, string, error)
}

// Store reads and writes manifests through a blob store.
type Store struct {
	blobs     blobstore.Store
	codec     codec.Codec
	committer Committer
	mu        sync.Mutex
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithCodec sets the codec for newly written manifests. Loads always select
// by the name recorded in the manifest itself.
func WithCodec(c codec.Codec) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithCommitter replaces the default CURRENT-blob pointer, e.g. with a
// DynamoDB commit log when the blob store cannot compare-and-swap.
func WithCommitter(c Committer) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.committer = c
		}
	}
}

// NewStore creates a manifest store over blobs.
func NewStore(blobs blobstore.Store, opts ...StoreOption) *Store {
	s := &Store{
		blobs: blobs,
		codec: codec.Default,
	}
	s.committer = &blobCommitter{blobs: blobs}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Version returns the latest committed version and manifest name; version 0
// means nothing was committed yet.
func (s *Store) Version(ctx context.Context) (int64, string, error) {
	return s.committer.Current(ctx)
}

// Save publishes m as the next version after the latest committed one.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, _, err := s.committer.Current(ctx)
	if err != nil {
		return err
	}
	m.FormatVersion = FormatVersion
	m.Version = version + 1
	m.Codec = s.codec.Name()

	data, err := s.codec.Marshal(m)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("MANIFEST-%06d.json", m.Version)
	if err := s.blobs.Put(ctx, name, data); err != nil {
		return err
	}
	return s.committer.Commit(ctx, m.Version, name)
}

// Load resolves and decodes the current manifest. A store that never
// committed returns blobstore.ErrNotFound.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	version, name, err := s.committer.Current(ctx)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, blobstore.ErrNotFound
	}

	r, err := s.blobs.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	// Peek the codec name with the portable decoder, then decode fully with
	// the codec the manifest names.
	var head struct {
		FormatVersion int    `json:"format_version"`
		Codec         string `json:"codec"`
	}
	if err := (codec.JSON{}).Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	if head.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("manifest %s: unsupported format version %d", name, head.FormatVersion)
	}
	c, ok := codec.ByName(head.Codec)
	if !ok {
		return nil, fmt.Errorf("manifest %s: unknown codec %q", name, head.Codec)
	}

	var m Manifest
	if err := c.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	return &m, nil
}

// blobCommitter keeps the current pointer in a CURRENT blob. Blob stores
// replace whole blobs atomically, which is enough for a single writer;
// multi-writer setups need a Committer with real compare-and-swap.
type blobCommitter struct {
	blobs blobstore.Store
}

func (c *blobCommitter) Commit(ctx context.Context, version int64, name string) error {
	return c.blobs.Put(ctx, CurrentName, []byte(name))
}

func (c *blobCommitter) Current(ctx context.Context) (int64, string, error) {
	r, err := c.blobs.Open(ctx, CurrentName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return 0, "", nil
		}
		return 0, "", err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", err
	}

	name := strings.TrimSpace(string(data))
	var version int64
	if _, err := fmt.Sscanf(name, "MANIFEST-%06d.json", &version); err != nil {
		return 0, "", fmt.Errorf("malformed CURRENT pointer %q", name)
	}
	return version, name, nil
}
