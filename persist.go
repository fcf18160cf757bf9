package embedbag

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/hupe1980/embedbag/blobstore"
	"github.com/hupe1980/embedbag/manifest"
	"github.com/hupe1980/embedbag/remap"
	"github.com/hupe1980/embedbag/table"
)

// SnapshotStore persists engines through a blob store. A save writes every
// table snapshot and remapping snapshot, then publishes a manifest naming
// them; a load resolves the current manifest and rebuilds the engine from the
// blobs it names.
type SnapshotStore struct {
	blobs     blobstore.Store
	manifests *manifest.Store
}

// NewSnapshotStore creates a snapshot store over blobs. Manifest options
// select the codec and, for multi-writer setups, the commit log.
func NewSnapshotStore(blobs blobstore.Store, opts ...manifest.StoreOption) *SnapshotStore {
	return &SnapshotStore{
		blobs:     blobs,
		manifests: manifest.NewStore(blobs, opts...),
	}
}

// Save writes a complete snapshot of the engine and publishes it as the next
// version. It returns the published version number.
//
// Blob names derive from the manifest version, so concurrent saves never
// overwrite each other's blobs; the commit itself is serialized by the
// manifest store's committer.
func (s *SnapshotStore) Save(ctx context.Context, e *Engine) (int64, error) {
	version, _, err := s.manifests.Version(ctx)
	if err != nil {
		return 0, err
	}
	version++

	m := &manifest.Manifest{
		Tables: make([]manifest.TableInfo, len(e.tables)),
	}
	for i, tbl := range e.tables {
		spec := tbl.Spec()
		name := path.Join("tables", fmt.Sprintf("%06d-%s.snap", version, spec.Name))

		var buf bytes.Buffer
		if err := tbl.Save(&buf); err != nil {
			return 0, err
		}
		if err := s.blobs.Put(ctx, name, buf.Bytes()); err != nil {
			return 0, err
		}
		e.logger.LogSnapshot(ctx, spec.Name, nil)

		m.Tables[i] = manifest.TableInfo{
			Name:     spec.Name,
			Path:     name,
			Rows:     spec.Rows,
			Dim:      spec.Dim,
			Format:   spec.Format.String(),
			Location: spec.Location.String(),
		}
	}

	for i, dense := range e.remappings {
		if dense == nil {
			continue
		}
		spec := e.tables[i].Spec()
		name := path.Join("remap", fmt.Sprintf("%06d-%s.snap", version, spec.Name))

		var buf bytes.Buffer
		if err := remap.WriteRemapping(&buf, dense); err != nil {
			return 0, err
		}
		if err := s.blobs.Put(ctx, name, buf.Bytes()); err != nil {
			return 0, err
		}
		m.Remappings = append(m.Remappings, manifest.RemapInfo{
			Table: spec.Name,
			Path:  name,
		})
	}

	if err := s.manifests.Save(ctx, m); err != nil {
		return 0, err
	}
	return m.Version, nil
}

// Load rebuilds the engine published by the latest save. Engine options apply
// as in New; remappings always come from the snapshot and must not be given
// again. A store that was never saved to returns blobstore.ErrNotFound.
func (s *SnapshotStore) Load(ctx context.Context, optFns ...Option) (*Engine, error) {
	m, err := s.manifests.Load(ctx)
	if err != nil {
		return nil, err
	}

	tables := make([]*table.Table, len(m.Tables))
	specs := make([]table.Spec, len(m.Tables))
	byName := make(map[string]int, len(m.Tables))
	for i, info := range m.Tables {
		tbl, err := s.loadTable(ctx, info)
		if err != nil {
			return nil, err
		}
		tables[i] = tbl
		specs[i] = tbl.Spec()
		byName[info.Name] = i
	}

	var remappings [][]int32
	if len(m.Remappings) > 0 {
		remappings = make([][]int32, len(m.Tables))
		for _, info := range m.Remappings {
			i, ok := byName[info.Table]
			if !ok {
				return nil, fmt.Errorf("embedbag: remapping for unknown table %q", info.Table)
			}
			dense, err := s.loadRemapping(ctx, info)
			if err != nil {
				return nil, err
			}
			remappings[i] = dense
		}
		optFns = append(optFns, WithRemappings(remappings))
	}

	e, err := New(specs, optFns...)
	if err != nil {
		return nil, err
	}
	for i, tbl := range tables {
		copy(e.tables[i].Data(), tbl.Data())
	}
	return e, nil
}

func (s *SnapshotStore) loadTable(ctx context.Context, info manifest.TableInfo) (*table.Table, error) {
	r, err := s.blobs.Open(ctx, info.Path)
	if err != nil {
		return nil, fmt.Errorf("table %q: %w", info.Name, err)
	}
	defer r.Close()

	tbl, err := table.Load(r)
	if err != nil {
		return nil, err
	}
	spec := tbl.Spec()
	if spec.Name != info.Name || spec.Rows != info.Rows || spec.Dim != info.Dim {
		return nil, fmt.Errorf("embedbag: snapshot %s holds table %q (%dx%d), manifest says %q (%dx%d)",
			info.Path, spec.Name, spec.Rows, spec.Dim, info.Name, info.Rows, info.Dim)
	}
	return tbl, nil
}

func (s *SnapshotStore) loadRemapping(ctx context.Context, info manifest.RemapInfo) ([]int32, error) {
	r, err := s.blobs.Open(ctx, info.Path)
	if err != nil {
		return nil, fmt.Errorf("remapping for table %q: %w", info.Table, err)
	}
	defer r.Close()
	return remap.ReadRemapping(r)
}
