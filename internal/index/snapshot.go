package index

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/types"
)

const (
	snapshotVersion = 1
	snapshotExt     = ".idx.zst"
)

// ErrSnapshotMismatch is returned when a snapshot no longer matches the
// collection it was taken from.
var ErrSnapshotMismatch = errors.New("snapshot does not match collection")

type snapshotFile struct {
	Version      int
	Collection   string
	CollectionID int64
	Strategy     Strategy
	Metric       distance.Metric
	Dimension    int
	Params       Params
	Count        int
	BuiltAt      time.Time

	Flat *Vectors
	IVF  *ivfState
	HNSW *hnswState
}

type ivfState struct {
	Centroids [][]float32
	Lists     []Vectors
	TrainedOn int
	Dirty     int
}

type hnswNodeState struct {
	ID      int64
	Vec     []float32
	Level   int
	Friends [][]uint32
}

type hnswState struct {
	Nodes    []hnswNodeState
	Entry    int
	MaxLevel int
	Deleted  []byte
}

func (ivf *IVF) state() *ivfState {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	st := &ivfState{
		Centroids: ivf.centroids,
		Lists:     make([]Vectors, len(ivf.lists)),
		TrainedOn: ivf.trainedOn,
		Dirty:     ivf.dirty,
	}
	for i, list := range ivf.lists {
		for _, e := range list {
			st.Lists[i].Add(e.id, e.vec)
		}
	}
	return st
}

func restoreIVF(s *snapshotFile) (*IVF, error) {
	st := s.IVF
	if len(st.Centroids) == 0 || len(st.Lists) != len(st.Centroids) {
		return nil, fmt.Errorf("%w: malformed ivf state", ErrSnapshotMismatch)
	}
	ivf, err := buildIVF(context.Background(), s.Metric, s.Dimension, &Vectors{}, s.Params)
	if err != nil {
		return nil, err
	}
	ivf.centroids = st.Centroids
	ivf.lists = make([][]ivfEntry, len(st.Lists))
	for l, list := range st.Lists {
		for i, id := range list.IDs {
			ivf.lists[l] = append(ivf.lists[l], ivfEntry{id: id, vec: list.Vectors[i]})
			ivf.where[id] = l
		}
	}
	ivf.trainedOn = st.TrainedOn
	ivf.dirty = st.Dirty
	return ivf, nil
}

func (h *HNSW) state() (*hnswState, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deleted, err := h.deleted.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode tombstones: %w", err)
	}
	st := &hnswState{
		Nodes:    make([]hnswNodeState, len(h.nodes)),
		Entry:    h.entry,
		MaxLevel: h.maxLevel,
		Deleted:  deleted,
	}
	for i, n := range h.nodes {
		n.mu.RLock()
		st.Nodes[i] = hnswNodeState{ID: n.id, Vec: n.vec, Level: n.level, Friends: append([][]uint32(nil), n.friends...)}
		n.mu.RUnlock()
	}
	return st, nil
}

func restoreHNSW(s *snapshotFile) (*HNSW, error) {
	st := s.HNSW
	h, err := newHNSW(s.Metric, s.Dimension, s.Params)
	if err != nil {
		return nil, err
	}
	if err := h.deleted.UnmarshalBinary(st.Deleted); err != nil {
		return nil, fmt.Errorf("%w: malformed tombstones: %v", ErrSnapshotMismatch, err)
	}
	if st.Entry >= len(st.Nodes) || (st.Entry < 0 && len(st.Nodes) > 0) {
		return nil, fmt.Errorf("%w: entry point out of range", ErrSnapshotMismatch)
	}
	h.nodes = make([]*hnswNode, len(st.Nodes))
	for i, ns := range st.Nodes {
		if len(ns.Friends) != ns.Level+1 {
			return nil, fmt.Errorf("%w: node %d has %d layers, want %d", ErrSnapshotMismatch, ns.ID, len(ns.Friends), ns.Level+1)
		}
		for _, layer := range ns.Friends {
			for _, slot := range layer {
				if int(slot) >= len(st.Nodes) {
					return nil, fmt.Errorf("%w: edge out of range", ErrSnapshotMismatch)
				}
			}
		}
		h.nodes[i] = &hnswNode{id: ns.ID, vec: ns.Vec, level: ns.Level, friends: ns.Friends}
		if !h.deleted.Contains(uint32(i)) {
			h.byID[ns.ID] = uint32(i)
		}
	}
	h.entry = st.Entry
	h.maxLevel = st.MaxLevel
	h.rng = rand.New(rand.NewSource(s.Params.Seed + int64(len(h.nodes))))
	return h, nil
}

// encodeSnapshot writes one index as a zstd-compressed gob stream.
func encodeSnapshot(w io.Writer, s *snapshotFile) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := gob.NewEncoder(enc).Encode(s); err != nil {
		_ = enc.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return nil
}

func decodeSnapshot(r io.Reader) (*snapshotFile, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()
	var s snapshotFile
	if err := gob.NewDecoder(dec).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotMismatch, s.Version)
	}
	return &s, nil
}

func (s *snapshotFile) restore() (Index, error) {
	switch {
	case s.Strategy == StrategyFlat && s.Flat != nil:
		f, err := NewFlat(s.Metric, s.Dimension)
		if err != nil {
			return nil, err
		}
		for i, id := range s.Flat.IDs {
			f.vectors[id] = s.Flat.Vectors[i]
		}
		return f, nil
	case s.Strategy == StrategyIVF && s.IVF != nil:
		return restoreIVF(s)
	case s.Strategy == StrategyHNSW && s.HNSW != nil:
		return restoreHNSW(s)
	}
	return nil, fmt.Errorf("%w: no state for strategy %q", ErrSnapshotMismatch, s.Strategy)
}

// WriteSnapshot serializes the published index of collection to w.
func (m *Manager) WriteSnapshot(w io.Writer, collection string) error {
	e := m.lookup(collection)
	var cur *published
	if e != nil {
		cur = e.current.Load()
	}
	if cur == nil {
		return fmt.Errorf("collection %q: %w", collection, ErrIndexNotBuilt)
	}

	s := &snapshotFile{
		Version:      snapshotVersion,
		Collection:   collection,
		CollectionID: cur.collectionID,
		Strategy:     cur.idx.Strategy(),
		Metric:       cur.idx.Metric(),
		Dimension:    cur.idx.Dimension(),
		Params:       cur.params.withDefaults(),
		BuiltAt:      cur.builtAt,
	}
	switch idx := cur.idx.(type) {
	case *Flat:
		s.Flat = idx.live()
	case *IVF:
		s.IVF = idx.state()
	case *HNSW:
		st, err := idx.state()
		if err != nil {
			return err
		}
		s.HNSW = st
	default:
		return fmt.Errorf("%w: cannot snapshot %T", types.ErrInvalidParameter, cur.idx)
	}
	s.Count = cur.idx.Len()
	return encodeSnapshot(w, s)
}

// ReadSnapshot restores an index from r and publishes it. The snapshot is
// rejected when the collection was recreated or its document count changed.
func (m *Manager) ReadSnapshot(ctx context.Context, r io.Reader) (string, error) {
	s, err := decodeSnapshot(r)
	if err != nil {
		return "", err
	}
	coll, err := m.source.GetCollection(ctx, s.Collection)
	if err != nil {
		return "", err
	}
	if coll.ID != s.CollectionID || coll.Dimension != s.Dimension || coll.Metric != s.Metric {
		return "", fmt.Errorf("collection %q: %w", s.Collection, ErrSnapshotMismatch)
	}
	count, err := m.source.CountDocuments(ctx, coll.ID)
	if err != nil {
		return "", err
	}
	if count != s.Count {
		return "", fmt.Errorf("collection %q has %d documents, snapshot has %d: %w",
			s.Collection, count, s.Count, ErrSnapshotMismatch)
	}

	idx, err := s.restore()
	if err != nil {
		return "", err
	}

	e := m.entry(s.Collection)
	if !e.build.TryAcquire() {
		return "", fmt.Errorf("collection %q: %w", s.Collection, ErrBuildInProgress)
	}
	defer e.build.Release()
	e.current.Store(&published{idx: idx, collectionID: coll.ID, params: s.Params, builtAt: s.BuiltAt})
	m.metrics.SetIndexSize(s.Collection, idx.Len())
	return s.Collection, nil
}

func snapshotPath(dir, collection string) string {
	return filepath.Join(dir, url.PathEscape(collection)+snapshotExt)
}

// SaveSnapshots writes every published index into dir, one file per
// collection.
func (m *Manager) SaveSnapshots(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	for _, st := range m.List() {
		if !st.Built {
			continue
		}
		if err := m.saveSnapshot(dir, st.Collection); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) saveSnapshot(dir, collection string) error {
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := m.WriteSnapshot(tmp, collection); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("collection %q: %w", collection, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), snapshotPath(dir, collection)); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// LoadSnapshots restores every snapshot found in dir and returns how many
// were published. Stale or unreadable snapshots are skipped.
func (m *Manager) LoadSnapshots(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	loaded := 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), snapshotExt) {
			continue
		}
		path := filepath.Join(dir, de.Name())
		f, err := os.Open(path)
		if err != nil {
			return loaded, fmt.Errorf("failed to open snapshot: %w", err)
		}
		name, err := m.ReadSnapshot(ctx, f)
		_ = f.Close()
		if err != nil {
			m.logger.Warn("skipping index snapshot", zap.String("path", path), zap.Error(err))
			continue
		}
		m.logger.Info("index snapshot loaded", zap.String("collection", name), zap.String("path", path))
		loaded++
	}
	return loaded, nil
}
