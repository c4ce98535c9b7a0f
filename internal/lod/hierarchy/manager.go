// Package hierarchy maintains the CPU-side LOD node graph: the node arena, the position index and the
// pending requests that turn GPU expansion requests into resident child nodes.
//
// All methods of Manager must be called from a single goroutine (the runtime tick).
package hierarchy

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/section"
)

type Manager struct {
	log      *zap.Logger
	store    *nodestore.Store
	index    *Index
	singles  requestList[singleRequest]
	children requestList[childRequest]
	topLevel map[pos.Key]struct{}
	dirty    map[uint32]struct{}

	geometry GeometryManager
	router   UpdateRouter

	counters Counters
}

// Counters are cumulative since construction.
type Counters struct {
	StaleResults       uint64 `json:"stale_results"`
	FinishedSingles    uint64 `json:"finished_singles"`
	FinishedExpansions uint64 `json:"finished_expansions"`
	Merges             uint64 `json:"merges"`
	Collapses          uint64 `json:"collapses"`
	CanceledRequests   uint64 `json:"canceled_requests"`
	Uploads            uint64 `json:"uploads"`
	Removals           uint64 `json:"removals"`
}

type Stats struct {
	Nodes           int `json:"nodes"`
	Capacity        int `json:"capacity"`
	FreeNodes       int `json:"free_nodes"`
	Tracked         int `json:"tracked"`
	TopLevel        int `json:"top_level"`
	PendingSingles  int `json:"pending_singles"`
	PendingChildren int `json:"pending_children"`
	Dirty           int `json:"dirty"`

	Counters
}

func New(maxNodes int, geometry GeometryManager, router UpdateRouter, logger *zap.Logger) (*Manager, error) {
	if geometry == nil || router == nil {
		return nil, errors.New("hierarchy: geometry manager and update router are required")
	}
	store, err := nodestore.New(maxNodes)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		log:      logger,
		store:    store,
		index:    NewIndex(),
		topLevel: map[pos.Key]struct{}{},
		dirty:    map[uint32]struct{}{},
		geometry: geometry,
		router:   router,
	}, nil
}

func (m *Manager) Stats() Stats {
	return Stats{
		Nodes:           m.store.Len(),
		Capacity:        m.store.Capacity(),
		FreeNodes:       m.store.FreeCount(),
		Tracked:         m.index.Len(),
		TopLevel:        len(m.topLevel),
		PendingSingles:  m.singles.len(),
		PendingChildren: m.children.len(),
		Dirty:           len(m.dirty),
		Counters:        m.counters,
	}
}

// Lookup returns the handle tracking p, or Absent.
func (m *Manager) Lookup(p pos.Key) Handle { return m.index.Lookup(p) }

// Store exposes the node arena for read-only inspection.
func (m *Manager) Store() *nodestore.Store { return m.store }

// InsertTopLevelNode starts tracking p as a root of the hierarchy.
func (m *Manager) InsertTopLevelNode(p pos.Key) error {
	if h := m.index.Lookup(p); h != Absent {
		return errors.Wrapf(ErrConflict, "insert top-level %s: held by %s", p, h)
	}
	id, err := m.singles.put(newSingleRequest(p))
	if err != nil {
		return err
	}
	if err := m.index.Insert(p, SingleRequestHandle(id)); err != nil {
		m.singles.release(id)
		return err
	}
	m.topLevel[p] = struct{}{}
	if !m.router.Watch(p, section.UpdateAll) {
		m.log.Warn("watch failed for top-level node", zap.Stringer("pos", p))
	}
	return nil
}

// RemoveTopLevelNode stops tracking p and everything below it.
func (m *Manager) RemoveTopLevelNode(p pos.Key) error {
	h := m.index.Lookup(p)
	if h == Absent {
		return errors.Wrapf(ErrNotFound, "remove top-level %s", p)
	}
	if _, ok := m.topLevel[p]; !ok {
		return errors.Wrapf(ErrNotTopLevel, "remove %s (%s)", p, h)
	}
	delete(m.topLevel, p)

	switch h.Kind() {
	case KindSingleRequest:
		m.cancelSingleRequest(h.Index())
		return nil
	case KindLeaf, KindInner:
		id := h.Index()
		if err := m.teardownNode(id); err != nil {
			return err
		}
		return m.freeNodes(id, 1)
	default:
		return violationf("top-level %s tracked as %s", p, h)
	}
}

// TopLevel returns the inserted roots in key order.
func (m *Manager) TopLevel() []pos.Key {
	out := make([]pos.Key, 0, len(m.topLevel))
	for p := range m.topLevel {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) markDirty(id uint32) { m.dirty[id] = struct{}{} }

// TakeDirty returns the ids changed since the previous call in ascending order and clears the set.
func (m *Manager) TakeDirty() []uint32 {
	if len(m.dirty) == 0 {
		return nil
	}
	out := make([]uint32, 0, len(m.dirty))
	for id := range m.dirty {
		out = append(out, id)
	}
	clear(m.dirty)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WriteNode encodes the GPU record of id into dst.
func (m *Manager) WriteNode(dst []byte, id uint32) { m.store.WriteNode(dst, id) }

// uploadReplace applies a build result on top of the geometry handle prev and returns the handle to
// keep. Empty results release prev and resolve to GeometryEmpty.
func (m *Manager) uploadReplace(prev uint32, s *section.BuiltSection) uint32 {
	if s.IsEmpty() {
		m.releaseGeometry(prev)
		s.Free()
		return nodestore.GeometryEmpty
	}
	m.counters.Uploads++
	if nodestore.IsRealGeometry(prev) {
		return m.geometry.UploadReplaceSection(prev, s)
	}
	return m.geometry.UploadSection(s)
}

func (m *Manager) releaseGeometry(g uint32) {
	if !nodestore.IsRealGeometry(g) {
		return
	}
	m.geometry.RemoveSection(g)
	m.counters.Removals++
}

func (m *Manager) unwatch(p pos.Key) {
	if !m.router.Unwatch(p, section.UpdateAll) {
		m.log.Debug("unwatch of unwatched position", zap.Stringer("pos", p))
	}
}

func (m *Manager) freeNodes(id uint32, n int) error {
	if err := m.store.Free(id, n); err != nil {
		return errors.Wrap(ErrProtocolViolation, err.Error())
	}
	for i := id; i < id+uint32(n); i++ {
		m.markDirty(i)
	}
	return nil
}

func handleFor(s *nodestore.Store, id uint32) Handle {
	if s.IsLeaf(id) {
		return LeafHandle(id)
	}
	return InnerHandle(id)
}
