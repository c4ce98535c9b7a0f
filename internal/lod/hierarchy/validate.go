package hierarchy

import (
	"math/bits"

	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/pos"
)

// Validate walks the index and every reachable child block and reports the first inconsistency.
// It is O(tracked positions) and meant for tests and debug ticks.
func (m *Manager) Validate() error {
	var err error
	m.index.Range(func(p pos.Key, h Handle) bool {
		err = m.validateEntry(p, h)
		return err == nil
	})
	if err != nil {
		return err
	}
	for p := range m.topLevel {
		if m.index.Lookup(p) == Absent {
			return violationf("top-level %s not tracked", p)
		}
	}
	return nil
}

func (m *Manager) validateEntry(p pos.Key, h Handle) error {
	switch h.Kind() {
	case KindSingleRequest:
		r := m.singles.get(h.Index())
		if r == nil || r.position != p {
			return violationf("%s: dangling %s", p, h)
		}
		return nil
	case KindChildRequest:
		r := m.children.get(h.Index())
		if r == nil || r.position != p.Parent() || !r.has(p.Octant()) {
			return violationf("%s: dangling %s", p, h)
		}
		return nil
	case KindLeaf, KindInner:
	default:
		return violationf("%s: invalid handle %s", p, h)
	}

	id := h.Index()
	s := m.store
	if !s.Exists(id) || s.Position(id) != p {
		return violationf("%s: %s does not hold this position", p, h)
	}
	if (h.Kind() == KindLeaf) != s.IsLeaf(id) {
		return violationf("%s: tag %s disagrees with child pointer", p, h)
	}
	if s.Geometry(id) == nodestore.GeometryNone {
		return violationf("%s: resolved node without geometry", p)
	}
	if s.IsRequestInFlight(id) {
		r := m.children.get(s.Request(id))
		if r == nil || r.position != p {
			return violationf("%s: in-flight flag without matching request", p)
		}
	}
	if h.Kind() == KindLeaf {
		return nil
	}

	mask := s.ChildExistence(id)
	if n := s.ChildCount(id); n == 0 || n != bits.OnesCount8(mask) {
		return violationf("%s: child count %d disagrees with mask %08b", p, n, mask)
	}
	ptr := s.ChildPtr(id)
	for i := 0; i < 8; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		cid := ptr + uint32(nodestore.ChildSlot(mask, i))
		cp := p.MustChild(i)
		if !s.Exists(cid) || s.Position(cid) != cp {
			return violationf("%s: child slot %d does not hold %s", p, cid, cp)
		}
		if ch := m.index.Lookup(cp); ch.Index() != cid || ch.IsRequest() {
			return violationf("%s: child %s indexed as %s, stored at %d", p, cp, ch, cid)
		}
	}
	return nil
}
