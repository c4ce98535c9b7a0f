package hierarchy

import (
	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/section"
)

// ProcessGeometryResult consumes one finished mesh build. The manager either hands s to the geometry
// manager or frees it; callers must not touch s afterwards.
func (m *Manager) ProcessGeometryResult(s *section.BuiltSection) error {
	p := s.Position
	h := m.index.Lookup(p)
	switch h.Kind() {
	case KindAbsent:
		m.counters.StaleResults++
		m.log.Debug("discarding stale geometry result", zap.Stringer("pos", p))
		s.Free()
		return nil

	case KindSingleRequest:
		r := m.singles.get(h.Index())
		if r == nil || r.position != p {
			s.Free()
			return violationf("geometry for %s: dangling %s", p, h)
		}
		r.setMesh(m.uploadReplace(r.mesh, s))
		// A mesh carries the mask it was built against; a child change reported since wins.
		if !r.hasExistence {
			r.setChildExistence(s.ChildExistence)
		}
		if r.isSatisfied() {
			return m.finishSingleRequest(h.Index(), r)
		}
		return nil

	case KindChildRequest:
		r := m.children.get(h.Index())
		octant := p.Octant()
		if r == nil || r.position != p.Parent() || !r.has(octant) {
			s.Free()
			return violationf("geometry for %s: dangling %s", p, h)
		}
		r.setChildMesh(octant, m.uploadReplace(r.childMesh(octant), s))
		if !r.hasChildExistence(octant) {
			r.setChildExistence(octant, s.ChildExistence)
		}
		if r.isSatisfied() {
			return m.finishChildRequest(h.Index(), r)
		}
		return nil

	default:
		id := h.Index()
		prev := m.store.Geometry(id)
		if next := m.uploadReplace(prev, s); next != prev {
			m.store.SetGeometry(id, next)
			m.markDirty(id)
		}
		if m.store.IsGeometryPending(id) {
			m.store.SetGeometryPending(id, false)
			m.markDirty(id)
		}
		return nil
	}
}

// ProcessChildChange records that the non-empty child octants of p are now mask.
func (m *Manager) ProcessChildChange(p pos.Key, mask uint8) error {
	if p.Level() == 0 && mask != 0 {
		return violationf("child mask %08b reported for level-0 %s", mask, p)
	}
	h := m.index.Lookup(p)
	switch h.Kind() {
	case KindAbsent:
		m.counters.StaleResults++
		m.log.Debug("discarding stale child change", zap.Stringer("pos", p), zap.Uint8("mask", mask))
		return nil

	case KindSingleRequest:
		r := m.singles.get(h.Index())
		if r == nil || r.position != p {
			return violationf("child change for %s: dangling %s", p, h)
		}
		r.setChildExistence(mask)
		if r.isSatisfied() {
			return m.finishSingleRequest(h.Index(), r)
		}
		return nil

	case KindChildRequest:
		r := m.children.get(h.Index())
		octant := p.Octant()
		if r == nil || r.position != p.Parent() || !r.has(octant) {
			return violationf("child change for %s: dangling %s", p, h)
		}
		r.setChildExistence(octant, mask)
		if r.isSatisfied() {
			return m.finishChildRequest(h.Index(), r)
		}
		return nil

	case KindLeaf:
		id := h.Index()
		if m.store.ChildExistence(id) != mask {
			m.store.SetChildExistence(id, mask)
			m.markDirty(id)
		}
		return nil

	default:
		return m.reconcileInner(h.Index(), mask)
	}
}
