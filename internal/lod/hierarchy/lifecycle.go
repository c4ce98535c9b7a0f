package hierarchy

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/pos"
)

// teardownNode releases everything owned by node id: its pending child request, its subtree, its
// geometry, its index entry and its watch. The slot of id itself stays allocated.
func (m *Manager) teardownNode(id uint32) error {
	p := m.store.Position(id)
	if m.store.IsRequestInFlight(id) {
		m.cancelChildRequest(m.store.Request(id))
		m.store.UnmarkRequestInFlight(id)
	}
	if !m.store.IsLeaf(id) {
		ptr, n := m.store.ChildPtr(id), m.store.ChildCount(id)
		for i := 0; i < n; i++ {
			if err := m.teardownNode(ptr + uint32(i)); err != nil {
				return err
			}
		}
		if err := m.freeNodes(ptr, n); err != nil {
			return err
		}
		m.store.SetChildPtr(id, nodestore.NoChild)
		m.store.SetChildCount(id, 0)
	}
	m.releaseGeometry(m.store.Geometry(id))
	m.store.SetGeometry(id, nodestore.GeometryNone)
	m.store.SetGeometryPending(id, false)
	if _, err := m.index.Remove(p); err != nil {
		return errors.Wrap(ErrProtocolViolation, err.Error())
	}
	m.unwatch(p)
	m.markDirty(id)
	return nil
}

func (m *Manager) cancelSingleRequest(reqID uint32) {
	r := m.singles.get(reqID)
	if r == nil {
		return
	}
	m.releaseGeometry(r.mesh)
	if _, err := m.index.Remove(r.position); err != nil {
		m.log.Error("cancel single request", zap.Error(err))
	}
	m.unwatch(r.position)
	m.singles.release(reqID)
	m.counters.CanceledRequests++
}

// cancelChildRequest drops every octant of the request. The parent's in-flight flag is left alone.
func (m *Manager) cancelChildRequest(reqID uint32) {
	r := m.children.get(reqID)
	if r == nil {
		return
	}
	for i := 0; i < 8; i++ {
		if r.has(i) {
			m.dropChild(r, i)
		}
	}
	m.children.release(reqID)
	m.counters.CanceledRequests++
}

// abandonChildRequest cancels the request and clears the in-flight flag of its parent.
func (m *Manager) abandonChildRequest(reqID uint32) {
	r := m.children.get(reqID)
	if r == nil {
		return
	}
	parent := r.position
	m.cancelChildRequest(reqID)
	h := m.index.Lookup(parent)
	if k := h.Kind(); k != KindLeaf && k != KindInner {
		return
	}
	if id := h.Index(); m.store.IsRequestInFlight(id) && m.store.Request(id) == reqID {
		m.store.UnmarkRequestInFlight(id)
		m.markDirty(id)
	}
}

func (m *Manager) dropChild(r *childRequest, octant int) {
	cp := r.position.MustChild(octant)
	if _, err := m.index.Remove(cp); err != nil {
		m.log.Error("drop child request slot", zap.Stringer("pos", cp), zap.Error(err))
	}
	m.unwatch(cp)
	m.releaseGeometry(r.removeChild(octant))
}

// reconcileInner brings inner node id in line with a new child mask. Resident octants that vanished
// are torn down, pending octants that vanished are dropped and new octants are requested.
func (m *Manager) reconcileInner(id uint32, mask uint8) error {
	p := m.store.Position(id)
	block := m.store.ChildExistence(id)

	var (
		r       *childRequest
		reqID   uint32
		pending uint8
	)
	if m.store.IsRequestInFlight(id) {
		reqID = m.store.Request(id)
		if r = m.children.get(reqID); r == nil {
			return violationf("inner %s points at missing request %d", p, reqID)
		}
		pending = r.required
	}
	if mask == block|pending {
		return nil
	}

	for i := 0; i < 8; i++ {
		if pending&^mask&(1<<i) != 0 {
			m.dropChild(r, i)
		}
	}
	if removed := block &^ mask; removed != 0 {
		if err := m.shrinkBlock(id, p, removed, mask); err != nil {
			return err
		}
	}
	if added := mask &^ (block | pending); added != 0 {
		if r == nil {
			var err error
			if reqID, r, err = m.startChildRequest(id, p); err != nil {
				return err
			}
		}
		if err := m.requestChildren(reqID, r, added); err != nil {
			return err
		}
	}

	switch {
	case r == nil:
		return nil
	case r.required == 0:
		m.children.release(reqID)
		m.store.UnmarkRequestInFlight(id)
		m.markDirty(id)
		return nil
	case r.isSatisfied():
		return m.finishChildRequest(reqID, r)
	}
	return nil
}

// shrinkBlock tears down the octants in removed and compacts the survivors to the front of the
// block. A node left without children becomes a leaf whose mask is latest.
func (m *Manager) shrinkBlock(id uint32, p pos.Key, removed, latest uint8) error {
	ptr, n := m.store.ChildPtr(id), m.store.ChildCount(id)
	block := m.store.ChildExistence(id)
	for i := 0; i < 8; i++ {
		if removed&(1<<i) == 0 {
			continue
		}
		if err := m.teardownNode(ptr + uint32(nodestore.ChildSlot(block, i))); err != nil {
			return err
		}
	}

	keep := block &^ removed
	if keep == 0 {
		if err := m.freeNodes(ptr, n); err != nil {
			return err
		}
		m.store.SetChildPtr(id, nodestore.NoChild)
		m.store.SetChildCount(id, 0)
		m.store.SetChildExistence(id, latest)
		if _, err := m.index.Replace(p, LeafHandle(id)); err != nil {
			return errors.Wrap(ErrProtocolViolation, err.Error())
		}
		m.markDirty(id)
		m.counters.Collapses++
		return nil
	}

	k := uint32(0)
	for i := 0; i < 8; i++ {
		if keep&(1<<i) == 0 {
			continue
		}
		src := ptr + uint32(nodestore.ChildSlot(block, i))
		dst := ptr + k
		k++
		if src == dst {
			continue
		}
		m.store.Move(dst, src)
		if _, err := m.index.Replace(p.MustChild(i), handleFor(m.store, dst)); err != nil {
			return errors.Wrap(ErrProtocolViolation, err.Error())
		}
		m.markDirty(dst)
	}
	if err := m.freeNodes(ptr+k, n-int(k)); err != nil {
		return err
	}
	m.store.SetChildCount(id, int(k))
	m.store.SetChildExistence(id, keep)
	m.markDirty(id)
	return nil
}
