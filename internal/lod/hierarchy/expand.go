package hierarchy

import (
	"math/bits"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/section"
)

// ProcessNodeRequest resolves a GPU node id and forwards it to ProcessRequest. Request lists are
// built from the previous commit, so an id freed since then is stale and ignored.
func (m *Manager) ProcessNodeRequest(id uint32) error {
	id &= nodestore.IDMask
	if !m.store.Exists(id) {
		m.counters.StaleResults++
		m.log.Debug("discarding request for freed node", zap.Uint32("node", id))
		return nil
	}
	return m.ProcessRequest(m.store.Position(id))
}

// ProcessRequest asks for the children of a resolved node. Requests for untracked, pending or
// already-expanding positions are logged and ignored.
func (m *Manager) ProcessRequest(p pos.Key) error {
	h := m.index.Lookup(p)
	switch h.Kind() {
	case KindAbsent:
		m.log.Warn("request for untracked position", zap.Stringer("pos", p))
		return nil
	case KindSingleRequest, KindChildRequest:
		m.log.Warn("request for position still being resolved", zap.Stringer("pos", p), zap.Stringer("handle", h))
		return nil
	}

	id := h.Index()
	if m.store.IsRequestInFlight(id) || m.store.IsGeometryPending(id) {
		m.log.Warn("request already in flight", zap.Stringer("pos", p), zap.Uint32("node", id))
		return nil
	}

	if h.Kind() == KindInner {
		if !m.router.Watch(p, section.UpdateBlock) {
			m.log.Warn("watch failed for inner node", zap.Stringer("pos", p), zap.Uint32("node", id))
			return nil
		}
		m.store.SetGeometryPending(id, true)
		m.markDirty(id)
		return nil
	}

	mask := m.store.ChildExistence(id)
	if mask == 0 || p.Level() == 0 {
		m.log.Debug("leaf has no children to expand", zap.Stringer("pos", p))
		return nil
	}
	if need := bits.OnesCount8(mask); need > m.store.FreeCount() {
		return errors.Wrapf(ErrCapacityExceeded, "expand %s: need %d nodes, %d free", p, need, m.store.FreeCount())
	}
	reqID, r, err := m.startChildRequest(id, p)
	if err != nil {
		return err
	}
	return m.requestChildren(reqID, r, mask)
}

func (m *Manager) startChildRequest(parent uint32, p pos.Key) (uint32, *childRequest, error) {
	r := newChildRequest(p)
	reqID, err := m.children.put(r)
	if err != nil {
		return 0, nil, err
	}
	m.store.MarkRequestInFlight(parent, reqID)
	m.markDirty(parent)
	return reqID, r, nil
}

// requestChildren registers and watches every octant in mask under request reqID.
func (m *Manager) requestChildren(reqID uint32, r *childRequest, mask uint8) error {
	for i := 0; i < 8; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		cp := r.position.MustChild(i)
		if err := m.index.Insert(cp, ChildRequestHandle(reqID)); err != nil {
			m.abandonChildRequest(reqID)
			return errors.Wrap(ErrProtocolViolation, err.Error())
		}
		r.addChild(i)
		if !m.router.Watch(cp, section.UpdateAll) {
			m.log.Warn("watch failed for child", zap.Stringer("pos", cp))
		}
	}
	return nil
}

func (m *Manager) finishSingleRequest(reqID uint32, r *singleRequest) error {
	id, err := m.store.Allocate(1)
	if err != nil {
		delete(m.topLevel, r.position)
		m.cancelSingleRequest(reqID)
		return errors.Wrapf(err, "finish %s", r.position)
	}
	m.store.SetPosition(id, r.position)
	m.store.SetGeometry(id, r.mesh)
	m.store.SetChildExistence(id, r.childExistence)
	m.singles.release(reqID)
	if _, err := m.index.Replace(r.position, LeafHandle(id)); err != nil {
		return errors.Wrap(ErrProtocolViolation, err.Error())
	}
	m.markDirty(id)
	m.counters.FinishedSingles++
	return nil
}

func (m *Manager) finishChildRequest(reqID uint32, r *childRequest) error {
	ph := m.index.Lookup(r.position)
	switch ph.Kind() {
	case KindLeaf:
		return m.finishExpansion(ph.Index(), reqID, r)
	case KindInner:
		return m.finishMerge(ph.Index(), reqID, r)
	default:
		m.cancelChildRequest(reqID)
		return violationf("child request for %s finished but parent is %s", r.position, ph)
	}
}

// finishExpansion turns a leaf into an inner node holding the requested children.
func (m *Manager) finishExpansion(parent, reqID uint32, r *childRequest) error {
	base, err := m.store.Allocate(r.count())
	if err != nil {
		m.abandonChildRequest(reqID)
		return errors.Wrapf(err, "expand %s", r.position)
	}
	slot := uint32(0)
	for i := 0; i < 8; i++ {
		if !r.has(i) {
			continue
		}
		if err := m.placeChild(base+slot, r, i); err != nil {
			return err
		}
		slot++
	}
	block := r.required
	m.children.release(reqID)

	m.store.SetChildPtr(parent, base)
	m.store.SetChildCount(parent, int(slot))
	m.store.UnmarkRequestInFlight(parent)
	latest := m.store.ChildExistence(parent)
	m.store.SetChildExistence(parent, block)
	if _, err := m.index.Replace(r.position, InnerHandle(parent)); err != nil {
		return errors.Wrap(ErrProtocolViolation, err.Error())
	}
	m.markDirty(parent)
	m.counters.FinishedExpansions++

	if latest != block {
		return m.reconcileInner(parent, latest)
	}
	return nil
}

// finishMerge adds the requested children to the existing block of an inner node.
func (m *Manager) finishMerge(parent, reqID uint32, r *childRequest) error {
	block := m.store.ChildExistence(parent)
	if block&r.required != 0 {
		m.cancelChildRequest(reqID)
		return violationf("merge into %s: octants %08b already resident", r.position, block&r.required)
	}
	merged := block | r.required
	oldPtr, oldCount := m.store.ChildPtr(parent), m.store.ChildCount(parent)
	base, err := m.store.Allocate(bits.OnesCount8(merged))
	if err != nil {
		m.abandonChildRequest(reqID)
		return errors.Wrapf(err, "merge into %s", r.position)
	}
	slot := uint32(0)
	for i := 0; i < 8; i++ {
		if merged&(1<<i) == 0 {
			continue
		}
		dst := base + slot
		slot++
		if block&(1<<i) == 0 {
			if err := m.placeChild(dst, r, i); err != nil {
				return err
			}
			continue
		}
		src := oldPtr + uint32(nodestore.ChildSlot(block, i))
		m.store.Move(dst, src)
		if _, err := m.index.Replace(r.position.MustChild(i), handleFor(m.store, dst)); err != nil {
			return errors.Wrap(ErrProtocolViolation, err.Error())
		}
		m.markDirty(dst)
	}
	m.children.release(reqID)
	if err := m.freeNodes(oldPtr, oldCount); err != nil {
		return err
	}
	m.store.SetChildPtr(parent, base)
	m.store.SetChildCount(parent, int(slot))
	m.store.SetChildExistence(parent, merged)
	m.store.UnmarkRequestInFlight(parent)
	m.markDirty(parent)
	m.counters.Merges++
	return nil
}

func (m *Manager) placeChild(id uint32, r *childRequest, octant int) error {
	cp := r.position.MustChild(octant)
	m.store.SetPosition(id, cp)
	m.store.SetGeometry(id, r.meshes[octant])
	m.store.SetChildExistence(id, r.existence[octant])
	if _, err := m.index.Replace(cp, LeafHandle(id)); err != nil {
		return errors.Wrap(ErrProtocolViolation, err.Error())
	}
	m.markDirty(id)
	return nil
}
