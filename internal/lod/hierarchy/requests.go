package hierarchy

import (
	"math/bits"

	"github.com/pkg/errors"

	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/pos"
)

// requestList is a slot list with id reuse. Ids stay below 2^24 so they fit a handle payload.
type requestList[T any] struct {
	items []*T
	free  []uint32
	live  int
}

func (l *requestList[T]) put(v *T) (uint32, error) {
	l.live++
	if n := len(l.free); n > 0 {
		id := l.free[n-1]
		l.free = l.free[:n-1]
		l.items[id] = v
		return id, nil
	}
	if len(l.items) >= nodestore.MaxCapacity {
		l.live--
		return 0, errors.Wrap(ErrCapacityExceeded, "request ids exhausted")
	}
	l.items = append(l.items, v)
	return uint32(len(l.items) - 1), nil
}

func (l *requestList[T]) get(id uint32) *T {
	if int(id) >= len(l.items) {
		return nil
	}
	return l.items[id]
}

func (l *requestList[T]) release(id uint32) {
	if int(id) >= len(l.items) || l.items[id] == nil {
		return
	}
	l.items[id] = nil
	l.free = append(l.free, id)
	l.live--
}

func (l *requestList[T]) len() int { return l.live }

// singleRequest tracks a top-level position until both its mesh and child mask arrived.
type singleRequest struct {
	position       pos.Key
	mesh           uint32
	childExistence uint8
	hasMesh        bool
	hasExistence   bool
}

func newSingleRequest(p pos.Key) *singleRequest {
	return &singleRequest{position: p, mesh: nodestore.GeometryNone}
}

func (r *singleRequest) setMesh(g uint32) {
	r.mesh = g
	r.hasMesh = true
}

func (r *singleRequest) setChildExistence(mask uint8) {
	r.childExistence = mask
	r.hasExistence = true
}

func (r *singleRequest) isSatisfied() bool { return r.hasMesh && r.hasExistence }

// childRequest collects results for the children of one parent. Only octants in required are tracked.
type childRequest struct {
	position  pos.Key
	required  uint8
	meshMask  uint8
	existMask uint8
	meshes    [8]uint32
	existence [8]uint8
}

func newChildRequest(parent pos.Key) *childRequest {
	r := &childRequest{position: parent}
	for i := range r.meshes {
		r.meshes[i] = nodestore.GeometryNone
	}
	return r
}

func (r *childRequest) addChild(octant int) {
	bit := uint8(1) << octant
	r.required |= bit
	r.meshMask &^= bit
	r.existMask &^= bit
	r.meshes[octant] = nodestore.GeometryNone
	r.existence[octant] = 0
}

// removeChild drops an octant and returns its accumulated geometry handle for release.
func (r *childRequest) removeChild(octant int) uint32 {
	bit := uint8(1) << octant
	g := r.meshes[octant]
	r.required &^= bit
	r.meshMask &^= bit
	r.existMask &^= bit
	r.meshes[octant] = nodestore.GeometryNone
	r.existence[octant] = 0
	return g
}

func (r *childRequest) has(octant int) bool { return r.required&(1<<octant) != 0 }

func (r *childRequest) childMesh(octant int) uint32 { return r.meshes[octant] }

func (r *childRequest) setChildMesh(octant int, g uint32) {
	r.meshes[octant] = g
	r.meshMask |= 1 << octant
}

func (r *childRequest) hasChildExistence(octant int) bool { return r.existMask&(1<<octant) != 0 }

func (r *childRequest) setChildExistence(octant int, mask uint8) {
	r.existence[octant] = mask
	r.existMask |= 1 << octant
}

func (r *childRequest) count() int { return bits.OnesCount8(r.required) }

func (r *childRequest) isSatisfied() bool {
	return r.required != 0 && r.meshMask&r.required == r.required && r.existMask&r.required == r.required
}
