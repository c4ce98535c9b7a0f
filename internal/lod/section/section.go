// Package section holds the values exchanged between the mesh-build pipeline, the world-watch
// router and the node manager.
package section

import (
	"sync/atomic"

	"voxelstream.ai/internal/lod/pos"
)

// UpdateFlags select which kinds of world changes a watch reports.
type UpdateFlags uint8

const (
	// UpdateBlock rebuilds geometry when blocks inside the section change.
	UpdateBlock UpdateFlags = 1 << iota
	// UpdateChildExistence reports changes of the non-empty child octant mask.
	UpdateChildExistence

	UpdateAll = UpdateBlock | UpdateChildExistence
)

// BuiltSection is the result of one asynchronous mesh build.
//
// A consumer either hands the section to a geometry manager (which takes ownership of the payload)
// or calls Free exactly once.
type BuiltSection struct {
	Position       pos.Key
	ChildExistence uint8
	Geometry       []byte

	release func()
	freed   atomic.Bool
}

// New builds a section. release, if non-nil, runs on the first Free call.
func New(p pos.Key, childExistence uint8, geometry []byte, release func()) *BuiltSection {
	return &BuiltSection{
		Position:       p,
		ChildExistence: childExistence,
		Geometry:       geometry,
		release:        release,
	}
}

func (s *BuiltSection) IsEmpty() bool { return len(s.Geometry) == 0 }

// Free releases the payload. Calls after the first are no-ops.
func (s *BuiltSection) Free() {
	if s == nil || !s.freed.CompareAndSwap(false, true) {
		return
	}
	s.Geometry = nil
	if s.release != nil {
		s.release()
	}
}

func (s *BuiltSection) Freed() bool { return s.freed.Load() }

// ChildChange reports that the set of non-empty child octants of Position changed.
type ChildChange struct {
	Position pos.Key
	Mask     uint8
}
