package builder

import (
	"sync"

	"voxelstream.ai/internal/lod/pos"
)

// World is a deterministic sparse voxel world. A section is non-empty when its parent is non-empty
// and a seeded hash passes the fill ratio; sections at or above TopLevel always are. Edits override
// single sections.
type World struct {
	Seed         int64
	TopLevel     int
	FillPermille uint64

	mu    sync.RWMutex
	edits map[pos.Key]bool
}

func NewWorld(seed int64, topLevel int, fillPermille uint64) *World {
	if fillPermille > 1000 {
		fillPermille = 1000
	}
	return &World{Seed: seed, TopLevel: topLevel, FillPermille: fillPermille, edits: map[pos.Key]bool{}}
}

func (w *World) NonEmpty(p pos.Key) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.nonEmptyLocked(p)
}

func (w *World) nonEmptyLocked(p pos.Key) bool {
	if p.Level() >= w.TopLevel {
		return true
	}
	if !w.nonEmptyLocked(p.Parent()) {
		return false
	}
	if v, ok := w.edits[p]; ok {
		return v
	}
	return hash4(w.Seed, p.Level(), p.X(), p.Y(), p.Z())%1000 < w.FillPermille
}

// ChildMask returns the non-empty child octants of p.
func (w *World) ChildMask(p pos.Key) uint8 {
	if p.Level() == 0 {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.nonEmptyLocked(p) {
		return 0
	}
	var mask uint8
	for i := 0; i < 8; i++ {
		if w.nonEmptyLocked(p.MustChild(i)) {
			mask |= 1 << i
		}
	}
	return mask
}

// Toggle flips the emptiness of p and reports whether anything changed. Sections under an empty
// parent stay empty.
func (w *World) Toggle(p pos.Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p.Level() >= w.TopLevel {
		return false
	}
	cur := w.nonEmptyLocked(p)
	if !cur && !w.nonEmptyLocked(p.Parent()) {
		return false
	}
	w.edits[p] = !cur
	return true
}

// QuadCount is the synthetic mesh size of a non-empty section.
func (w *World) QuadCount(p pos.Key) int {
	return 1 + int(hash4(w.Seed^0x5eed, p.Level(), p.X(), p.Y(), p.Z())%63)
}
