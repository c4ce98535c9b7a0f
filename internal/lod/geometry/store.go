// Package geometry is a CPU-resident geometry manager holding uploaded section meshes.
package geometry

import (
	"sync"

	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/section"
)

// maxHandle keeps handles clear of the node record sentinels.
const maxHandle = nodestore.GeometryEmpty

type entry struct {
	position pos.Key
	data     []byte
}

// Store copies uploaded payloads into its own memory and releases the section.
type Store struct {
	log *zap.Logger

	mu    sync.RWMutex
	items map[uint32]entry
	free  []uint32
	next  uint32
	bytes int
}

func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{log: logger, items: map[uint32]entry{}}
}

func (s *Store) UploadSection(sec *section.BuiltSection) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var h uint32
	switch {
	case len(s.free) > 0:
		h = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
	case s.next < maxHandle:
		h = s.next
		s.next++
	default:
		s.log.Error("geometry handles exhausted, treating section as empty", zap.Stringer("pos", sec.Position))
		sec.Free()
		return nodestore.GeometryEmpty
	}
	s.putLocked(h, sec)
	return h
}

func (s *Store) UploadReplaceSection(h uint32, sec *section.BuiltSection) uint32 {
	s.mu.Lock()
	if _, ok := s.items[h]; !ok {
		s.mu.Unlock()
		s.log.Warn("replace of unknown geometry handle", zap.Uint32("handle", h))
		return s.UploadSection(sec)
	}
	s.putLocked(h, sec)
	s.mu.Unlock()
	return h
}

func (s *Store) putLocked(h uint32, sec *section.BuiltSection) {
	if old, ok := s.items[h]; ok {
		s.bytes -= len(old.data)
	}
	data := append([]byte(nil), sec.Geometry...)
	s.items[h] = entry{position: sec.Position, data: data}
	s.bytes += len(data)
	sec.Free()
}

// RemoveSection frees h. Unknown handles are ignored.
func (s *Store) RemoveSection(h uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.items[h]
	if !ok {
		s.log.Debug("remove of unknown geometry handle", zap.Uint32("handle", h))
		return
	}
	s.bytes -= len(old.data)
	delete(s.items, h)
	s.free = append(s.free, h)
}

// Get returns the payload and position behind h.
func (s *Store) Get(h uint32) ([]byte, pos.Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[h]
	return e.data, e.position, ok
}

type Stats struct {
	Sections int `json:"sections"`
	Bytes    int `json:"bytes"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Sections: len(s.items), Bytes: s.bytes}
}
