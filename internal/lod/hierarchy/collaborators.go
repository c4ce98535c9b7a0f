package hierarchy

import (
	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/section"
)

// GeometryManager owns uploaded section geometry. Handles it returns must fit in 24 bits and must not
// collide with nodestore.GeometryNone or nodestore.GeometryEmpty.
type GeometryManager interface {
	// UploadSection takes ownership of s and returns a new handle.
	UploadSection(s *section.BuiltSection) uint32
	// UploadReplaceSection replaces the geometry behind handle and returns the handle now in use.
	UploadReplaceSection(handle uint32, s *section.BuiltSection) uint32
	RemoveSection(handle uint32)
}

// UpdateRouter observes world positions and feeds mesh builds and child-mask notifications back
// into the manager's queues.
type UpdateRouter interface {
	// Watch starts observing p. It reports false if p could not be watched, e.g. it already is.
	Watch(p pos.Key, flags section.UpdateFlags) bool
	// Unwatch stops observing p for the given flags.
	Unwatch(p pos.Key, flags section.UpdateFlags) bool
}
