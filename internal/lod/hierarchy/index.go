package hierarchy

import (
	"github.com/pkg/errors"

	"voxelstream.ai/internal/lod/pos"
)

// Index maps a position to the single handle that currently owns it. A position is either a pending
// request, a leaf or an inner node, never more than one of them.
type Index struct {
	m map[pos.Key]Handle
}

func NewIndex() *Index {
	return &Index{m: map[pos.Key]Handle{}}
}

func (ix *Index) Insert(p pos.Key, h Handle) error {
	if prev, ok := ix.m[p]; ok {
		return errors.Wrapf(ErrConflict, "%s held by %s", p, prev)
	}
	ix.m[p] = h
	return nil
}

// Replace swaps the handle of a tracked position and returns the previous one.
func (ix *Index) Replace(p pos.Key, h Handle) (Handle, error) {
	prev, ok := ix.m[p]
	if !ok {
		return Absent, errors.Wrapf(ErrNotFound, "replace %s", p)
	}
	ix.m[p] = h
	return prev, nil
}

func (ix *Index) Remove(p pos.Key) (Handle, error) {
	prev, ok := ix.m[p]
	if !ok {
		return Absent, errors.Wrapf(ErrNotFound, "remove %s", p)
	}
	delete(ix.m, p)
	return prev, nil
}

func (ix *Index) Lookup(p pos.Key) Handle {
	if h, ok := ix.m[p]; ok {
		return h
	}
	return Absent
}

func (ix *Index) Len() int { return len(ix.m) }

func (ix *Index) Range(fn func(p pos.Key, h Handle) bool) {
	for p, h := range ix.m {
		if !fn(p, h) {
			return
		}
	}
}
