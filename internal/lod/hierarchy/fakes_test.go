package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/section"
)

type fakeGeometry struct {
	next     uint32
	live     map[uint32]*section.BuiltSection
	uploads  int
	replaces int
	removes  int
	unknown  int
}

func newFakeGeometry() *fakeGeometry {
	return &fakeGeometry{next: 1, live: map[uint32]*section.BuiltSection{}}
}

func (g *fakeGeometry) UploadSection(s *section.BuiltSection) uint32 {
	id := g.next
	g.next++
	g.live[id] = s
	g.uploads++
	return id
}

func (g *fakeGeometry) UploadReplaceSection(h uint32, s *section.BuiltSection) uint32 {
	old, ok := g.live[h]
	if !ok {
		g.unknown++
	} else {
		old.Free()
	}
	g.live[h] = s
	g.replaces++
	return h
}

func (g *fakeGeometry) RemoveSection(h uint32) {
	old, ok := g.live[h]
	if !ok {
		g.unknown++
		return
	}
	old.Free()
	delete(g.live, h)
	g.removes++
}

type fakeRouter struct {
	watched    map[pos.Key]section.UpdateFlags
	watchCalls map[pos.Key]int
	refuse     bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{watched: map[pos.Key]section.UpdateFlags{}, watchCalls: map[pos.Key]int{}}
}

func (r *fakeRouter) Watch(p pos.Key, flags section.UpdateFlags) bool {
	r.watchCalls[p]++
	if r.refuse {
		return false
	}
	r.watched[p] |= flags
	return true
}

func (r *fakeRouter) Unwatch(p pos.Key, flags section.UpdateFlags) bool {
	prev, ok := r.watched[p]
	if !ok {
		return false
	}
	if rest := prev &^ flags; rest != 0 {
		r.watched[p] = rest
	} else {
		delete(r.watched, p)
	}
	return true
}

type harness struct {
	m      *Manager
	geom   *fakeGeometry
	router *fakeRouter
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	geom, router := newFakeGeometry(), newFakeRouter()
	m, err := New(capacity, geom, router, zap.New(core))
	require.NoError(t, err)
	return &harness{m: m, geom: geom, router: router, logs: logs}
}

// mesh returns a non-empty build result and a counter of its release calls.
func mesh(p pos.Key, mask uint8) (*section.BuiltSection, *int) {
	n := new(int)
	return section.New(p, mask, []byte{1, 2, 3}, func() { *n++ }), n
}

func emptyMesh(p pos.Key, mask uint8) *section.BuiltSection {
	return section.New(p, mask, nil, nil)
}

// resolve inserts p as top-level and feeds it a mesh carrying mask.
func (h *harness) resolve(t *testing.T, p pos.Key, mask uint8) uint32 {
	t.Helper()
	require.NoError(t, h.m.InsertTopLevelNode(p))
	s, _ := mesh(p, mask)
	require.NoError(t, h.m.ProcessGeometryResult(s))
	hd := h.m.Lookup(p)
	require.Equal(t, KindLeaf, hd.Kind())
	return hd.Index()
}

// expand requests the children of p and satisfies every requested octant with childMask.
func (h *harness) expand(t *testing.T, p pos.Key, childMask uint8) {
	t.Helper()
	require.NoError(t, h.m.ProcessRequest(p))
	id := h.m.Lookup(p).Index()
	mask := h.m.Store().ChildExistence(id)
	for i := 0; i < 8; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		s, _ := mesh(p.MustChild(i), childMask)
		require.NoError(t, h.m.ProcessGeometryResult(s))
	}
	require.Equal(t, KindInner, h.m.Lookup(p).Kind())
}
