package hierarchy

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/section"
)

func TestHandle_Tags(t *testing.T) {
	cases := []struct {
		h    Handle
		kind Kind
	}{
		{LeafHandle(7), KindLeaf},
		{InnerHandle(7), KindInner},
		{SingleRequestHandle(7), KindSingleRequest},
		{ChildRequestHandle(7), KindChildRequest},
		{Absent, KindAbsent},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, c.h.Kind(), c.h.String())
		if c.h != Absent {
			assert.Equal(t, uint32(7), c.h.Index())
		}
	}
	assert.True(t, ChildRequestHandle(1).IsRequest())
	assert.False(t, InnerHandle(1).IsRequest())
	assert.False(t, Absent.IsRequest())
	assert.Equal(t, uint32(nodestore.IDMask), LeafHandle(0xFFFFFFFF).Index())
}

func TestIndex_ConflictAndNotFound(t *testing.T) {
	ix := NewIndex()
	p := pos.Make(1, 2, 3, 4)
	require.NoError(t, ix.Insert(p, LeafHandle(1)))
	err := ix.Insert(p, InnerHandle(1))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, LeafHandle(1), ix.Lookup(p))

	prev, err := ix.Replace(p, InnerHandle(1))
	require.NoError(t, err)
	assert.Equal(t, LeafHandle(1), prev)

	prev, err = ix.Remove(p)
	require.NoError(t, err)
	assert.Equal(t, InnerHandle(1), prev)
	_, err = ix.Remove(p)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, Absent, ix.Lookup(p))
}

func TestInsertTopLevel_ConflictAndWatch(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(4, 0, 0, 0)
	require.NoError(t, h.m.InsertTopLevelNode(p))
	assert.Equal(t, KindSingleRequest, h.m.Lookup(p).Kind())
	assert.Equal(t, section.UpdateAll, h.router.watched[p])

	err := h.m.InsertTopLevelNode(p)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, 1, h.router.watchCalls[p])
}

func TestSingleRequest_RoundTrip(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(4, 1, 0, -1)
	require.NoError(t, h.m.InsertTopLevelNode(p))
	s, released := mesh(p, 0b00000001)
	require.NoError(t, h.m.ProcessGeometryResult(s))

	hd := h.m.Lookup(p)
	require.Equal(t, KindLeaf, hd.Kind())
	st := h.m.Store()
	assert.Equal(t, uint8(1), st.ChildExistence(hd.Index()))
	assert.True(t, nodestore.IsRealGeometry(st.Geometry(hd.Index())))
	assert.Equal(t, 0, *released)
	assert.Equal(t, []uint32{hd.Index()}, h.m.TakeDirty())
	assert.Nil(t, h.m.TakeDirty())

	stats := h.m.Stats()
	assert.Equal(t, 1, stats.Nodes)
	assert.Equal(t, 0, stats.PendingSingles)
	assert.Equal(t, uint64(1), stats.FinishedSingles)
	require.NoError(t, h.m.Validate())
}

func TestSingleRequest_EmptyMeshReleasesPayload(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(2, 0, 0, 0)
	require.NoError(t, h.m.InsertTopLevelNode(p))
	released := 0
	s := section.New(p, 0, nil, func() { released++ })
	require.NoError(t, h.m.ProcessGeometryResult(s))

	id := h.m.Lookup(p).Index()
	assert.Equal(t, nodestore.GeometryEmpty, h.m.Store().Geometry(id))
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, h.geom.uploads)
}

func TestSingleRequest_RaceTolerance(t *testing.T) {
	p := pos.Make(3, 0, 0, 0)

	meshFirst := newHarness(t, 64)
	require.NoError(t, meshFirst.m.InsertTopLevelNode(p))
	s, _ := mesh(p, 0b11)
	require.NoError(t, meshFirst.m.ProcessGeometryResult(s))
	require.NoError(t, meshFirst.m.ProcessChildChange(p, 0b11))

	changeFirst := newHarness(t, 64)
	require.NoError(t, changeFirst.m.InsertTopLevelNode(p))
	require.NoError(t, changeFirst.m.ProcessChildChange(p, 0b11))
	assert.Equal(t, KindSingleRequest, changeFirst.m.Lookup(p).Kind())
	s, _ = mesh(p, 0b11)
	require.NoError(t, changeFirst.m.ProcessGeometryResult(s))

	for _, h := range []*harness{meshFirst, changeFirst} {
		hd := h.m.Lookup(p)
		require.Equal(t, KindLeaf, hd.Kind())
		assert.Equal(t, uint8(0b11), h.m.Store().ChildExistence(hd.Index()))
		assert.True(t, nodestore.IsRealGeometry(h.m.Store().Geometry(hd.Index())))
		require.NoError(t, h.m.Validate())
	}
}

func TestSingleRequest_ChildChangeWinsOverMeshMask(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(3, 0, 0, 0)
	require.NoError(t, h.m.InsertTopLevelNode(p))
	require.NoError(t, h.m.ProcessChildChange(p, 0b100))
	s, _ := mesh(p, 0b001)
	require.NoError(t, h.m.ProcessGeometryResult(s))
	assert.Equal(t, uint8(0b100), h.m.Store().ChildExistence(h.m.Lookup(p).Index()))
}

func TestProcessRequest_ExpansionCorrectness(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(3, 2, 0, 2)
	parent := h.resolve(t, p, 0b10110000)
	require.NoError(t, h.m.ProcessRequest(p))

	assert.True(t, h.m.Store().IsRequestInFlight(parent))
	for i := 0; i < 8; i++ {
		cp := p.MustChild(i)
		if i == 4 || i == 5 || i == 7 {
			assert.Equal(t, KindChildRequest, h.m.Lookup(cp).Kind(), "octant %d", i)
			assert.Equal(t, 1, h.router.watchCalls[cp])
		} else {
			assert.Equal(t, Absent, h.m.Lookup(cp), "octant %d", i)
			assert.Zero(t, h.router.watchCalls[cp])
		}
	}
	require.NoError(t, h.m.Validate())

	for _, i := range []int{4, 5, 7} {
		s, _ := mesh(p.MustChild(i), 0b1)
		require.NoError(t, h.m.ProcessGeometryResult(s))
	}

	st := h.m.Store()
	require.Equal(t, KindInner, h.m.Lookup(p).Kind())
	assert.Equal(t, 3, st.ChildCount(parent))
	assert.False(t, st.IsRequestInFlight(parent))
	ptr := st.ChildPtr(parent)
	for k, i := range []int{4, 5, 7} {
		cp := p.MustChild(i)
		assert.Equal(t, cp, st.Position(ptr+uint32(k)))
		assert.Equal(t, LeafHandle(ptr+uint32(k)), h.m.Lookup(cp))
	}
	assert.Equal(t, 4, h.m.Stats().Nodes)
	assert.Equal(t, 0, h.m.Stats().PendingChildren)
	require.NoError(t, h.m.Validate())
}

func TestProcessRequest_UnsetBitsNeverTouched(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(2, 0, 0, 0)
	h.resolve(t, p, 0b00000001)
	before := h.m.Stats().Nodes
	require.NoError(t, h.m.ProcessRequest(p))

	assert.Equal(t, 1, h.router.watchCalls[p.MustChild(0)])
	for i := 1; i < 8; i++ {
		assert.Zero(t, h.router.watchCalls[p.MustChild(i)])
		assert.Equal(t, Absent, h.m.Lookup(p.MustChild(i)))
	}
	assert.Equal(t, before, h.m.Stats().Nodes)
}

func TestProcessRequest_Idempotent(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(2, 0, 0, 0)
	h.resolve(t, p, 0b11)
	require.NoError(t, h.m.ProcessRequest(p))
	require.NoError(t, h.m.ProcessRequest(p))

	assert.Equal(t, 1, h.router.watchCalls[p.MustChild(0)])
	assert.Equal(t, 1, h.router.watchCalls[p.MustChild(1)])
	assert.Equal(t, 1, h.m.Stats().PendingChildren)
	assert.Equal(t, 1, h.m.Stats().Nodes)
	assert.Equal(t, 1, h.logs.FilterMessage("request already in flight").Len())
}

func TestProcessRequest_IgnoresUntrackedPendingAndEmpty(t *testing.T) {
	h := newHarness(t, 64)
	require.NoError(t, h.m.ProcessRequest(pos.Make(1, 0, 0, 0)))
	assert.Equal(t, 1, h.logs.FilterMessage("request for untracked position").Len())

	p := pos.Make(2, 0, 0, 0)
	require.NoError(t, h.m.InsertTopLevelNode(p))
	require.NoError(t, h.m.ProcessRequest(p))
	assert.Equal(t, 1, h.logs.FilterMessage("request for position still being resolved").Len())

	q := pos.Make(2, 2, 0, 0)
	h.resolve(t, q, 0)
	require.NoError(t, h.m.ProcessRequest(q))
	assert.Zero(t, h.m.Stats().PendingChildren)
}

func TestProcessNodeRequest(t *testing.T) {
	h := newHarness(t, 64)
	require.NoError(t, h.m.ProcessNodeRequest(5))
	assert.Equal(t, uint64(1), h.m.Stats().StaleResults)
	assert.Equal(t, 0, h.m.Stats().Nodes)

	p := pos.Make(2, 0, 0, 0)
	id := h.resolve(t, p, 0b1)
	require.NoError(t, h.m.ProcessNodeRequest(id|0xFF000000))
	assert.True(t, h.m.Store().IsRequestInFlight(id))
}

func TestProcessNodeRequest_FreedByChildChangeIsStale(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(3, 0, 0, 0)
	parent := h.resolve(t, p, 0b10110000)
	h.expand(t, p, 0)
	st := h.m.Store()
	freed := st.ChildPtr(parent) + 2

	// The renderer still sees three children when the edit removes octant 4.
	require.NoError(t, h.m.ProcessChildChange(p, 0b10100000))
	require.False(t, st.Exists(freed))
	stale := h.m.Stats().StaleResults

	require.NoError(t, h.m.ProcessNodeRequest(freed))
	assert.Equal(t, stale+1, h.m.Stats().StaleResults)
	assert.Zero(t, h.m.Stats().PendingChildren)
	assert.Equal(t, 3, h.m.Stats().Nodes)
	require.NoError(t, h.m.Validate())
}

func TestStaleResult_DiscardedAndFreedOnce(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(3, 0, 0, 0)
	require.NoError(t, h.m.InsertTopLevelNode(p))
	require.NoError(t, h.m.RemoveTopLevelNode(p))
	h.m.TakeDirty()

	s, released := mesh(p, 0b1)
	require.NoError(t, h.m.ProcessGeometryResult(s))
	s.Free()
	assert.Equal(t, 1, *released)
	assert.True(t, s.Freed())
	assert.Equal(t, 0, h.m.Stats().Nodes)
	assert.Nil(t, h.m.TakeDirty())
	assert.Equal(t, 0, h.geom.uploads)
	assert.Equal(t, 1, h.logs.FilterMessage("discarding stale geometry result").Len())

	require.NoError(t, h.m.ProcessChildChange(p, 0b1))
	assert.Equal(t, uint64(2), h.m.Stats().StaleResults)
}

func TestRemoveTopLevel_Errors(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(3, 0, 0, 0)
	err := h.m.RemoveTopLevelNode(p)
	assert.True(t, errors.Is(err, ErrNotFound))

	h.resolve(t, p, 0b1)
	h.expand(t, p, 0)
	err = h.m.RemoveTopLevelNode(p.MustChild(0))
	assert.True(t, errors.Is(err, ErrNotTopLevel))
	assert.True(t, errors.Is(err, ErrProtocolViolation))
	require.NoError(t, h.m.Validate())
}

func TestRemoveTopLevel_TeardownLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, 256)
	p := pos.Make(3, 0, 0, 0)
	h.resolve(t, p, 0b10000011)
	h.expand(t, p, 0b11)

	c0 := p.MustChild(0)
	h.expand(t, c0, 0b1)
	c1 := p.MustChild(1)
	require.NoError(t, h.m.ProcessRequest(c1))
	partial, _ := mesh(c1.MustChild(0), 0)
	require.NoError(t, h.m.ProcessGeometryResult(partial))
	require.NoError(t, h.m.Validate())

	require.NoError(t, h.m.RemoveTopLevelNode(p))
	stats := h.m.Stats()
	assert.Equal(t, 0, stats.Nodes)
	assert.Equal(t, 0, stats.Tracked)
	assert.Equal(t, 0, stats.PendingChildren)
	assert.Equal(t, 0, stats.TopLevel)
	assert.Empty(t, h.geom.live)
	assert.Empty(t, h.router.watched)
	assert.Zero(t, h.geom.unknown)
	assert.True(t, partial.Freed())

	late, released := mesh(c1.MustChild(1), 0)
	require.NoError(t, h.m.ProcessGeometryResult(late))
	assert.Equal(t, 1, *released)
	assert.Equal(t, 0, h.m.Stats().Nodes)
}

func TestLiveRemesh(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(2, 0, 0, 0)
	id := h.resolve(t, p, 0)
	g := h.m.Store().Geometry(id)
	h.m.TakeDirty()

	s, _ := mesh(p, 0)
	require.NoError(t, h.m.ProcessGeometryResult(s))
	assert.Equal(t, g, h.m.Store().Geometry(id))
	assert.Equal(t, 1, h.geom.replaces)

	require.NoError(t, h.m.ProcessGeometryResult(emptyMesh(p, 0)))
	assert.Equal(t, nodestore.GeometryEmpty, h.m.Store().Geometry(id))
	assert.Equal(t, 1, h.geom.removes)
	assert.Equal(t, []uint32{id}, h.m.TakeDirty())
}

func TestChildChange_LeafOverwritesMask(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(2, 0, 0, 0)
	id := h.resolve(t, p, 0b1)
	require.NoError(t, h.m.ProcessChildChange(p, 0b110))
	assert.Equal(t, uint8(0b110), h.m.Store().ChildExistence(id))
	assert.Equal(t, 1, h.m.Stats().Nodes)

	err := h.m.ProcessChildChange(pos.Make(0, 0, 0, 0), 1)
	assert.True(t, errors.Is(err, ErrProtocolViolation))
}

func TestInnerReconcile_RemovedOctantCompacts(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(3, 0, 0, 0)
	parent := h.resolve(t, p, 0b10110000)
	h.expand(t, p, 0)

	require.NoError(t, h.m.ProcessChildChange(p, 0b10100000))
	st := h.m.Store()
	require.Equal(t, KindInner, h.m.Lookup(p).Kind())
	assert.Equal(t, 2, st.ChildCount(parent))
	assert.Equal(t, uint8(0b10100000), st.ChildExistence(parent))
	ptr := st.ChildPtr(parent)
	assert.Equal(t, p.MustChild(5), st.Position(ptr))
	assert.Equal(t, p.MustChild(7), st.Position(ptr+1))
	assert.Equal(t, LeafHandle(ptr), h.m.Lookup(p.MustChild(5)))
	assert.Equal(t, LeafHandle(ptr+1), h.m.Lookup(p.MustChild(7)))
	assert.Equal(t, Absent, h.m.Lookup(p.MustChild(4)))
	_, watched := h.router.watched[p.MustChild(4)]
	assert.False(t, watched)
	assert.Equal(t, 3, h.m.Stats().Nodes)
	assert.Len(t, h.geom.live, 3)
	require.NoError(t, h.m.Validate())
}

func TestInnerReconcile_AddedOctantMerges(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(3, 0, 0, 0)
	parent := h.resolve(t, p, 0b10110000)
	h.expand(t, p, 0)

	require.NoError(t, h.m.ProcessChildChange(p, 0b10110001))
	c0 := p.MustChild(0)
	assert.Equal(t, KindChildRequest, h.m.Lookup(c0).Kind())
	assert.True(t, h.m.Store().IsRequestInFlight(parent))
	assert.Equal(t, uint8(0b10110000), h.m.Store().ChildExistence(parent))
	require.NoError(t, h.m.Validate())

	s, _ := mesh(c0, 0)
	require.NoError(t, h.m.ProcessGeometryResult(s))
	st := h.m.Store()
	assert.Equal(t, 4, st.ChildCount(parent))
	assert.Equal(t, uint8(0b10110001), st.ChildExistence(parent))
	assert.Equal(t, c0, st.Position(st.ChildPtr(parent)))
	assert.Equal(t, 5, h.m.Stats().Nodes)
	assert.Equal(t, uint64(1), h.m.Stats().Merges)
	require.NoError(t, h.m.Validate())
}

func TestInnerReconcile_CollapsesToLeaf(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(3, 0, 0, 0)
	parent := h.resolve(t, p, 0b11)
	h.expand(t, p, 0)

	require.NoError(t, h.m.ProcessChildChange(p, 0))
	assert.Equal(t, LeafHandle(parent), h.m.Lookup(p))
	assert.Equal(t, 1, h.m.Stats().Nodes)
	assert.Equal(t, uint64(1), h.m.Stats().Collapses)
	assert.True(t, nodestore.IsRealGeometry(h.m.Store().Geometry(parent)))
	assert.Len(t, h.geom.live, 1)
	require.NoError(t, h.m.Validate())
}

func TestLeafMaskChangeDuringExpansion(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(3, 0, 0, 0)
	parent := h.resolve(t, p, 0b11)
	require.NoError(t, h.m.ProcessRequest(p))
	require.NoError(t, h.m.ProcessChildChange(p, 0b01))

	for _, i := range []int{0, 1} {
		s, _ := mesh(p.MustChild(i), 0)
		require.NoError(t, h.m.ProcessGeometryResult(s))
	}
	st := h.m.Store()
	require.Equal(t, KindInner, h.m.Lookup(p).Kind())
	assert.Equal(t, 1, st.ChildCount(parent))
	assert.Equal(t, uint8(0b01), st.ChildExistence(parent))
	assert.Equal(t, Absent, h.m.Lookup(p.MustChild(1)))
	assert.Len(t, h.geom.live, 2)
	require.NoError(t, h.m.Validate())
}

func TestCapacity_PrecheckAndFinish(t *testing.T) {
	h := newHarness(t, 4)
	p := pos.Make(3, 0, 0, 0)
	h.resolve(t, p, 0xFF)
	err := h.m.ProcessRequest(p)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	assert.Zero(t, h.m.Stats().PendingChildren)

	h = newHarness(t, 8)
	parent := h.resolve(t, p, 0b111)
	require.NoError(t, h.m.ProcessRequest(p))
	for x := 1; x <= 5; x++ {
		h.resolve(t, pos.Make(3, x*2, 0, 0), 0)
	}
	for i := 0; i < 2; i++ {
		s, _ := mesh(p.MustChild(i), 0)
		require.NoError(t, h.m.ProcessGeometryResult(s))
	}
	s, _ := mesh(p.MustChild(2), 0)
	err = h.m.ProcessGeometryResult(s)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))

	assert.Equal(t, LeafHandle(parent), h.m.Lookup(p))
	assert.False(t, h.m.Store().IsRequestInFlight(parent))
	for i := 0; i < 3; i++ {
		assert.Equal(t, Absent, h.m.Lookup(p.MustChild(i)))
	}
	assert.Len(t, h.geom.live, 6)
	require.NoError(t, h.m.Validate())
}

func TestInnerRequest_MarksGeometryPending(t *testing.T) {
	h := newHarness(t, 64)
	p := pos.Make(3, 0, 0, 0)
	parent := h.resolve(t, p, 0b1)
	h.expand(t, p, 0)

	require.NoError(t, h.m.ProcessRequest(p))
	assert.True(t, h.m.Store().IsGeometryPending(parent))
	assert.Equal(t, 2, h.router.watchCalls[p])
	require.NoError(t, h.m.ProcessRequest(p))
	assert.Equal(t, 2, h.router.watchCalls[p])

	s, _ := mesh(p, 0b1)
	require.NoError(t, h.m.ProcessGeometryResult(s))
	assert.False(t, h.m.Store().IsGeometryPending(parent))
}

func TestChurn_InvariantsHold(t *testing.T) {
	h := newHarness(t, 1<<12)
	rng := rand.New(rand.NewSource(42))
	roots := []pos.Key{pos.Make(4, 0, 0, 0), pos.Make(4, 2, 0, 0), pos.Make(4, 0, 0, 2), pos.Make(4, 2, 2, 2)}
	randMask := func(p pos.Key) uint8 {
		if p.Level() == 0 {
			return 0
		}
		return uint8(rng.Intn(256)) & uint8(rng.Intn(256))
	}
	tracked := func(want func(Handle) bool) []pos.Key {
		var out []pos.Key
		h.m.index.Range(func(p pos.Key, hd Handle) bool {
			if want(hd) {
				out = append(out, p)
			}
			return true
		})
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}
	pick := func(ps []pos.Key) (pos.Key, bool) {
		if len(ps) == 0 {
			return 0, false
		}
		return ps[rng.Intn(len(ps))], true
	}
	ok := func(err error) {
		t.Helper()
		if err != nil && !errors.Is(err, ErrCapacityExceeded) {
			require.NoError(t, err)
		}
	}

	for step := 0; step < 4000; step++ {
		switch r := rng.Intn(100); {
		case r < 5:
			err := h.m.InsertTopLevelNode(roots[rng.Intn(len(roots))])
			if err != nil {
				require.True(t, errors.Is(err, ErrConflict))
			}
		case r < 8:
			if p, found := pick(h.m.TopLevel()); found {
				ok(h.m.RemoveTopLevelNode(p))
			}
		case r < 50:
			if p, found := pick(tracked(Handle.IsRequest)); found {
				if rng.Intn(4) == 0 {
					ok(h.m.ProcessGeometryResult(emptyMesh(p, randMask(p))))
				} else {
					s, _ := mesh(p, randMask(p))
					ok(h.m.ProcessGeometryResult(s))
				}
			}
		case r < 75:
			if p, found := pick(tracked(func(hd Handle) bool { return !hd.IsRequest() })); found {
				ok(h.m.ProcessRequest(p))
			}
		default:
			if p, found := pick(tracked(func(Handle) bool { return true })); found && p.Level() > 0 {
				ok(h.m.ProcessChildChange(p, randMask(p)))
			}
		}
		require.NoError(t, h.m.Validate(), "step %d", step)
	}

	for _, p := range h.m.TopLevel() {
		require.NoError(t, h.m.RemoveTopLevelNode(p))
	}
	stats := h.m.Stats()
	assert.Equal(t, 0, stats.Nodes)
	assert.Equal(t, 0, stats.Tracked)
	assert.Equal(t, 0, stats.PendingSingles)
	assert.Equal(t, 0, stats.PendingChildren)
	assert.Empty(t, h.geom.live)
	assert.Empty(t, h.router.watched)
	assert.Zero(t, h.geom.unknown)
}
