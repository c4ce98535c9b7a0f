package gpusync

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/lod/nodestore"
	"voxelstream.ai/internal/lod/pos"
)

type storeSource struct {
	s     *nodestore.Store
	dirty []uint32
}

func (src *storeSource) TakeDirty() []uint32 {
	out := src.dirty
	src.dirty = nil
	return out
}

func (src *storeSource) WriteNode(dst []byte, id uint32) { src.s.WriteNode(dst, id) }

type countingUploader struct {
	*HostBuffer
	stages int
}

func (u *countingUploader) Stage(offset int64, size int) ([]byte, error) {
	u.stages++
	return u.HostBuffer.Stage(offset, size)
}

func newSource(t *testing.T) *storeSource {
	t.Helper()
	s, err := nodestore.New(16)
	require.NoError(t, err)
	base, err := s.Allocate(4)
	require.NoError(t, err)
	for i := uint32(0); i < 4; i++ {
		s.SetPosition(base+i, pos.Make(1, int(i), 0, 0))
		s.SetGeometry(base+i, 10+i)
	}
	return &storeSource{s: s}
}

func TestFlush_CoalescesRunsAndCommitsOnce(t *testing.T) {
	src := newSource(t)
	up := &countingUploader{HostBuffer: NewHostBuffer(16)}
	syncer := NewSyncer(up, nil)

	src.dirty = []uint32{0, 1, 2, 9}
	st, err := syncer.Flush(src)
	require.NoError(t, err)
	assert.Equal(t, FlushStats{Nodes: 4, Ranges: 2, Bytes: 4 * nodestore.RecordSize}, st)
	assert.Equal(t, 2, up.stages)
	assert.Equal(t, uint64(1), up.Generation())

	r := up.Record(2)
	assert.Equal(t, pos.Make(1, 2, 0, 0), r.Position)
	assert.Equal(t, uint32(12), r.Geometry)
	assert.True(t, up.Record(9).Unallocated())
	assert.True(t, up.Record(3).Unallocated(), "id 3 was never flushed")

	st, err = syncer.Flush(src)
	require.NoError(t, err)
	assert.Zero(t, st.Nodes)
	assert.Equal(t, uint64(1), up.Generation())
}

type flakyUploader struct {
	*HostBuffer
	failStages int
}

func (u *flakyUploader) Stage(offset int64, size int) ([]byte, error) {
	if u.failStages > 0 {
		u.failStages--
		return nil, errors.New("staging buffer busy")
	}
	return u.HostBuffer.Stage(offset, size)
}

func TestFlush_FailedIDsAreRetried(t *testing.T) {
	src := newSource(t)
	up := &flakyUploader{HostBuffer: NewHostBuffer(16), failStages: 1}
	syncer := NewSyncer(up, nil)

	src.dirty = []uint32{1, 2}
	_, err := syncer.Flush(src)
	require.Error(t, err)
	assert.Equal(t, uint64(0), up.Generation())
	assert.True(t, up.Record(1).Unallocated())

	src.dirty = []uint32{2, 3}
	st, err := syncer.Flush(src)
	require.NoError(t, err)
	assert.Equal(t, FlushStats{Nodes: 3, Ranges: 1, Bytes: 3 * nodestore.RecordSize}, st)
	for id := uint32(1); id <= 3; id++ {
		assert.Equal(t, pos.Make(1, int(id), 0, 0), up.Record(id).Position)
	}

	st, err = syncer.Flush(src)
	require.NoError(t, err)
	assert.Zero(t, st.Nodes)
}

func TestMergeIDs(t *testing.T) {
	assert.Equal(t, []uint32{1, 2, 3, 5, 8}, mergeIDs([]uint32{1, 3, 8}, []uint32{2, 3, 5}))
	assert.Equal(t, []uint32{4}, mergeIDs(nil, []uint32{4}))
	assert.Equal(t, []uint32{4}, mergeIDs([]uint32{4}, nil))
	assert.Empty(t, mergeIDs(nil, nil))
}

func TestFlush_FreedNodeBecomesSentinel(t *testing.T) {
	src := newSource(t)
	buf := NewHostBuffer(16)
	syncer := NewSyncer(buf, nil)
	src.dirty = []uint32{1}
	_, err := syncer.Flush(src)
	require.NoError(t, err)
	require.False(t, buf.Record(1).Unallocated())

	require.NoError(t, src.s.Free(1, 1))
	src.dirty = []uint32{1}
	_, err = syncer.Flush(src)
	require.NoError(t, err)
	r := buf.Record(1)
	assert.True(t, r.Unallocated())
	assert.Equal(t, nodestore.GeometryNone, r.Geometry)
	assert.Equal(t, nodestore.NoChild, r.ChildPtr)
}

func TestHostBuffer_StagedWritesInvisibleUntilCommit(t *testing.T) {
	buf := NewHostBuffer(4)
	data, err := buf.Stage(nodestore.RecordSize, nodestore.RecordSize)
	require.NoError(t, err)
	src := newSource(t)
	src.s.WriteNode(data, 1)
	assert.True(t, buf.Record(1).Unallocated())
	require.NoError(t, buf.Commit())
	assert.False(t, buf.Record(1).Unallocated())

	_, err = buf.Stage(4*nodestore.RecordSize, nodestore.RecordSize)
	assert.Error(t, err)
}

func TestDump_RoundTrip(t *testing.T) {
	src := newSource(t)
	buf := NewHostBuffer(8)
	src.dirty = []uint32{0, 1, 2, 3}
	_, err := NewSyncer(buf, nil).Flush(src)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, WriteDump(&out, buf))
	d, err := ReadDump(&out)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.Generation)
	require.Len(t, d.Records, 8)
	assert.Equal(t, pos.Make(1, 3, 0, 0), d.Records[3].Position)
	assert.True(t, d.Records[4].Unallocated())

	dir := t.TempDir()
	path, err := DumpBuffer(dir, buf)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "nodes-00000001.bin.zst"), path)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	d, err = ReadDump(f)
	require.NoError(t, err)
	assert.Len(t, d.Records, 8)

	_, err = ReadDump(bytes.NewReader([]byte("nope")))
	assert.Error(t, err)
}

func TestDumpBuffer_FailureLeavesNoTempFile(t *testing.T) {
	buf := NewHostBuffer(4)
	require.NoError(t, buf.Commit())
	dir := t.TempDir()
	// A directory squatting on the final name makes the rename fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nodes-00000001.bin.zst"), 0o755))

	_, err := DumpBuffer(dir, buf)
	require.Error(t, err)
	_, err = os.Stat(filepath.Join(dir, "nodes-00000001.bin.zst.tmp"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, buf.Commit())
	path, err := DumpBuffer(dir, buf)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "nodes-00000002.bin.zst"), path)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	d, err := ReadDump(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), d.Generation)
}
