package gpusync

import (
	"sync"

	"github.com/pkg/errors"

	"voxelstream.ai/internal/lod/nodestore"
)

type stagedWrite struct {
	offset int64
	data   []byte
}

// HostBuffer is a CPU-resident node buffer with staged writes. Readers only ever observe whole
// commits.
type HostBuffer struct {
	mu         sync.RWMutex
	buf        []byte
	staged     []stagedWrite
	generation uint64
}

func NewHostBuffer(nodes int) *HostBuffer {
	b := &HostBuffer{buf: make([]byte, nodes*nodestore.RecordSize)}
	for off := 0; off < len(b.buf); off += nodestore.RecordSize {
		nodestore.WriteFreeRecord(b.buf[off:])
	}
	return b
}

func (b *HostBuffer) Stage(offset int64, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+int64(size) > int64(len(b.buf)) {
		return nil, errors.Errorf("stage [%d,+%d) outside node buffer of %d bytes", offset, size, len(b.buf))
	}
	data := make([]byte, size)
	b.staged = append(b.staged, stagedWrite{offset: offset, data: data})
	return data, nil
}

func (b *HostBuffer) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.staged {
		copy(b.buf[w.offset:], w.data)
	}
	b.staged = b.staged[:0]
	b.generation++
	return nil
}

func (b *HostBuffer) Generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation
}

func (b *HostBuffer) Nodes() int { return len(b.buf) / nodestore.RecordSize }

// Record decodes the committed record of node id.
func (b *HostBuffer) Record(id uint32) nodestore.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	off := int(id) * nodestore.RecordSize
	return nodestore.DecodeRecord(b.buf[off : off+nodestore.RecordSize])
}

// Snapshot copies the committed buffer.
func (b *HostBuffer) Snapshot() ([]byte, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out, b.generation
}
