// Package nodestore is the fixed-capacity arena of LOD node records shared between the CPU-side
// node manager and the GPU node buffer.
package nodestore

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"

	"voxelstream.ai/internal/lod/pos"
)

const (
	MaxCapacity = 1 << 24
	IDMask      = MaxCapacity - 1

	// GeometryNone marks a node whose geometry was never requested.
	GeometryNone uint32 = 0xFFFFFF
	// GeometryEmpty marks a node confirmed to have no visible geometry.
	GeometryEmpty uint32 = 0xFFFFFE

	NoChild   uint32 = 0xFFFFFF
	NoRequest uint32 = 0xFFFFFF

	// RecordSize is the stride of one node in the GPU node buffer.
	RecordSize = 16

	// MaxRun is the longest contiguous run Allocate hands out (one full child block).
	MaxRun = 8
)

var (
	ErrCapacityExceeded = errors.New("node capacity exceeded")
	ErrNotAllocated     = errors.New("node not allocated")
)

// Flags are per-node state bits mirrored into the GPU record.
type Flags uint8

const (
	FlagRequestInFlight Flags = 1 << iota
	FlagGeometryPending
)

type record struct {
	position       pos.Key
	geometry       uint32
	childPtr       uint32
	request        uint32
	childCount     uint8
	childExistence uint8
	flags          Flags
}

var freeRecord = record{
	position: pos.Key(^uint64(0)),
	geometry: GeometryNone,
	childPtr: NoChild,
	request:  NoRequest,
}

// Store is a power-of-two sized pool of node records. It never grows; freed runs are kept in
// per-length free lists and are not coalesced until an allocation would otherwise fail.
type Store struct {
	records []record
	used    []uint64
	free    [MaxRun + 1][]uint32
	head    uint32
	count   int
}

func New(capacity int) (*Store, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, errors.Errorf("node capacity %d must be a power of two", capacity)
	}
	if capacity > MaxCapacity {
		return nil, errors.Errorf("node capacity %d exceeds 2^24", capacity)
	}
	s := &Store{
		records: make([]record, capacity),
		used:    make([]uint64, (capacity+63)/64),
	}
	for i := range s.records {
		s.records[i] = freeRecord
	}
	return s, nil
}

func (s *Store) Capacity() int  { return len(s.records) }
func (s *Store) Len() int       { return s.count }
func (s *Store) FreeCount() int { return len(s.records) - s.count }

// Allocate returns the first index of n contiguous free records, initialised to an empty leaf.
func (s *Store) Allocate(n int) (uint32, error) {
	if n < 1 || n > MaxRun {
		return 0, errors.Errorf("allocation of %d nodes out of range [1,%d]", n, MaxRun)
	}
	if n > s.FreeCount() {
		return 0, errors.Wrapf(ErrCapacityExceeded, "want %d, free %d", n, s.FreeCount())
	}
	start, ok := s.take(n)
	if !ok {
		s.rebuildFreeLists()
		start, ok = s.take(n)
	}
	if !ok {
		return 0, errors.Wrapf(ErrCapacityExceeded, "no run of %d free nodes (free %d, fragmented)", n, s.FreeCount())
	}
	for i := start; i < start+uint32(n); i++ {
		s.setUsed(i)
		s.records[i] = freeRecord
		s.records[i].position = 0
	}
	s.count += n
	return start, nil
}

func (s *Store) take(n int) (uint32, bool) {
	if l := s.free[n]; len(l) > 0 {
		start := l[len(l)-1]
		s.free[n] = l[:len(l)-1]
		return start, true
	}
	if int(s.head)+n <= len(s.records) {
		start := s.head
		s.head += uint32(n)
		return start, true
	}
	for m := n + 1; m <= MaxRun; m++ {
		l := s.free[m]
		if len(l) == 0 {
			continue
		}
		start := l[len(l)-1]
		s.free[m] = l[:len(l)-1]
		s.free[m-n] = append(s.free[m-n], start+uint32(n))
		return start, true
	}
	return 0, false
}

// rebuildFreeLists recomputes the free lists from the allocation bitmap, merging adjacent runs and
// pulling the bump head back over a free tail.
func (s *Store) rebuildFreeLists() {
	for i := range s.free {
		s.free[i] = s.free[i][:0]
	}
	var runStart uint32
	inRun := false
	flush := func(end uint32) {
		for start := runStart; start < end; {
			n := end - start
			if n > MaxRun {
				n = MaxRun
			}
			s.free[n] = append(s.free[n], start)
			start += n
		}
	}
	for i := uint32(0); i < s.head; i++ {
		if s.isUsed(i) {
			if inRun {
				flush(i)
				inRun = false
			}
			continue
		}
		if !inRun {
			runStart = i
			inRun = true
		}
	}
	if inRun {
		s.head = runStart
	}
}

// Free returns n records starting at id to the pool.
func (s *Store) Free(id uint32, n int) error {
	if n < 1 || int(id)+n > len(s.records) {
		return errors.Errorf("free of %d nodes at %d out of range", n, id)
	}
	for i := id; i < id+uint32(n); i++ {
		if !s.isUsed(i) {
			return errors.Wrapf(ErrNotAllocated, "free node %d", i)
		}
	}
	for i := id; i < id+uint32(n); i++ {
		s.clearUsed(i)
		s.records[i] = freeRecord
	}
	s.count -= n
	for start, left := id, n; left > 0; {
		m := left
		if m > MaxRun {
			m = MaxRun
		}
		s.free[m] = append(s.free[m], start)
		start += uint32(m)
		left -= m
	}
	return nil
}

func (s *Store) Exists(id uint32) bool {
	return int(id) < len(s.records) && s.isUsed(id)
}

func (s *Store) isUsed(i uint32) bool { return s.used[i>>6]&(1<<(i&63)) != 0 }
func (s *Store) setUsed(i uint32)     { s.used[i>>6] |= 1 << (i & 63) }
func (s *Store) clearUsed(i uint32)   { s.used[i>>6] &^= 1 << (i & 63) }

func (s *Store) Position(id uint32) pos.Key           { return s.records[id].position }
func (s *Store) SetPosition(id uint32, p pos.Key)     { s.records[id].position = p }
func (s *Store) Geometry(id uint32) uint32            { return s.records[id].geometry }
func (s *Store) SetGeometry(id uint32, g uint32)      { s.records[id].geometry = g }
func (s *Store) ChildExistence(id uint32) uint8       { return s.records[id].childExistence }
func (s *Store) SetChildExistence(id uint32, m uint8) { s.records[id].childExistence = m }
func (s *Store) ChildPtr(id uint32) uint32            { return s.records[id].childPtr }
func (s *Store) SetChildPtr(id uint32, ptr uint32)    { s.records[id].childPtr = ptr }
func (s *Store) ChildCount(id uint32) int             { return int(s.records[id].childCount) }
func (s *Store) SetChildCount(id uint32, n int)       { s.records[id].childCount = uint8(n) }
func (s *Store) Request(id uint32) uint32             { return s.records[id].request }
func (s *Store) SetRequest(id uint32, r uint32)       { s.records[id].request = r }
func (s *Store) Flags(id uint32) Flags                { return s.records[id].flags }

func (s *Store) IsLeaf(id uint32) bool { return s.records[id].childPtr == NoChild }

func (s *Store) IsRequestInFlight(id uint32) bool {
	return s.records[id].flags&FlagRequestInFlight != 0
}

func (s *Store) MarkRequestInFlight(id uint32, request uint32) {
	s.records[id].flags |= FlagRequestInFlight
	s.records[id].request = request
}

func (s *Store) UnmarkRequestInFlight(id uint32) {
	s.records[id].flags &^= FlagRequestInFlight
	s.records[id].request = NoRequest
}

func (s *Store) IsGeometryPending(id uint32) bool {
	return s.records[id].flags&FlagGeometryPending != 0
}

func (s *Store) SetGeometryPending(id uint32, pending bool) {
	if pending {
		s.records[id].flags |= FlagGeometryPending
	} else {
		s.records[id].flags &^= FlagGeometryPending
	}
}

// Move copies the record at src into dst. Both must be allocated.
func (s *Store) Move(dst, src uint32) {
	s.records[dst] = s.records[src]
}

// ChildSlot returns the block offset of octant within a child block described by mask, or -1 if
// the octant is not present.
func ChildSlot(mask uint8, octant int) int {
	if mask&(1<<octant) == 0 {
		return -1
	}
	return bits.OnesCount8(mask & (1<<octant - 1))
}

// IsRealGeometry reports whether g refers to an uploaded section rather than a sentinel.
func IsRealGeometry(g uint32) bool {
	return g != GeometryNone && g != GeometryEmpty
}

// WriteNode encodes the GPU record for id into dst[:RecordSize]. Unallocated ids encode as an
// all-sentinel record.
func (s *Store) WriteNode(dst []byte, id uint32) {
	if !s.Exists(id) {
		encode(dst, freeRecord)
		return
	}
	encode(dst, s.records[id])
}

// WriteFreeRecord encodes the record of an unallocated slot.
func WriteFreeRecord(dst []byte) { encode(dst, freeRecord) }

func encode(dst []byte, r record) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(r.position))
	binary.LittleEndian.PutUint32(dst[8:12], r.geometry&IDMask|uint32(r.childCount&0xF)<<24|uint32(r.flags&0xF)<<28)
	binary.LittleEndian.PutUint32(dst[12:16], r.childPtr&IDMask|uint32(r.childExistence)<<24)
}

// Record is the decoded form of a GPU node record.
type Record struct {
	Position       pos.Key
	Geometry       uint32
	ChildCount     int
	Flags          Flags
	ChildPtr       uint32
	ChildExistence uint8
}

func DecodeRecord(src []byte) Record {
	w2 := binary.LittleEndian.Uint32(src[8:12])
	w3 := binary.LittleEndian.Uint32(src[12:16])
	return Record{
		Position:       pos.Key(binary.LittleEndian.Uint64(src[0:8])),
		Geometry:       w2 & IDMask,
		ChildCount:     int(w2>>24) & 0xF,
		Flags:          Flags(w2 >> 28),
		ChildPtr:       w3 & IDMask,
		ChildExistence: uint8(w3 >> 24),
	}
}

// Unallocated reports whether r is the record of a free slot.
func (r Record) Unallocated() bool { return r.Position == freeRecord.position }
