package hierarchy

import (
	"fmt"

	"voxelstream.ai/internal/lod/nodestore"
)

// Handle is a tagged 32-bit reference: bits 0-23 hold a node or request index, bits 30-31 the kind
// and, for requests, bit 29 the request subtype.
type Handle uint32

// Absent is returned by lookups of untracked positions. Its kind bits (0b11) are never assigned.
const Absent Handle = 0xFFFFFFFF

const (
	kindMask    = 0b11 << 30
	kindLeaf    = 0b00 << 30
	kindInner   = 0b01 << 30
	kindRequest = 0b10 << 30

	requestKindMask = 1 << 29
	requestSingle   = 0 << 29
	requestChild    = 1 << 29
)

// Kind is the decoded tag of a Handle.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindLeaf
	KindInner
	KindSingleRequest
	KindChildRequest
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "LEAF"
	case KindInner:
		return "INNER"
	case KindSingleRequest:
		return "REQUEST/SINGLE"
	case KindChildRequest:
		return "REQUEST/CHILD"
	default:
		return "ABSENT"
	}
}

func LeafHandle(id uint32) Handle          { return Handle(id&nodestore.IDMask | kindLeaf) }
func InnerHandle(id uint32) Handle         { return Handle(id&nodestore.IDMask | kindInner) }
func SingleRequestHandle(id uint32) Handle { return Handle(id&nodestore.IDMask | kindRequest | requestSingle) }
func ChildRequestHandle(id uint32) Handle  { return Handle(id&nodestore.IDMask | kindRequest | requestChild) }

func (h Handle) Kind() Kind {
	if h == Absent {
		return KindAbsent
	}
	switch uint32(h) & kindMask {
	case kindLeaf:
		return KindLeaf
	case kindInner:
		return KindInner
	case kindRequest:
		if uint32(h)&requestKindMask == requestChild {
			return KindChildRequest
		}
		return KindSingleRequest
	}
	return KindAbsent
}

func (h Handle) Index() uint32 { return uint32(h) & nodestore.IDMask }

func (h Handle) IsRequest() bool { return uint32(h)&kindMask == kindRequest && h != Absent }

func (h Handle) String() string {
	if h == Absent {
		return "absent"
	}
	return fmt.Sprintf("%s#%d", h.Kind(), h.Index())
}
