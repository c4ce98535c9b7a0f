// Package requestqueue drains the expansion requests the GPU traversal writes each frame.
//
// A request list is a count followed by count little-endian uint32 node ids. Only the low 24 bits of
// an entry are the node id; the high bits are free for the producer.
package requestqueue

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/nodestore"
)

const Stride = 4

// Processor receives one node id per request entry.
type Processor interface {
	ProcessNodeRequest(id uint32) error
}

// List is one frame's request list.
type List struct {
	Count int
	Data  []byte
}

// Encode builds a list from node ids.
func Encode(ids []uint32) List {
	data := make([]byte, len(ids)*Stride)
	for i, id := range ids {
		binary.LittleEndian.PutUint32(data[i*Stride:], id)
	}
	return List{Count: len(ids), Data: data}
}

// IDs decodes the node ids of l in order.
func (l List) IDs() ([]uint32, error) {
	if l.Count < 0 || l.Count*Stride > len(l.Data) {
		return nil, errors.Errorf("request list count %d exceeds %d bytes", l.Count, len(l.Data))
	}
	out := make([]uint32, l.Count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(l.Data[i*Stride:]) & nodestore.IDMask
	}
	return out, nil
}

type Consumer struct {
	log *zap.Logger
}

func NewConsumer(logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{log: logger}
}

// Result counts what one drain did.
type Result struct {
	Requests int `json:"requests"`
	Failed   int `json:"failed"`
}

// Drain feeds every entry of l to p in order. A failing entry does not stop the drain; all failures
// are returned combined.
func (c *Consumer) Drain(l List, p Processor) (Result, error) {
	ids, err := l.IDs()
	if err != nil {
		return Result{}, err
	}
	var res Result
	var errs error
	for _, id := range ids {
		res.Requests++
		if err := p.ProcessNodeRequest(id); err != nil {
			res.Failed++
			c.log.Error("node request failed", zap.Uint32("node", id), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return res, errs
}
