// Package gpusync mirrors changed node records into the GPU node buffer once per tick.
package gpusync

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/nodestore"
)

// Source is the node state being mirrored.
type Source interface {
	// TakeDirty returns the ids changed since the last call, ascending, and forgets them.
	TakeDirty() []uint32
	WriteNode(dst []byte, id uint32)
}

// Uploader stages writes into the GPU node buffer. Staged bytes become visible on Commit.
type Uploader interface {
	Stage(offset int64, size int) ([]byte, error)
	Commit() error
}

type Syncer struct {
	up  Uploader
	log *zap.Logger

	// retry holds the ids of a failed flush; they are written again by the next one.
	retry []uint32
}

func NewSyncer(up Uploader, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{up: up, log: logger}
}

// FlushStats describes one flush.
type FlushStats struct {
	Nodes  int `json:"nodes"`
	Ranges int `json:"ranges"`
	Bytes  int `json:"bytes"`
}

// Flush writes every dirty node of src and commits once. Consecutive ids share one staged range. On
// failure the ids are kept and written again by the next Flush.
func (s *Syncer) Flush(src Source) (FlushStats, error) {
	ids := mergeIDs(s.retry, src.TakeDirty())
	s.retry = nil
	st, err := s.write(src, ids)
	if err != nil {
		s.retry = ids
		s.log.Warn("node buffer flush failed; retrying next tick", zap.Int("nodes", len(ids)), zap.Error(err))
		return st, err
	}
	if st.Nodes > 0 {
		s.log.Debug("node buffer flushed", zap.Int("nodes", st.Nodes), zap.Int("ranges", st.Ranges))
	}
	return st, nil
}

func (s *Syncer) write(src Source, ids []uint32) (FlushStats, error) {
	var st FlushStats
	if len(ids) == 0 {
		return st, nil
	}
	for start := 0; start < len(ids); {
		end := start + 1
		for end < len(ids) && ids[end] == ids[end-1]+1 {
			end++
		}
		n := end - start
		buf, err := s.up.Stage(int64(ids[start])*nodestore.RecordSize, n*nodestore.RecordSize)
		if err != nil {
			return st, errors.Wrapf(err, "stage nodes %d..%d", ids[start], ids[end-1])
		}
		for i := 0; i < n; i++ {
			src.WriteNode(buf[i*nodestore.RecordSize:], ids[start+i])
		}
		st.Ranges++
		st.Nodes += n
		st.Bytes += n * nodestore.RecordSize
		start = end
	}
	if err := s.up.Commit(); err != nil {
		return st, errors.Wrap(err, "commit node buffer")
	}
	return st, nil
}

// mergeIDs unions two ascending id lists.
func mergeIDs(a, b []uint32) []uint32 {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]uint32, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
