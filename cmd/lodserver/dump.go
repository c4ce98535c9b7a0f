package main

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/gpusync"
	"voxelstream.ai/internal/lod/runtime"
	"voxelstream.ai/internal/persistence/indexdb"
	"voxelstream.ai/internal/persistence/r2s3"
)

// dumpSink writes the committed node buffer to disk every n ticks and hands the file to the mirror.
// Dumps run off the tick goroutine; a tick that lands while one is still being written is skipped.
type dumpSink struct {
	every int
	dir   string
	host  *gpusync.HostBuffer
	idx   *indexdb.SQLiteIndex
	mir   *r2s3.Mirror
	log   *zap.Logger

	busy    atomic.Bool
	skipped atomic.Uint64
	wg      sync.WaitGroup
}

var _ runtime.Sink = (*dumpSink)(nil)

func newDumpSink(every int, dir string, host *gpusync.HostBuffer, idx *indexdb.SQLiteIndex, mir *r2s3.Mirror, logger *zap.Logger) *dumpSink {
	return &dumpSink{every: every, dir: dir, host: host, idx: idx, mir: mir, log: logger}
}

func (s *dumpSink) WriteTick(st runtime.TickStats) error {
	if st.Tick%uint64(s.every) != 0 {
		return nil
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return nil
	}
	s.wg.Add(1)
	go func(tick uint64) {
		defer s.wg.Done()
		defer s.busy.Store(false)
		gen := s.host.Generation()
		path, err := gpusync.DumpBuffer(s.dir, s.host)
		if err != nil {
			s.log.Warn("node buffer dump failed", zap.Uint64("tick", tick), zap.Error(err))
			return
		}
		s.idx.RecordDump(gen, tick, path)
		s.mir.Enqueue(path)
		s.log.Debug("node buffer dumped", zap.Uint64("tick", tick), zap.String("path", path))
	}(st.Tick)
	return nil
}

// Close waits for an in-progress dump.
func (s *dumpSink) Close() error {
	s.wg.Wait()
	return nil
}
