// Package builder turns router jobs into built sections and child-mask notifications on a bounded
// worker pool.
package builder

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/router"
	"voxelstream.ai/internal/lod/section"
)

// QuadSize is the byte size of one synthetic quad.
const QuadSize = 8

// JobSource hands out build jobs; ok is false once no more jobs will come.
type JobSource interface {
	Take(ctx context.Context) (job router.Job, ok bool)
}

type Builder struct {
	world   *World
	jobs    JobSource
	results chan<- *section.BuiltSection
	changes chan<- section.ChildChange
	workers int
	log     *zap.Logger

	pool  sync.Pool
	built atomic.Uint64
	freed atomic.Uint64
}

func New(world *World, jobs JobSource, results chan<- *section.BuiltSection, changes chan<- section.ChildChange, workers int, logger *zap.Logger) *Builder {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Builder{world: world, jobs: jobs, results: results, changes: changes, workers: workers, log: logger}
	b.pool.New = func() any {
		buf := make([]byte, 0, 64*QuadSize)
		return &buf
	}
	return b
}

// Run blocks until ctx is done or the job source is exhausted.
func (b *Builder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.workers; i++ {
		g.Go(func() error { return b.work(ctx) })
	}
	return g.Wait()
}

func (b *Builder) work(ctx context.Context) error {
	for {
		job, ok := b.jobs.Take(ctx)
		if !ok {
			return nil
		}
		if job.Flags&section.UpdateBlock != 0 {
			s := b.Build(job.Position)
			select {
			case b.results <- s:
			case <-ctx.Done():
				s.Free()
				return nil
			}
		}
		if job.Flags&section.UpdateChildExistence != 0 {
			c := section.ChildChange{Position: job.Position, Mask: b.world.ChildMask(job.Position)}
			select {
			case b.changes <- c:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Build meshes p. Non-empty meshes borrow a pooled buffer that is returned when the section is freed.
func (b *Builder) Build(p pos.Key) *section.BuiltSection {
	mask := b.world.ChildMask(p)
	if !b.world.NonEmpty(p) {
		return section.New(p, mask, nil, nil)
	}
	b.built.Add(1)
	bufp := b.pool.Get().(*[]byte)
	quads := b.world.QuadCount(p)
	buf := (*bufp)[:0]
	for q := 0; q < quads; q++ {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(p.X()<<8|q))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Z()<<8|p.Y()&0xFF))
	}
	*bufp = buf
	return section.New(p, mask, buf, func() {
		b.freed.Add(1)
		b.pool.Put(bufp)
	})
}

// Outstanding is the number of non-empty sections built and not yet freed.
func (b *Builder) Outstanding() int64 {
	return int64(b.built.Load()) - int64(b.freed.Load())
}
