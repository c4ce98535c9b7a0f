// Package router tracks watched world positions and turns watches and world edits into build jobs.
package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/section"
)

// Job asks the builder to produce a mesh (UpdateBlock) and/or a child mask (UpdateChildExistence).
type Job struct {
	Position pos.Key
	Flags    section.UpdateFlags
}

// Router is safe for concurrent use: the tick goroutine watches and unwatches while builder workers
// take jobs and world editors notify.
type Router struct {
	log *zap.Logger

	mu      sync.Mutex
	watched map[pos.Key]section.UpdateFlags
	pending map[pos.Key]section.UpdateFlags
	order   []pos.Key
	closed  bool
	wake    chan struct{}
}

func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		log:     logger,
		watched: map[pos.Key]section.UpdateFlags{},
		pending: map[pos.Key]section.UpdateFlags{},
		wake:    make(chan struct{}, 1),
	}
}

// Watch adds flags to p. Watching with UpdateBlock always schedules a fresh build of p. It reports
// false if the router is closed or the watch added nothing.
func (r *Router) Watch(p pos.Key, flags section.UpdateFlags) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || flags == 0 {
		return false
	}
	prev := r.watched[p]
	r.watched[p] = prev | flags
	if flags&section.UpdateBlock != 0 {
		r.scheduleLocked(p, flags)
		return true
	}
	return prev&flags != flags
}

// Unwatch removes flags from p and drops its pending work once nothing is watched.
func (r *Router) Unwatch(p pos.Key, flags section.UpdateFlags) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.watched[p]
	if !ok {
		return false
	}
	rest := prev &^ flags
	if rest == 0 {
		delete(r.watched, p)
		delete(r.pending, p)
		return true
	}
	r.watched[p] = rest
	if job, ok := r.pending[p]; ok {
		if job &= rest; job == 0 {
			delete(r.pending, p)
		} else {
			r.pending[p] = job
		}
	}
	return true
}

// Notify reports that the content of p changed: p is rebuilt if watched for blocks and its parent
// gets a fresh child mask if watched for child existence.
func (r *Router) Notify(p pos.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watched[p]&section.UpdateBlock != 0 {
		r.scheduleLocked(p, section.UpdateBlock)
	}
	if p.Level() >= pos.MaxLevel {
		return
	}
	if parent := p.Parent(); r.watched[parent]&section.UpdateChildExistence != 0 {
		r.scheduleLocked(parent, section.UpdateChildExistence)
	}
}

func (r *Router) scheduleLocked(p pos.Key, flags section.UpdateFlags) {
	if r.closed {
		return
	}
	if _, ok := r.pending[p]; !ok {
		r.order = append(r.order, p)
	}
	r.pending[p] |= flags
	r.signal()
}

func (r *Router) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Take blocks until a job is available, ctx is done or the router is closed.
func (r *Router) Take(ctx context.Context) (Job, bool) {
	for {
		r.mu.Lock()
		for len(r.order) > 0 {
			p := r.order[0]
			r.order = r.order[1:]
			flags, ok := r.pending[p]
			if !ok {
				continue
			}
			delete(r.pending, p)
			more := len(r.order) > 0
			r.mu.Unlock()
			if more {
				r.signal()
			}
			return Job{Position: p, Flags: flags}, true
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			r.signal()
			return Job{}, false
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-r.wake:
		}
	}
}

// IsWatched reports the flags p is watched with.
func (r *Router) IsWatched(p pos.Key) section.UpdateFlags {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watched[p]
}

func (r *Router) Stats() (watched, pending int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watched), len(r.pending)
}

// Close wakes every Take caller. Later watches fail and pending jobs are dropped.
func (r *Router) Close() {
	r.mu.Lock()
	r.log.Debug("router closing", zap.Int("watched", len(r.watched)), zap.Int("dropped_jobs", len(r.pending)))
	r.closed = true
	r.pending = map[pos.Key]section.UpdateFlags{}
	r.order = nil
	r.mu.Unlock()
	r.signal()
}
