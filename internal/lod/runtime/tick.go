package runtime

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/gpusync"
	"voxelstream.ai/internal/lod/hierarchy"
)

// TickStats summarises one tick.
type TickStats struct {
	Tick           uint64             `json:"tick"`
	UnixMS         int64              `json:"unix_ms"`
	DurationMicros int64              `json:"duration_us"`
	Results        int                `json:"results"`
	ChildChanges   int                `json:"child_changes"`
	RequestLists   int                `json:"request_lists"`
	Requests       int                `json:"requests"`
	Violations     int                `json:"violations"`
	CapacityErrors int                `json:"capacity_errors"`
	OtherErrors    int                `json:"other_errors"`
	Flush          gpusync.FlushStats `json:"flush"`
	Manager        hierarchy.Stats    `json:"manager"`
}

// Tick drains everything queued so far: build results and child changes first, then GPU request
// lists, then the dirty-node flush. In strict mode the first protocol violation ends the tick and is
// returned.
func (r *Runtime) Tick() (TickStats, error) {
	start := time.Now()
	r.tick++
	st := TickStats{Tick: r.tick, UnixMS: start.UnixMilli()}

	for n := len(r.results); n > 0; n-- {
		s := <-r.results
		st.Results++
		if err := r.record(&st, r.mgr.ProcessGeometryResult(s)); err != nil {
			return st, err
		}
	}
	for n := len(r.changes); n > 0; n-- {
		c := <-r.changes
		st.ChildChanges++
		if err := r.record(&st, r.mgr.ProcessChildChange(c.Position, c.Mask)); err != nil {
			return st, err
		}
	}
	for n := len(r.requests); n > 0; n-- {
		l := <-r.requests
		st.RequestLists++
		res, err := r.consumer.Drain(l, r.mgr)
		st.Requests += res.Requests
		for _, e := range multierr.Errors(err) {
			if ferr := r.record(&st, e); ferr != nil {
				return st, ferr
			}
		}
	}
	if r.cfg.ValidateEvery > 0 && r.tick%uint64(r.cfg.ValidateEvery) == 0 {
		if err := r.record(&st, r.mgr.Validate()); err != nil {
			return st, err
		}
	}

	// A failed flush keeps its ids and is retried next tick.
	flush, err := r.syncer.Flush(r.mgr)
	st.Flush = flush
	if err := r.record(&st, err); err != nil {
		return st, err
	}

	st.Manager = r.mgr.Stats()
	st.DurationMicros = time.Since(start).Microseconds()
	r.last.Store(&st)
	for _, s := range r.sinks {
		if err := s.WriteTick(st); err != nil {
			r.log.Warn("tick sink failed", zap.Uint64("tick", st.Tick), zap.Error(err))
		}
	}
	return st, nil
}

// record classifies err into st and returns it when it must abort the tick.
func (r *Runtime) record(st *TickStats, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hierarchy.ErrProtocolViolation):
		st.Violations++
		r.log.Error("protocol violation", zap.Uint64("tick", r.tick), zap.Error(err))
		if r.cfg.Strict {
			return err
		}
	case errors.Is(err, hierarchy.ErrCapacityExceeded):
		st.CapacityErrors++
		r.log.Error("node capacity exceeded", zap.Uint64("tick", r.tick), zap.Error(err))
	default:
		st.OtherErrors++
		r.log.Error("tick operation failed", zap.Uint64("tick", r.tick), zap.Error(err))
	}
	return nil
}
