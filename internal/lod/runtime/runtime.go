// Package runtime drives the node manager: it owns the producer queues and applies them in one
// tick per frame.
package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"voxelstream.ai/internal/lod/gpusync"
	"voxelstream.ai/internal/lod/hierarchy"
	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/requestqueue"
	"voxelstream.ai/internal/lod/section"
)

type Config struct {
	TickRateHz int
	// Strict makes any protocol violation abort Run.
	Strict bool
	// ValidateEvery runs a full consistency check every n ticks; 0 disables it.
	ValidateEvery int

	ResultQueue  int
	ChangeQueue  int
	RequestQueue int
	ControlQueue int
}

func (c Config) withDefaults() Config {
	if c.TickRateHz <= 0 {
		c.TickRateHz = 60
	}
	if c.ResultQueue <= 0 {
		c.ResultQueue = 4096
	}
	if c.ChangeQueue <= 0 {
		c.ChangeQueue = 4096
	}
	if c.RequestQueue <= 0 {
		c.RequestQueue = 4
	}
	if c.ControlQueue <= 0 {
		c.ControlQueue = 64
	}
	return c
}

// Sink receives the stats of every tick. Sinks run on the tick goroutine and must not block.
type Sink interface {
	WriteTick(TickStats) error
	Close() error
}

type controlKind uint8

const (
	controlInsert controlKind = iota
	controlRemove
)

type controlReq struct {
	kind  controlKind
	pos   pos.Key
	reply chan error
}

type Runtime struct {
	cfg      Config
	log      *zap.Logger
	mgr      *hierarchy.Manager
	syncer   *gpusync.Syncer
	consumer *requestqueue.Consumer

	results  chan *section.BuiltSection
	changes  chan section.ChildChange
	requests chan requestqueue.List
	control  chan controlReq

	sinks []Sink
	tick  uint64
	last  atomic.Pointer[TickStats]

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, mgr *hierarchy.Manager, up gpusync.Uploader, logger *zap.Logger) *Runtime {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		cfg:      cfg,
		log:      logger,
		mgr:      mgr,
		syncer:   gpusync.NewSyncer(up, logger.Named("gpusync")),
		consumer: requestqueue.NewConsumer(logger.Named("requests")),
		results:  make(chan *section.BuiltSection, cfg.ResultQueue),
		changes:  make(chan section.ChildChange, cfg.ChangeQueue),
		requests: make(chan requestqueue.List, cfg.RequestQueue),
		control:  make(chan controlReq, cfg.ControlQueue),
		stop:     make(chan struct{}),
	}
}

func (r *Runtime) Results() chan<- *section.BuiltSection    { return r.results }
func (r *Runtime) ChildChanges() chan<- section.ChildChange { return r.changes }
func (r *Runtime) Requests() chan<- requestqueue.List       { return r.requests }

// AddSink must be called before Run.
func (r *Runtime) AddSink(s Sink) { r.sinks = append(r.sinks, s) }

func (r *Runtime) TickRateHz() int { return r.cfg.TickRateHz }

// LastStats returns the stats of the latest tick. Safe from any goroutine.
func (r *Runtime) LastStats() (TickStats, bool) {
	if st := r.last.Load(); st != nil {
		return *st, true
	}
	return TickStats{}, false
}

// InsertTopLevel asks the tick goroutine to start tracking p and waits for the outcome.
func (r *Runtime) InsertTopLevel(ctx context.Context, p pos.Key) error {
	return r.sendControl(ctx, controlReq{kind: controlInsert, pos: p})
}

// RemoveTopLevel asks the tick goroutine to stop tracking p and waits for the outcome.
func (r *Runtime) RemoveTopLevel(ctx context.Context, p pos.Key) error {
	return r.sendControl(ctx, controlReq{kind: controlRemove, pos: p})
}

func (r *Runtime) sendControl(ctx context.Context, req controlReq) error {
	req.reply = make(chan error, 1)
	select {
	case r.control <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return errors.New("runtime stopped")
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return errors.New("runtime stopped")
	}
}

func (r *Runtime) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(r.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case req := <-r.control:
			err := r.applyControl(req)
			req.reply <- err
			if err != nil && r.fatal(err) {
				return err
			}
		case <-ticker.C:
			if _, err := r.Tick(); err != nil {
				return err
			}
		}
	}
}

func (r *Runtime) Stop() { r.stopOnce.Do(func() { close(r.stop) }) }

// Close closes every sink, last added first, so a sink may still use the ones added before it.
func (r *Runtime) Close() error {
	var err error
	for i := len(r.sinks) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.sinks[i].Close())
	}
	return err
}

func (r *Runtime) applyControl(req controlReq) error {
	switch req.kind {
	case controlInsert:
		return r.mgr.InsertTopLevelNode(req.pos)
	case controlRemove:
		return r.mgr.RemoveTopLevelNode(req.pos)
	default:
		return errors.Errorf("unknown control kind %d", req.kind)
	}
}

// fatal reports whether err must stop the loop.
func (r *Runtime) fatal(err error) bool {
	return r.cfg.Strict && errors.Is(err, hierarchy.ErrProtocolViolation)
}
