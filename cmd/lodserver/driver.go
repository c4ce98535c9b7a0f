package main

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"voxelstream.ai/internal/config"
	"voxelstream.ai/internal/lod/builder"
	"voxelstream.ai/internal/lod/gpusync"
	"voxelstream.ai/internal/lod/pos"
	"voxelstream.ai/internal/lod/requestqueue"
	"voxelstream.ai/internal/lod/router"
	"voxelstream.ai/internal/lod/runtime"
	"voxelstream.ai/internal/lod/traversal"
	persistlog "voxelstream.ai/internal/persistence/log"
)

// driver plays the renderer: it seeds the top-level grid, moves a camera, turns the committed node
// buffer into request lists each frame and applies random world edits.
type driver struct {
	cfg    config.Config
	lod    *runtime.Runtime
	world  *builder.World
	router *router.Router
	host   *gpusync.HostBuffer
	edits  *persistlog.EditLogger
	log    *zap.Logger

	cam atomic.Pointer[traversal.Camera]
}

func (d *driver) run(ctx context.Context, tops []pos.Key) error {
	for _, p := range tops {
		err := d.lod.InsertTopLevel(ctx, p)
		d.logEdit("insert_top", p, errString(err))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Warn("insert top-level node", zap.Stringer("pos", p), zap.Error(err))
		}
	}

	frame := time.NewTicker(time.Second / time.Duration(d.cfg.TickRateHz))
	defer frame.Stop()

	start := time.Now()
	centre := traversal.Camera{
		X: float64(d.cfg.World.Camera[0]),
		Y: float64(d.cfg.World.Camera[1]),
		Z: float64(d.cfg.World.Camera[2]),
	}
	orbit := float64(int64(1)<<d.cfg.World.TopLevel) * float64(d.cfg.World.Radius) / 2
	opts := traversal.Options{
		LODDistance: d.cfg.World.LODDistance,
		MinLevel:    d.cfg.World.MinLevel,
	}

	var (
		lastGen uint64
		lastCam traversal.Camera
	)
	cam := centre
	first := centre
	d.cam.Store(&first)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-frame.C:
			cam = traversal.Orbit(centre, orbit, d.cfg.World.CameraSpeed, time.Since(start).Seconds())
			c := cam
			d.cam.Store(&c)
			snap, gen := d.host.Snapshot()
			if gen == lastGen && !moved(lastCam, cam) {
				continue
			}
			lastGen, lastCam = gen, cam
			ids := traversal.Select(snap, cam, opts)
			if len(ids) == 0 {
				continue
			}
			select {
			case d.lod.Requests() <- requestqueue.Encode(ids):
			default:
				d.log.Debug("request queue full; dropping frame", zap.Int("ids", len(ids)))
			}
		}
	}
}

// runEdits applies world edits near the camera at world.edits_per_second.
func (d *driver) runEdits(ctx context.Context) error {
	if d.cfg.World.EditsPerSecond <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Limit(d.cfg.World.EditsPerSecond), 1)
	rng := rand.New(rand.NewSource(d.cfg.World.Seed))
	for {
		if err := lim.Wait(ctx); err != nil {
			return nil
		}
		var cam traversal.Camera
		if c := d.cam.Load(); c != nil {
			cam = *c
		}
		d.edit(rng, cam)
	}
}

// edit toggles a random section near the camera and tells the router about it.
func (d *driver) edit(rng *rand.Rand, cam traversal.Camera) {
	top := d.cfg.World.TopLevel
	if top <= d.cfg.World.MinLevel {
		return
	}
	level := d.cfg.World.MinLevel + rng.Intn(top-d.cfg.World.MinLevel)
	size := float64(int64(1) << level)
	reach := 4
	x := int(cam.X/size) + rng.Intn(2*reach) - reach
	y := int(cam.Y/size) + rng.Intn(2*reach) - reach
	z := int(cam.Z/size) + rng.Intn(2*reach) - reach
	p := pos.Make(level, x, y, z)

	if !d.world.Toggle(p) {
		return
	}
	state := "cleared"
	if d.world.NonEmpty(p) {
		state = "filled"
	}
	d.router.Notify(p)
	d.logEdit("toggle", p, state)
}

func (d *driver) logEdit(op string, p pos.Key, result string) {
	if d.edits == nil {
		return
	}
	var tick uint64
	if st, ok := d.lod.LastStats(); ok {
		tick = st.Tick
	}
	e := persistlog.EditEntry{
		Tick:     tick,
		UnixMS:   time.Now().UnixMilli(),
		Op:       op,
		Position: p.String(),
		Key:      uint64(p),
		Result:   result,
	}
	if err := d.edits.WriteEdit(e); err != nil {
		d.log.Warn("edit log write", zap.Error(err))
	}
}

// moved reports whether the camera travelled at least half a level-0 section.
func moved(a, b traversal.Camera) bool {
	return math.Abs(a.X-b.X)+math.Abs(a.Y-b.Y)+math.Abs(a.Z-b.Z) >= 0.5
}

func errString(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
