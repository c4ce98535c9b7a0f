// Package traversal picks which resident leaves should be refined for a camera. It stands in for
// the GPU traversal pass: it reads the committed node buffer and emits request lists.
package traversal

import (
	"math"
	"sort"

	"voxelstream.ai/internal/lod/nodestore"
)

// Camera is a position in level-0 section units.
type Camera struct {
	X, Y, Z float64
}

type Options struct {
	// LODDistance is the refinement radius measured in sections of the candidate's own level.
	LODDistance float64
	// MinLevel is the finest level that is ever refined to.
	MinLevel int
	// MaxRequests caps one request list.
	MaxRequests int
}

// Select returns leaf ids in buf that are closer to cam than opts.LODDistance, nearest first.
// Nodes with pending work or no children are skipped.
func Select(buf []byte, cam Camera, opts Options) []uint32 {
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = 256
	}
	type item struct {
		id   uint32
		dist float64
	}
	var items []item
	n := len(buf) / nodestore.RecordSize
	for i := 0; i < n; i++ {
		r := nodestore.DecodeRecord(buf[i*nodestore.RecordSize : (i+1)*nodestore.RecordSize])
		if r.Unallocated() || r.ChildPtr != nodestore.NoChild || r.Flags != 0 || r.ChildExistence == 0 {
			continue
		}
		level := r.Position.Level()
		if level <= opts.MinLevel {
			continue
		}
		d := Distance(cam, r.Position.Level(), r.Position.X(), r.Position.Y(), r.Position.Z())
		if d < opts.LODDistance {
			items = append(items, item{id: uint32(i), dist: d})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].dist != items[j].dist {
			return items[i].dist < items[j].dist
		}
		return items[i].id < items[j].id
	})
	if len(items) > opts.MaxRequests {
		items = items[:opts.MaxRequests]
	}
	out := make([]uint32, 0, len(items))
	for _, it := range items {
		out = append(out, it.id)
	}
	return out
}

// Distance is the distance from cam to the centre of section (level,x,y,z), in sections of that level.
func Distance(cam Camera, level, x, y, z int) float64 {
	size := float64(int64(1) << level)
	dx := (float64(x)+0.5)*size - cam.X
	dy := (float64(y)+0.5)*size - cam.Y
	dz := (float64(z)+0.5)*size - cam.Z
	return math.Sqrt(dx*dx+dy*dy+dz*dz) / size
}

// Orbit moves a camera around centre in the XZ plane at speed sections per second.
func Orbit(centre Camera, radius, speed, seconds float64) Camera {
	if radius <= 0 {
		return centre
	}
	a := speed * seconds / radius
	return Camera{
		X: centre.X + radius*math.Cos(a),
		Y: centre.Y,
		Z: centre.Z + radius*math.Sin(a),
	}
}
