package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"voxelstream.ai/internal/lod/gpusync"
	"voxelstream.ai/internal/lod/runtime"
	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "lodserver data directory")
		fromTick  = flag.Uint64("from_tick", 0, "first tick to report (inclusive, optional)")
		toTick    = flag.Uint64("to_tick", 0, "last tick to report (inclusive, optional)")
		verbose   = flag.Bool("v", false, "print every tick")
		dumpPath  = flag.String("dump", "", "print a node buffer dump (.bin.zst) instead of the event log")
		indexPath = flag.String("index", "", "query the sqlite tick index instead of the event log")
		faults    = flag.Bool("faults", false, "with -index: only ticks with violations or capacity errors")
		limit     = flag.Int("limit", 100, "with -index: maximum rows")
	)
	flag.Parse()

	var err error
	switch {
	case *dumpPath != "":
		err = printDump(*dumpPath, *verbose)
	case *indexPath != "":
		err = printIndex(*indexPath, *fromTick, *limit, *faults)
	default:
		err = summarize(filepath.Join(*dataDir, "events"), *fromTick, *toTick, *verbose)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "lodreplay:", err)
		os.Exit(1)
	}
}

type summary struct {
	ticks          uint64
	first, last    uint64
	gaps           uint64
	results        int
	childChanges   int
	requests       int
	violations     int
	capacityErrors int
	flushedNodes   int
	maxNodes       int
	maxMicros      int64
	final          runtime.TickStats
}

func (s *summary) add(st runtime.TickStats) {
	if s.ticks == 0 {
		s.first = st.Tick
	} else if st.Tick != s.last+1 {
		s.gaps++
	}
	s.ticks++
	s.last = st.Tick
	s.results += st.Results
	s.childChanges += st.ChildChanges
	s.requests += st.Requests
	s.violations += st.Violations
	s.capacityErrors += st.CapacityErrors
	s.flushedNodes += st.Flush.Nodes
	if st.Manager.Nodes > s.maxNodes {
		s.maxNodes = st.Manager.Nodes
	}
	if st.DurationMicros > s.maxMicros {
		s.maxMicros = st.DurationMicros
	}
	s.final = st
}

func summarize(eventsDir string, fromTick, toTick uint64, verbose bool) error {
	files, err := persistlog.ListFiles(eventsDir, "events")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no events files found in %s", eventsDir)
	}

	var s summary
	done := false
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(st runtime.TickStats) bool {
			if st.Tick < fromTick {
				return true
			}
			if toTick != 0 && st.Tick > toTick {
				done = true
				return false
			}
			if verbose {
				fmt.Printf("tick=%d dur=%dus results=%d changes=%d requests=%d violations=%d flushed=%d nodes=%d pending=%d/%d\n",
					st.Tick, st.DurationMicros, st.Results, st.ChildChanges, st.Requests, st.Violations,
					st.Flush.Nodes, st.Manager.Nodes, st.Manager.PendingSingles, st.Manager.PendingChildren)
			}
			s.add(st)
			return true
		})
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	if s.ticks == 0 {
		fmt.Println("no ticks in range")
		return nil
	}
	fmt.Printf("ticks=%d range=[%d,%d] gaps=%d results=%d child_changes=%d requests=%d violations=%d capacity_errors=%d flushed_nodes=%d max_nodes=%d max_tick_us=%d\n",
		s.ticks, s.first, s.last, s.gaps, s.results, s.childChanges, s.requests, s.violations, s.capacityErrors,
		s.flushedNodes, s.maxNodes, s.maxMicros)
	m := s.final.Manager
	fmt.Printf("final: nodes=%d free=%d tracked=%d top_level=%d merges=%d collapses=%d stale=%d canceled=%d\n",
		m.Nodes, m.FreeNodes, m.Tracked, m.TopLevel, m.Merges, m.Collapses, m.StaleResults, m.CanceledRequests)
	return nil
}

func printDump(path string, verbose bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	d, err := gpusync.ReadDump(f)
	if err != nil {
		return err
	}

	var allocated, inner, leaves int
	levels := map[int]int{}
	for id, r := range d.Records {
		if r.Unallocated() {
			continue
		}
		allocated++
		if r.ChildCount > 0 {
			inner++
		} else {
			leaves++
		}
		levels[r.Position.Level()]++
		if verbose {
			fmt.Printf("%8d %-24s geom=%06x children=%d@%06x mask=%08b flags=%d\n",
				id, r.Position, r.Geometry, r.ChildCount, r.ChildPtr, r.ChildExistence, r.Flags)
		}
	}
	fmt.Printf("dump generation=%d slots=%d allocated=%d inner=%d leaves=%d\n", d.Generation, len(d.Records), allocated, inner, leaves)
	for lvl := 15; lvl >= 0; lvl-- {
		if n := levels[lvl]; n > 0 {
			fmt.Printf("  level %2d: %d\n", lvl, n)
		}
	}
	return nil
}

func printIndex(path string, fromTick uint64, limit int, faults bool) error {
	rows, err := indexdb.ReadTicks(path, fromTick, limit, faults)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("tick=%d dur=%dus results=%d changes=%d requests=%d violations=%d capacity=%d flushed=%d nodes=%d free=%d pending=%d/%d\n",
			r.Tick, r.DurationMicros, r.Results, r.ChildChanges, r.Requests, r.Violations, r.CapacityErrors,
			r.FlushedNodes, r.Nodes, r.FreeNodes, r.PendingSingles, r.PendingChildren)
	}
	fmt.Printf("rows=%d\n", len(rows))
	return nil
}
