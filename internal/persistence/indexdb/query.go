package indexdb

import (
	"database/sql"
	"os"

	"github.com/pkg/errors"
)

// TickRow is one indexed tick.
type TickRow struct {
	Tick            uint64
	UnixMS          int64
	DurationMicros  int64
	Results         int
	ChildChanges    int
	Requests        int
	Violations      int
	CapacityErrors  int
	FlushedNodes    int
	Nodes           int
	FreeNodes       int
	Tracked         int
	PendingSingles  int
	PendingChildren int
}

// ReadTicks returns up to limit ticks starting at fromTick. With onlyFaults, only ticks that saw a
// violation or capacity error are returned.
func ReadTicks(path string, fromTick uint64, limit int, onlyFaults bool) ([]TickRow, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT tick,unix_ms,duration_us,results,child_changes,requests,violations,capacity_errors,flushed_nodes,nodes,free_nodes,tracked,pending_singles,pending_children
		FROM ticks WHERE tick >= ?`
	if onlyFaults {
		q += ` AND (violations > 0 OR capacity_errors > 0)`
	}
	q += ` ORDER BY tick LIMIT ?`
	rows, err := db.Query(q, int64(fromTick), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query ticks")
	}
	defer rows.Close()

	var out []TickRow
	for rows.Next() {
		var r TickRow
		var tick int64
		if err := rows.Scan(&tick, &r.UnixMS, &r.DurationMicros, &r.Results, &r.ChildChanges, &r.Requests,
			&r.Violations, &r.CapacityErrors, &r.FlushedNodes, &r.Nodes, &r.FreeNodes, &r.Tracked,
			&r.PendingSingles, &r.PendingChildren); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}
