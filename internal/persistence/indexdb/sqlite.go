package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelstream.ai/internal/lod/runtime"
)

// SQLiteIndex is a secondary, queryable index of tick stats and buffer dumps. Writes are queued to a
// single writer goroutine and dropped when it falls behind; the JSONL tick log stays authoritative.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu guards closed against close(ch): senders hold it shared.
	mu     sync.RWMutex
	closed bool

	dropTick atomic.Uint64
	dropDump atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqDump
)

type req struct {
	kind reqKind

	tick runtime.TickStats
	dump dumpRow
}

type dumpRow struct {
	Generation uint64
	Tick       uint64
	Path       string
	RecordedAt string
}

// Stats reports the writer queue state.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTickTotal uint64 `json:"drop_tick_total"`
	DropDumpTotal uint64 `json:"drop_dump_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			unix_ms INTEGER NOT NULL,
			duration_us INTEGER NOT NULL,
			results INTEGER NOT NULL,
			child_changes INTEGER NOT NULL,
			requests INTEGER NOT NULL,
			violations INTEGER NOT NULL,
			capacity_errors INTEGER NOT NULL,
			flushed_nodes INTEGER NOT NULL,
			nodes INTEGER NOT NULL,
			free_nodes INTEGER NOT NULL,
			tracked INTEGER NOT NULL,
			pending_singles INTEGER NOT NULL,
			pending_children INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_violations ON ticks(violations, tick);`,
		`CREATE TABLE IF NOT EXISTS dumps (
			generation INTEGER PRIMARY KEY,
			tick INTEGER NOT NULL,
			path TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteTick queues one tick row.
func (s *SQLiteIndex) WriteTick(st runtime.TickStats) error {
	if s == nil {
		return nil
	}
	if !s.send(req{kind: reqTick, tick: st}) {
		s.dropTick.Add(1)
	}
	return nil
}

// RecordDump queues the location of a node buffer dump. Safe from any goroutine, also after Close.
func (s *SQLiteIndex) RecordDump(generation, tick uint64, path string) {
	if s == nil {
		return
	}
	r := dumpRow{Generation: generation, Tick: tick, Path: path, RecordedAt: time.Now().UTC().Format(time.RFC3339)}
	if !s.send(req{kind: reqDump, dump: r}) {
		s.dropDump.Add(1)
	}
}

// send queues r without blocking. It reports false when the queue is full or closed.
func (s *SQLiteIndex) send(r req) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

// SetMeta writes a key synchronously.
func (s *SQLiteIndex) SetMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, key, value)
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTickTotal: s.dropTick.Load(),
		DropDumpTotal: s.dropDump.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,unix_ms,duration_us,results,child_changes,requests,violations,capacity_errors,flushed_nodes,nodes,free_nodes,tracked,pending_singles,pending_children,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertDump, _ := s.db.Prepare(`INSERT OR REPLACE INTO dumps(generation,tick,path,recorded_at) VALUES(?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertDump != nil {
			_ = insertDump.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 512
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(
					int64(t.Tick),
					t.UnixMS,
					t.DurationMicros,
					t.Results,
					t.ChildChanges,
					t.Requests,
					t.Violations,
					t.CapacityErrors,
					t.Flush.Nodes,
					t.Manager.Nodes,
					t.Manager.FreeNodes,
					t.Manager.Tracked,
					t.Manager.PendingSingles,
					t.Manager.PendingChildren,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqDump:
			d := r.dump
			if insertDump != nil {
				if _, err := tx.Stmt(insertDump).Exec(int64(d.Generation), int64(d.Tick), d.Path, d.RecordedAt); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
