// Package report persists a run's metadata and per-depth removal stats
// to a SQLite database when --report is given. Rank 0 is the only
// writer; the report is purely observational and failures never affect
// the removal itself.
package report

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const runMetaTableDDL = `
CREATE TABLE IF NOT EXISTS run_meta (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    root_path TEXT NOT NULL,
    mode TEXT NOT NULL,
    strategy TEXT NOT NULL,
    ranks INTEGER NOT NULL,
    start_time INTEGER NOT NULL,
    end_time INTEGER,
    total_items INTEGER DEFAULT 0
);
`

const depthStatsTableDDL = `
CREATE TABLE IF NOT EXISTS depth_stats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    level INTEGER NOT NULL,
    min_count INTEGER NOT NULL,
    max_count INTEGER NOT NULL,
    sum_count INTEGER NOT NULL,
    rate REAL NOT NULL,
    seconds REAL NOT NULL
);
`

const insertRunMetaSQL = `INSERT OR REPLACE INTO run_meta (id, root_path, mode, strategy, ranks, start_time) VALUES (1, ?, ?, ?, ?, ?)`
const insertDepthSQL = `INSERT INTO depth_stats (level, min_count, max_count, sum_count, rate, seconds) VALUES (?, ?, ?, ?, ?, ?)`
const finishRunSQL = `UPDATE run_meta SET end_time = ?, total_items = ? WHERE id = 1`

// Writer records one run into a report database.
type Writer struct {
	db        *sql.DB
	depthStmt *sql.Stmt
}

// Open creates (or opens) the report database and initializes the
// schema.
func Open(path string) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open report database: %w", err)
	}
	for _, ddl := range []string{runMetaTableDDL, depthStatsTableDDL} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize report schema: %w", err)
		}
	}
	depthStmt, err := db.Prepare(insertDepthSQL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare depth statement: %w", err)
	}
	return &Writer{db: db, depthStmt: depthStmt}, nil
}

// Begin records the run metadata row.
func (w *Writer) Begin(root, mode, strategy string, ranks int, start time.Time) error {
	_, err := w.db.Exec(insertRunMetaSQL, root, mode, strategy, ranks, start.Unix())
	return err
}

// Depth records one level's removal stats.
func (w *Writer) Depth(level int, min, max, sum uint64, rate, seconds float64) error {
	_, err := w.depthStmt.Exec(level, min, max, sum, rate, seconds)
	return err
}

// Finish stamps the end time and the global item count.
func (w *Writer) Finish(end time.Time, totalItems uint64) error {
	_, err := w.db.Exec(finishRunSQL, end.Unix(), totalItems)
	return err
}

// Close releases the database handle.
func (w *Writer) Close() error {
	w.depthStmt.Close()
	return w.db.Close()
}
