// Package db is the run ledger: a SQLite store that keeps one row per
// pipeline computation attempt, successful or not, plus the region
// size distribution of successful runs. The ledger is append-only from
// the service's point of view; rows are never updated in place.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
}

// OpenDB opens the SQLite database at path without touching the
// schema. Migration tooling uses this so golang-migrate stays the sole
// owner of schema changes.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// NewDB opens the SQLite database at path and creates the baseline
// schema if it is missing. Migration 1 carries the same statements, so
// a database initialized here and one migrated from scratch agree.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id                TEXT PRIMARY KEY,
			input_version     TEXT NOT NULL,
			shape             TEXT NOT NULL,
			sigma             DOUBLE NOT NULL,
			filter            TEXT NOT NULL,
			agglomerate       INTEGER NOT NULL,
			size_regularizer  DOUBLE NOT NULL,
			reduce_to         DOUBLE NOT NULL,
			started_unix_ns   BIGINT NOT NULL,
			finished_unix_ns  BIGINT NOT NULL,
			filter_ns         BIGINT NOT NULL,
			normalize_ns      BIGINT NOT NULL,
			watershed_ns      BIGINT NOT NULL,
			graph_ns          BIGINT NOT NULL,
			regions_initial   BIGINT NOT NULL,
			regions_final     BIGINT NOT NULL,
			edge_count        BIGINT NOT NULL,
			outcome           TEXT NOT NULL,
			error_message     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS runs_started ON runs (started_unix_ns DESC);
		CREATE TABLE IF NOT EXISTS region_sizes (
			run_id            TEXT NOT NULL,
			region            BIGINT NOT NULL,
			size              BIGINT NOT NULL,
			PRIMARY KEY (run_id, region),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// AttachAdminRoutes mounts the tsweb debug surface on mux: a tailsql
// console over the run ledger and an on-demand database backup.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://carve.db", db.DB, &tailsql.DBOptions{
		Label: "Carve run ledger",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now",
		http.HandlerFunc(db.serveBackup))
}

// serveBackup snapshots the ledger with VACUUM INTO and streams the
// snapshot gzip-compressed. The on-disk snapshot is temporary and
// removed once the response is written.
func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := fmt.Sprintf("carve-backup-%d.db", time.Now().Unix())
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("backup failed: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			log.Printf("failed to remove %s: %v", backupPath, err)
		}
	}()

	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("backup unreadable: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	zw := gzip.NewWriter(w)
	defer zw.Close()
	if _, err := io.Copy(zw, f); err != nil {
		// Headers are out; all we can do is log the broken stream.
		log.Printf("backup download aborted: %v", err)
	}
}
