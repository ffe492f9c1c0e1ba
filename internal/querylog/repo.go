package querylog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shunt-proxy/shunt/internal/logging"
)

// Row is one persisted DNS decision.
type Row struct {
	ID       string `json:"id"`
	TsNs     int64  `json:"ts_ns"`
	Name     string `json:"name"`
	Qtype    string `json:"qtype"`
	Decision string `json:"decision"`
}

// ListFilter narrows a List query.
type ListFilter struct {
	Name     string
	Decision string
	Before   int64
	After    int64
	Limit    int
	Offset   int
}

// Repo manages rolling SQLite databases under one directory. The
// active database rotates once it outgrows maxBytes; only retainCount
// files are kept.
type Repo struct {
	dir         string
	maxBytes    int64
	retainCount int
	log         *logrus.Entry

	activeDB   *sql.DB
	activePath string
}

// NewRepo builds a Repo rooted at dir.
func NewRepo(dir string, maxBytes int64, retainCount int) *Repo {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024 * 1024
	}
	if retainCount <= 0 {
		retainCount = 5
	}
	return &Repo{
		dir:         dir,
		maxBytes:    maxBytes,
		retainCount: retainCount,
		log:         logging.Component("querylog"),
	}
}

// Open reuses the most recent database in the directory, creating a
// fresh one only when none exists.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("querylog mkdir %s: %w", r.dir, err)
	}
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	if len(files) > 0 {
		if err := r.openDB(files[len(files)-1]); err != nil {
			return err
		}
		return r.cleanup()
	}
	return r.rotateDB()
}

// Close closes the active database.
func (r *Repo) Close() error {
	if r.activeDB == nil {
		return nil
	}
	err := r.activeDB.Close()
	r.activeDB = nil
	r.activePath = ""
	return err
}

// InsertBatch writes a batch in one transaction, rotating first if the
// active database outgrew its size bound. Individual row failures are
// skipped.
func (r *Repo) InsertBatch(rows []Row) (int, error) {
	if r.activeDB == nil {
		return 0, fmt.Errorf("querylog: no active db")
	}
	if err := r.maybeRotate(); err != nil {
		return 0, fmt.Errorf("querylog rotate: %w", err)
	}

	tx, err := r.activeDB.Begin()
	if err != nil {
		return 0, fmt.Errorf("querylog begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO query_logs (id, ts_ns, name, qtype, decision) VALUES (?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("querylog prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range rows {
		row := &rows[i]
		if _, err := stmt.Exec(row.ID, row.TsNs, row.Name, row.Qtype, row.Decision); err != nil {
			r.log.WithError(err).WithField("id", row.ID).Warn("skip row insert")
			continue
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("querylog commit: %w", err)
	}
	return inserted, nil
}

// List returns matching rows across every retained database, newest
// first with the id as tiebreak.
func (r *Repo) List(f ListFilter) ([]Row, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 10000 {
		limit = 10000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var results []Row
	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			r.log.WithError(err).WithField("path", files[i]).Warn("list open failed")
			continue
		}
		rows, err := queryRows(db, f, limit+offset)
		_ = db.Close()
		if err != nil {
			r.log.WithError(err).WithField("path", files[i]).Warn("list query failed")
			continue
		}
		results = append(results, rows...)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].TsNs != results[j].TsNs {
			return results[i].TsNs > results[j].TsNs
		}
		return results[i].ID < results[j].ID
	})
	if offset >= len(results) {
		return nil, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (r *Repo) openDB(path string) error {
	db, err := OpenDB(path)
	if err != nil {
		return err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return err
	}
	r.activeDB = db
	r.activePath = path
	return nil
}

func (r *Repo) rotateDB() error {
	if r.activeDB != nil {
		_ = r.activeDB.Close()
		r.activeDB = nil
	}
	path := filepath.Join(r.dir, fmt.Sprintf("query_logs-%d.db", time.Now().UnixMilli()))
	if err := r.openDB(path); err != nil {
		return err
	}
	return r.cleanup()
}

func (r *Repo) maybeRotate() error {
	if r.activePath == "" {
		return r.rotateDB()
	}
	size, err := sqliteFilesSize(r.activePath)
	if err != nil {
		r.log.WithError(err).WithField("path", r.activePath).Warn("stat active db failed")
		return nil
	}
	if size >= r.maxBytes {
		return r.rotateDB()
	}
	return nil
}

func (r *Repo) cleanup() error {
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	if len(files) <= r.retainCount {
		return nil
	}
	for _, f := range files[:len(files)-r.retainCount] {
		_ = os.Remove(f)
		_ = os.Remove(f + "-wal")
		_ = os.Remove(f + "-shm")
	}
	return nil
}

func (r *Repo) listDBFiles() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("querylog list dir %s: %w", r.dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "query_logs-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (r *Repo) openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func queryRows(db *sql.DB, f ListFilter, limit int) ([]Row, error) {
	var where []string
	var args []any
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, f.Decision)
	}
	if f.Before > 0 {
		where = append(where, "ts_ns < ?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		where = append(where, "ts_ns > ?")
		args = append(args, f.After)
	}

	q := "SELECT id, ts_ns, name, qtype, decision FROM query_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_ns DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.ID, &row.TsNs, &row.Name, &row.Qtype, &row.Decision); err != nil {
			continue
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func sqliteFilesSize(basePath string) (int64, error) {
	var total int64
	for _, p := range []string{basePath, basePath + "-wal", basePath + "-shm"} {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
