// Package store implements the State Store: the single-writer,
// multi-reader SQLite-backed record of every GVM and its reserved ports.
package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nyxlabs/gvmd/internal/gvm"
	"github.com/nyxlabs/gvmd/internal/gvmerr"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding GVM records and the port registry.
// All methods serialize through mu, per SPEC_FULL.md section 4.1 ("model
// the State Store as a single owner... that serializes internally; do not
// leak the lock to callers").
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, gvmerr.Wrap(gvmerr.StorageError, err, "create db directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, gvmerr.Wrap(gvmerr.StorageError, err, "open database")
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, gvmerr.Wrap(gvmerr.StorageError, err, "set pragma %q", pragma)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS gvms (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL UNIQUE,
			status              TEXT NOT NULL,
			config_json         TEXT NOT NULL,
			process_pid         INTEGER NOT NULL DEFAULT 0,
			control_socket_path TEXT NOT NULL DEFAULT '',
			serial_log_path     TEXT NOT NULL DEFAULT '',
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ports (
			port   INTEGER PRIMARY KEY,
			gvm_id TEXT NOT NULL REFERENCES gvms(id) ON DELETE CASCADE,
			kind   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ports_gvm_id ON ports(gvm_id);
	`)
	if err != nil {
		return gvmerr.Wrap(gvmerr.StorageError, err, "migrate schema")
	}
	return nil
}

// Save inserts or updates r, stamping UpdatedAt. If r.ID is empty a fresh
// UUID is assigned (used only on first save of a newly created record).
func (s *Store) Save(r *gvm.Record, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	statusJSON, err := json.Marshal(r.Status)
	if err != nil {
		return gvmerr.Wrap(gvmerr.Internal, err, "marshal status")
	}
	configJSON, err := json.Marshal(r.Config)
	if err != nil {
		return gvmerr.Wrap(gvmerr.Internal, err, "marshal config")
	}

	_, err = s.db.Exec(`
		INSERT INTO gvms (id, name, status, config_json, process_pid, control_socket_path, serial_log_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			config_json = excluded.config_json,
			process_pid = excluded.process_pid,
			control_socket_path = excluded.control_socket_path,
			serial_log_path = excluded.serial_log_path,
			updated_at = excluded.updated_at
	`, r.ID, r.Name, string(statusJSON), string(configJSON), r.ProcessPID,
		r.ControlSocketPath, r.SerialLogPath, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return gvmerr.Wrap(gvmerr.AlreadyExists, err, "gvm name %q already exists", r.Name)
		}
		return gvmerr.Wrap(gvmerr.StorageError, err, "save gvm %q", r.Name)
	}
	return nil
}

// GetByName returns the record named name, or NotFound.
func (s *Store) GetByName(name string) (*gvm.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT id, name, status, config_json, process_pid, control_socket_path, serial_log_path, created_at, updated_at FROM gvms WHERE name = ?`, name)
	return scanRecord(row)
}

// GetByID returns the record with the given id, or NotFound.
func (s *Store) GetByID(id string) (*gvm.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT id, name, status, config_json, process_pid, control_socket_path, serial_log_path, created_at, updated_at FROM gvms WHERE id = ?`, id)
	return scanRecord(row)
}

// ExistsByName reports whether a record named name exists.
func (s *Store) ExistsByName(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM gvms WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, gvmerr.Wrap(gvmerr.StorageError, err, "check existence of %q", name)
	}
	return n > 0, nil
}

// List returns every record ordered by descending CreatedAt.
func (s *Store) List() ([]*gvm.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, name, status, config_json, process_pid, control_socket_path, serial_log_path, created_at, updated_at FROM gvms ORDER BY created_at DESC`)
	if err != nil {
		return nil, gvmerr.Wrap(gvmerr.StorageError, err, "list gvms")
	}
	defer rows.Close()

	var out []*gvm.Record
	for rows.Next() {
		r, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, gvmerr.Wrap(gvmerr.StorageError, err, "list gvms")
	}
	return out, nil
}

// DeleteByName deletes the record named name, cascading its port
// reservations. NotFound if no such record exists.
func (s *Store) DeleteByName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM gvms WHERE name = ?`, name)
	if err != nil {
		return gvmerr.Wrap(gvmerr.StorageError, err, "delete gvm %q", name)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return gvmerr.New(gvmerr.NotFound, "gvm %q not found", name)
	}
	return nil
}

// ReservePort allocates the lowest free port at or above base for gvmID
// and persists the reservation. The allocation and the insert happen under
// the same lock so two concurrent creates cannot observe the same free
// port.
func (s *Store) ReservePort(gvmID string, base int, kind string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := map[int]bool{}
	rows, err := s.db.Query(`SELECT port FROM ports WHERE port >= ?`, base)
	if err != nil {
		return 0, gvmerr.Wrap(gvmerr.StorageError, err, "query reserved ports")
	}
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, gvmerr.Wrap(gvmerr.StorageError, err, "scan reserved port")
		}
		used[p] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, gvmerr.Wrap(gvmerr.StorageError, err, "query reserved ports")
	}

	port := lowestFreePort(base, used)

	if _, err := s.db.Exec(`INSERT INTO ports (port, gvm_id, kind) VALUES (?, ?, ?)`, port, gvmID, kind); err != nil {
		return 0, gvmerr.Wrap(gvmerr.StorageError, err, "reserve port %d", port)
	}
	return port, nil
}

// lowestFreePort is the minimal port-allocation policy this daemon
// commits to (see SPEC_FULL.md section 1 and DESIGN.md's Open Question
// decision on port allocation). It returns the smallest integer >= base
// not present in used.
func lowestFreePort(base int, used map[int]bool) int {
	for p := base; ; p++ {
		if !used[p] {
			return p
		}
	}
}

// ListReservedPorts returns every reservation for gvmID.
func (s *Store) ListReservedPorts(gvmID string) ([]gvm.PortReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT port, gvm_id, kind FROM ports WHERE gvm_id = ?`, gvmID)
	if err != nil {
		return nil, gvmerr.Wrap(gvmerr.StorageError, err, "list reserved ports for %q", gvmID)
	}
	defer rows.Close()

	var out []gvm.PortReservation
	for rows.Next() {
		var p gvm.PortReservation
		if err := rows.Scan(&p.Port, &p.GVMID, &p.Kind); err != nil {
			return nil, gvmerr.Wrap(gvmerr.StorageError, err, "scan port reservation")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*gvm.Record, error) {
	return scanInto(row)
}

func scanRecordRow(rows *sql.Rows) (*gvm.Record, error) {
	return scanInto(rows)
}

func scanInto(sc scanner) (*gvm.Record, error) {
	var r gvm.Record
	var statusJSON, configJSON string
	err := sc.Scan(&r.ID, &r.Name, &statusJSON, &configJSON, &r.ProcessPID,
		&r.ControlSocketPath, &r.SerialLogPath, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gvmerr.New(gvmerr.NotFound, "gvm not found")
		}
		return nil, gvmerr.Wrap(gvmerr.StorageError, err, "scan gvm row")
	}
	if err := json.Unmarshal([]byte(statusJSON), &r.Status); err != nil {
		return nil, gvmerr.Wrap(gvmerr.Internal, err, "unmarshal status")
	}
	if err := json.Unmarshal([]byte(configJSON), &r.Config); err != nil {
		return nil, gvmerr.Wrap(gvmerr.Internal, err, "unmarshal config")
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations with this
	// substring in the error text; there is no typed sentinel exported
	// for SQLITE_CONSTRAINT_UNIQUE in the driver's public API.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed")
}
