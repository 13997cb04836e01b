package coords

import (
	"database/sql"
	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	hosterr "github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is a Store backed by a SQLite database in WAL mode.
type SQLite struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, hosterr.StoreError(hosterr.ErrStoreOpen, -1, errors.Wrapf(err, "open %s", path))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, hosterr.StoreError(hosterr.ErrStoreOpen, -1, errors.Wrapf(err, "connect %s", path))
	}
	// One writer; a second connection would also see a different :memory: database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		schemaSQL,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, hosterr.StoreError(hosterr.ErrStoreOpen, -1, errors.Wrapf(err, "exec %q", stmt))
		}
	}
	return &SQLite{db: db, logger: log.GetLogger("coords")}, nil
}

func (s *SQLite) Read(slot int) (Vector, error) {
	if err := checkSlot(slot); err != nil {
		return Vector{}, err
	}
	var (
		v   Vector
		sum int64
	)
	err := s.db.QueryRow("SELECT x, y, checksum FROM coord_data WHERE slot = ?", slot).Scan(&v[0], &v[1], &sum)
	if err == sql.ErrNoRows {
		return Vector{}, nil
	}
	if err != nil {
		return Vector{}, hosterr.StoreError(hosterr.ErrStoreRead, slot, errors.Wrapf(err, "read slot %d", slot))
	}
	if uint8(sum) != Checksum(v) || sum < 0 || sum > 0xFF {
		s.logger.WithField("slot", slot).Error("coordinate record failed checksum")
		return Vector{}, hosterr.StoreError(hosterr.ErrStoreCorrupt, slot, ErrCorrupt)
	}
	return v, nil
}

func (s *SQLite) Write(slot int, v Vector) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	_, err := s.db.Exec(
		"INSERT INTO coord_data (slot, x, y, checksum) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(slot) DO UPDATE SET x = excluded.x, y = excluded.y, checksum = excluded.checksum",
		slot, v[0], v[1], int64(Checksum(v)))
	if err != nil {
		return hosterr.StoreError(hosterr.ErrStoreWrite, slot, errors.Wrapf(err, "write slot %d", slot))
	}
	return nil
}

// Reset deletes every stored slot.
func (s *SQLite) Reset() error {
	if _, err := s.db.Exec("DELETE FROM coord_data"); err != nil {
		return hosterr.StoreError(hosterr.ErrStoreWrite, -1, errors.Wrap(err, "reset"))
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open picks the store for path: the memory store for "" and ":memory:",
// SQLite otherwise.
func Open(path string) (Store, error) {
	if path == "" || path == ":memory:" {
		return NewMemory(), nil
	}
	return OpenSQLite(path)
}
