// ABOUTME: Local sqlite broker backend: mappings and logs tables, WAL mode, single writer.
// ABOUTME: Supports backup, restore, CSV export, and retention cleanup of the lookup log.
package broker

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openimaging/dicomgate/config"
)

// Local is the embedded broker backend. Lookups that miss generate a new
// mapping, so the first sight of a patient mints their de-identified ID.
type Local struct {
	name   string
	prefix string
	db     *sql.DB
	path   string

	// Single writer; reads go through the same handle under WAL.
	mu sync.Mutex
}

var _ Broker = (*Local)(nil)

// OpenLocal opens or creates the broker database and runs migrations.
func OpenLocal(cfg config.Broker) (*Local, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open broker db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS mappings (
			broker TEXT NOT NULL,
			input_id TEXT NOT NULL,
			id_type TEXT NOT NULL,
			output_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (broker, input_id, id_type)
		);

		CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			broker TEXT NOT NULL,
			input_id TEXT NOT NULL,
			id_type TEXT NOT NULL,
			action TEXT NOT NULL,
			at TEXT NOT NULL
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create broker schema: %w", err)
	}

	return &Local{name: cfg.Name, prefix: cfg.Prefix, db: db, path: cfg.DBPath}, nil
}

// Close closes the database handle.
func (l *Local) Close() error {
	return l.db.Close()
}

// Lookup returns the stable output for an input, minting one on first sight.
func (l *Local) Lookup(ctx context.Context, inputID, idType string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out string
	err := l.db.QueryRowContext(ctx,
		"SELECT output_id FROM mappings WHERE broker = ? AND input_id = ? AND id_type = ?",
		l.name, inputID, idType).Scan(&out)
	now := time.Now().UTC().Format(time.RFC3339)
	switch {
	case err == nil:
		l.logAction(ctx, inputID, idType, "hit", now)
		return out, nil
	case err != sql.ErrNoRows:
		return "", fmt.Errorf("query mapping: %w", err)
	}

	out = l.prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO mappings (broker, input_id, id_type, output_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.name, inputID, idType, out, now, now); err != nil {
		return "", fmt.Errorf("insert mapping: %w", err)
	}
	l.logAction(ctx, inputID, idType, "create", now)
	return out, nil
}

// logAction appends a lookup log row. Log failures never fail the lookup.
func (l *Local) logAction(ctx context.Context, inputID, idType, action, at string) {
	_, _ = l.db.ExecContext(ctx,
		"INSERT INTO logs (broker, input_id, id_type, action, at) VALUES (?, ?, ?, ?, ?)",
		l.name, inputID, idType, action, at)
}

// Backup writes a consistent snapshot of the database to path.
func (l *Local) Backup(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear backup target: %w", err)
	}
	if _, err := l.db.Exec("VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("backup broker db: %w", err)
	}
	return nil
}

// Restore replaces all mappings with those from a backup file.
func (l *Local) Restore(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec("ATTACH DATABASE ? AS backup", path); err != nil {
		return fmt.Errorf("attach backup: %w", err)
	}
	defer l.db.Exec("DETACH DATABASE backup")

	if _, err := l.db.Exec("DELETE FROM mappings"); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	if _, err := l.db.Exec("INSERT INTO mappings SELECT * FROM backup.mappings"); err != nil {
		return fmt.Errorf("restore mappings: %w", err)
	}
	return nil
}

// ExportCSV streams all mappings as CSV with a header row.
func (l *Local) ExportCSV(w io.Writer) error {
	rows, err := l.db.Query(
		"SELECT broker, input_id, id_type, output_id, created_at, updated_at FROM mappings ORDER BY created_at")
	if err != nil {
		return fmt.Errorf("query mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"broker", "input_id", "id_type", "output_id", "created_at", "updated_at"}); err != nil {
		return err
	}
	for rows.Next() {
		rec := make([]string, 6)
		ptrs := make([]any, 6)
		for i := range rec {
			ptrs[i] = &rec[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan mapping row: %w", err)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return rows.Err()
}

// CleanupLogs deletes log rows older than the cutoff.
func (l *Local) CleanupLogs(before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.Exec("DELETE FROM logs WHERE at < ?", before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("cleanup logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MappingCount returns the number of stored mappings.
func (l *Local) MappingCount() (int64, error) {
	var n int64
	if err := l.db.QueryRow("SELECT COUNT(*) FROM mappings").Scan(&n); err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return n, nil
}
