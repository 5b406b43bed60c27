// Package annotstore provides interval storage for annotation tracks using SQLite.
package annotstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Feature is one annotated interval. Start is inclusive, End exclusive.
type Feature struct {
	ID     int64   `json:"id"`
	Contig string  `json:"contig"`
	Start  int64   `json:"start"`
	End    int64   `json:"end"`
	Name   string  `json:"name"`
	Strand string  `json:"strand,omitempty"`
	Score  float64 `json:"score"`
}

// Length returns End - Start.
func (f Feature) Length() int64 {
	return f.End - f.Start
}

// Store provides annotation queries backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the store at dbPath.
func Open(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS features (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contig TEXT NOT NULL,
		start_pos INTEGER NOT NULL,
		end_pos INTEGER NOT NULL,
		name TEXT DEFAULT '',
		strand TEXT DEFAULT '',
		score REAL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_features_contig_start ON features(contig, start_pos);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert adds features in a batch transaction. IDs are assigned by the store.
func (s *Store) Insert(ctx context.Context, features []Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO features (contig, start_pos, end_pos, name, strand, score)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range features {
		if f.End < f.Start {
			return fmt.Errorf("feature %q on %s: end %d before start %d", f.Name, f.Contig, f.End, f.Start)
		}
		if _, err := stmt.ExecContext(ctx, f.Contig, f.Start, f.End, f.Name, f.Strand, f.Score); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Overlapping returns features on contig intersecting [start, end) whose
// length is at least minLength, ordered by start. limit <= 0 means no limit.
func (s *Store) Overlapping(ctx context.Context, contig string, start, end, minLength int64, limit int) ([]Feature, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contig, start_pos, end_pos, name, strand, score
		FROM features
		WHERE contig = ? AND start_pos < ? AND end_pos > ? AND (end_pos - start_pos) >= ?
		ORDER BY start_pos, id
		LIMIT ?
	`, contig, end, start, minLength, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	features := []Feature{}
	for rows.Next() {
		var f Feature
		if err := rows.Scan(&f.ID, &f.Contig, &f.Start, &f.End, &f.Name, &f.Strand, &f.Score); err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// ContigLength returns the largest feature end on contig, or 0 when the
// contig has no features.
func (s *Store) ContigLength(ctx context.Context, contig string) (int64, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(end_pos) FROM features WHERE contig = ?", contig).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// Contigs returns the distinct contig names in the store.
func (s *Store) Contigs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT contig FROM features ORDER BY contig")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
