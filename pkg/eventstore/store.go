/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: store.go
Description: Read-only access to the app's pulled telemetry event store. The store is a SQLite
file carrying raw hits, a stats row with the actual and randomized histograms and the universe of
screen names. Only summary counters and hit rows are read; the file is never modified.
*/

package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"

	_ "modernc.org/sqlite"
)

// screenKey is the hit parameter that carries the screen name
const screenKey = "&cd"

// ErrNoStats means the stats table has no row yet
var ErrNoStats = errors.New("event store has no stats row")

// Summary is the progress view of one pulled store
type Summary struct {
	TotalEvents     int64
	DistinctScreens int
}

// Store is an open, read-only event store
type Store struct {
	path string
	db   *sql.DB
}

// Open opens the store at path read-only. The file must exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("event store %s: %w", path, err)
	}
	dsn := (&url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open event store %s: %w", path, err)
	}
	return &Store{path: path, db: db}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) statsColumn(ctx context.Context, column string, dest any) error {
	// column is always one of the fixed names below
	row := s.db.QueryRowContext(ctx, "SELECT "+column+" FROM stats")
	if err := row.Scan(dest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoStats
		}
		return fmt.Errorf("failed to read %s: %w", column, err)
	}
	return nil
}

// TotalActualViews is the number of hits recorded by the app
func (s *Store) TotalActualViews(ctx context.Context) (int64, error) {
	var total int64
	err := s.statsColumn(ctx, "total_actual_views", &total)
	return total, err
}

// TotalRandomViews maps user, then epsilon key, to the number of randomized reports
func (s *Store) TotalRandomViews(ctx context.Context) (map[string]map[string]int64, error) {
	var raw string
	if err := s.statsColumn(ctx, "total_random_views", &raw); err != nil {
		return nil, err
	}
	totals := map[string]map[string]int64{}
	if err := json.Unmarshal([]byte(raw), &totals); err != nil {
		return nil, fmt.Errorf("malformed total_random_views: %w", err)
	}
	return totals, nil
}

// ActualHistogram maps screen name to view count
func (s *Store) ActualHistogram(ctx context.Context) (map[string]int64, error) {
	var raw string
	if err := s.statsColumn(ctx, "actual_histogram", &raw); err != nil {
		return nil, err
	}
	hist := map[string]int64{}
	if err := json.Unmarshal([]byte(raw), &hist); err != nil {
		return nil, fmt.Errorf("malformed actual_histogram: %w", err)
	}
	return hist, nil
}

// RandomHistogram maps user, then epsilon key, then screen name to view count
func (s *Store) RandomHistogram(ctx context.Context) (map[string]map[string]map[string]int64, error) {
	var raw string
	if err := s.statsColumn(ctx, "random_histogram", &raw); err != nil {
		return nil, err
	}
	hist := map[string]map[string]map[string]int64{}
	if err := json.Unmarshal([]byte(raw), &hist); err != nil {
		return nil, fmt.Errorf("malformed random_histogram: %w", err)
	}
	return hist, nil
}

// Hits returns raw hit parameter maps in insertion order. limit <= 0 reads all.
func (s *Store) Hits(ctx context.Context, limit int) ([]map[string]any, error) {
	query := "SELECT hit_map FROM hits ORDER BY hit_id ASC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read hits: %w", err)
	}
	defer rows.Close()

	var hits []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hit := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &hit); err != nil {
			return nil, fmt.Errorf("malformed hit_map: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// DistinctScreens counts distinct screen names across all hits.
// Hits without a screen name are skipped.
func (s *Store) DistinctScreens(ctx context.Context) (int, error) {
	hits, err := s.Hits(ctx, 0)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{})
	for _, hit := range hits {
		name, ok := hit[screenKey]
		if !ok {
			continue
		}
		seen[fmt.Sprint(name)] = struct{}{}
	}
	return len(seen), nil
}

// ScreenNames lists the screen universe known to the app
func (s *Store) ScreenNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM screen_names")
	if err != nil {
		return nil, fmt.Errorf("failed to read screen names: %w", err)
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

// Summary reads the progress counters
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	screens, err := s.DistinctScreens(ctx)
	if err != nil {
		return nil, err
	}
	total, err := s.TotalActualViews(ctx)
	if err != nil {
		return nil, err
	}
	return &Summary{TotalEvents: total, DistinctScreens: screens}, nil
}

// Reader opens, reads and closes a store per call
type Reader struct{}

func (Reader) ReadSummary(ctx context.Context, path string) (*Summary, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Summary(ctx)
}
