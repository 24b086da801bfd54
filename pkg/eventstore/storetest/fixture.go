/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: fixture.go
Description: Builds event store files with the app's schema for tests.
*/

package storetest

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Fixture describes the content of a store file
type Fixture struct {
	Total           int64
	RandomTotal     map[string]map[string]int64
	Histogram       map[string]int64
	RandomHistogram map[string]map[string]map[string]int64
	Hits            []map[string]any
	Names           []string
	// NoStats leaves the stats table empty
	NoStats bool
}

// schema mirrors the tables the instrumented app creates on first open
const schema = `
CREATE TABLE IF NOT EXISTS hits ( 'hit_id' INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL, 'hit_map' TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS random_hits ( 'hit_id' INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL, 'hit_map' TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS stats ( 'actual_histogram' TEXT NOT NULL,'random_histogram' TEXT NOT NULL,'total_actual_views' INTEGER NOT NULL,'total_random_views' TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS screen_names ( 'name' TEXT NOT NULL);
`

// Screens returns one hit per screen name
func Screens(names ...string) []map[string]any {
	hits := make([]map[string]any, 0, len(names))
	for _, name := range names {
		hits = append(hits, map[string]any{"&t": "screenview", "&cd": name})
	}
	return hits
}

// Create writes a new store file at path
func Create(path string, f Fixture) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	for _, hit := range f.Hits {
		raw, err := json.Marshal(hit)
		if err != nil {
			return err
		}
		if _, err := db.Exec("INSERT INTO hits (hit_map) VALUES (?)", string(raw)); err != nil {
			return err
		}
	}
	for _, name := range f.Names {
		if _, err := db.Exec("INSERT INTO screen_names (name) VALUES (?)", name); err != nil {
			return err
		}
	}
	if f.NoStats {
		return nil
	}

	hist := f.Histogram
	if hist == nil {
		hist = map[string]int64{}
	}
	random := f.RandomHistogram
	if random == nil {
		random = map[string]map[string]map[string]int64{}
	}
	randomTotal := f.RandomTotal
	if randomTotal == nil {
		randomTotal = map[string]map[string]int64{}
	}
	rawHist, err := json.Marshal(hist)
	if err != nil {
		return err
	}
	rawRandom, err := json.Marshal(random)
	if err != nil {
		return err
	}
	rawRandomTotal, err := json.Marshal(randomTotal)
	if err != nil {
		return err
	}
	_, err = db.Exec("INSERT INTO stats (actual_histogram, random_histogram, total_actual_views, total_random_views) VALUES (?, ?, ?, ?)",
		string(rawHist), string(rawRandom), f.Total, string(rawRandomTotal))
	return err
}
