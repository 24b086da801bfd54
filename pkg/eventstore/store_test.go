/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: store_test.go
Description: Tests for reading pulled event stores.
*/

package eventstore_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/eventstore"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/eventstore/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createStore(t *testing.T, f storetest.Fixture) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app_emulator-5554.db")
	require.NoError(t, storetest.Create(path, f))
	return path
}

// TestStoreSummary tests the progress counters
func TestStoreSummary(t *testing.T) {
	hits := storetest.Screens("Main", "Settings", "Main", "About")
	hits = append(hits, map[string]any{"&t": "event", "&ea": "click"})
	path := createStore(t, storetest.Fixture{Total: 5, Hits: hits})

	summary, err := eventstore.Reader{}.ReadSummary(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, &eventstore.Summary{TotalEvents: 5, DistinctScreens: 3}, summary)
}

// TestStoreHistograms tests the decoded stats columns
func TestStoreHistograms(t *testing.T) {
	random := map[string]map[string]map[string]int64{
		"user-0": {"ep2.0": {"Main": 3, "About": 1}},
		"user-1": {"ep2.0": {"Main": 2}, "ep0.5": {"Settings": 4}},
	}
	path := createStore(t, storetest.Fixture{
		Total:           7,
		RandomTotal:     map[string]map[string]int64{"user-0": {"ep2.0": 4}, "user-1": {"ep2.0": 2, "ep0.5": 4}},
		Histogram:       map[string]int64{"Main": 5, "About": 2},
		RandomHistogram: random,
		Names:           []string{"Main", "About", "Settings"},
	})
	ctx := context.Background()
	store, err := eventstore.Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, path, store.Path())

	hist, err := store.ActualHistogram(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Main": 5, "About": 2}, hist)

	got, err := store.RandomHistogram(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(random, got); diff != "" {
		t.Errorf("random histogram mismatch (-want +got):\n%s", diff)
	}

	totals, err := store.TotalRandomViews(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]int64{"user-0": {"ep2.0": 4}, "user-1": {"ep2.0": 2, "ep0.5": 4}}, totals)

	names, err := store.ScreenNames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Main", "About", "Settings"}, names)
}

// TestStoreAppRow tests a stats row written the way the app writes it
func TestStoreAppRow(t *testing.T) {
	path := createStore(t, storetest.Fixture{NoStats: true})
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO stats (actual_histogram, random_histogram, total_actual_views, total_random_views)
		VALUES ('{"Main":3}', '{"u-1":{"e-0.5":{"Main":3}}}', 3, '{"u-1":{"e-0.5":3}}')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx := context.Background()
	store, err := eventstore.Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	totals, err := store.TotalRandomViews(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]int64{"u-1": {"e-0.5": 3}}, totals)
	total, err := store.TotalActualViews(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	random, err := store.RandomHistogram(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), random["u-1"]["e-0.5"]["Main"])
}

// TestStoreHits tests hit ordering and limits
func TestStoreHits(t *testing.T) {
	path := createStore(t, storetest.Fixture{Total: 3, Hits: storetest.Screens("A", "B", "C")})
	ctx := context.Background()
	store, err := eventstore.Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	hits, err := store.Hits(ctx, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "A", hits[0]["&cd"])
	assert.Equal(t, "B", hits[1]["&cd"])

	hits, err = store.Hits(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

// TestStoreErrors tests missing files and stores without stats
func TestStoreErrors(t *testing.T) {
	ctx := context.Background()

	_, err := eventstore.Reader{}.ReadSummary(ctx, filepath.Join(t.TempDir(), "missing.db"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := createStore(t, storetest.Fixture{NoStats: true, Hits: storetest.Screens("Main")})
	_, err = eventstore.Reader{}.ReadSummary(ctx, path)
	assert.ErrorIs(t, err, eventstore.ErrNoStats)

	// Read-only: the file is untouched
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	_, _ = eventstore.Reader{}.ReadSummary(ctx, path)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
