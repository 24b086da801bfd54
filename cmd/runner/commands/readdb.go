/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: readdb.go
Description: The read-db command. Prints the progress counters, the screen universe and the
actual histogram of pulled or archived event stores.
*/

package commands

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/kleascm/akaylee-telemetry-runner/pkg/eventstore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ReadDB prints a report for every store path argument
func ReadDB(cmd *cobra.Command, args []string) error {
	if err := LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	ctx := context.Background()
	out := cmd.OutOrStdout()
	for _, path := range args {
		if err := printStore(ctx, out, path, viper.GetInt("read_db.hits")); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func printStore(ctx context.Context, out io.Writer, path string, hits int) error {
	store, err := eventstore.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := store.Summary(ctx)
	if err != nil {
		return err
	}
	names, err := store.ScreenNames(ctx)
	if err != nil {
		return err
	}
	hist, err := store.ActualHistogram(ctx)
	if err != nil {
		return err
	}
	randomTotals, err := store.TotalRandomViews(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "== %s ==\n", path)
	fmt.Fprintf(out, "Total events:     %d\n", summary.TotalEvents)
	fmt.Fprintf(out, "Distinct screens: %d\n", summary.DistinctScreens)
	fmt.Fprintf(out, "Screen universe:  %d\n", len(names))
	users := make([]string, 0, len(randomTotals))
	for user := range randomTotals {
		users = append(users, user)
	}
	sort.Strings(users)
	for _, user := range users {
		epsilons := make([]string, 0, len(randomTotals[user]))
		for epsilon := range randomTotals[user] {
			epsilons = append(epsilons, epsilon)
		}
		sort.Strings(epsilons)
		for _, epsilon := range epsilons {
			fmt.Fprintf(out, "Random views:     %d (%s, %s)\n", randomTotals[user][epsilon], user, epsilon)
		}
	}

	screens := make([]string, 0, len(hist))
	for name := range hist {
		screens = append(screens, name)
	}
	sort.Slice(screens, func(i, j int) bool {
		if hist[screens[i]] == hist[screens[j]] {
			return screens[i] < screens[j]
		}
		return hist[screens[i]] > hist[screens[j]]
	})
	for _, name := range screens {
		fmt.Fprintf(out, "  %6d  %s\n", hist[name], name)
	}

	if hits > 0 {
		rows, err := store.Hits(ctx, hits)
		if err != nil {
			return err
		}
		for i, hit := range rows {
			fmt.Fprintf(out, "hit %d: %v\n", i, hit)
		}
	}
	return nil
}
