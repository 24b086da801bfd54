/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: readdb_test.go
Description: Tests for the read-db report.
*/

package commands_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/kleascm/akaylee-telemetry-runner/cmd/runner/commands"
	"github.com/kleascm/akaylee-telemetry-runner/pkg/eventstore/storetest"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReadDB tests the printed counters of a pulled store
func TestReadDB(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	path := filepath.Join(t.TempDir(), "app_0_emulator-5554.random.db")
	require.NoError(t, storetest.Create(path, storetest.Fixture{
		Total:       4,
		Hits:        storetest.Screens("Main", "Settings", "Main", "About"),
		Histogram:   map[string]int64{"Main": 2, "Settings": 1, "About": 1},
		RandomTotal: map[string]map[string]int64{"u-1": {"e-0.5": 3}},
		Names:       []string{"Main", "Settings", "About", "Help"},
	}))

	cmd := &cobra.Command{}
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	require.NoError(t, commands.ReadDB(cmd, []string{path}))

	report := out.String()
	assert.Contains(t, report, "Total events:     4\n")
	assert.Contains(t, report, "Distinct screens: 3\n")
	assert.Contains(t, report, "Screen universe:  4\n")
	assert.Contains(t, report, "Random views:     3 (u-1, e-0.5)\n")
	assert.Contains(t, report, "       2  Main\n")
}
