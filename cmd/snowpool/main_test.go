package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/snowpool/internal/loadgen"
	"github.com/ajitpratap0/snowpool/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "snowpool v"+version)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snowpool.yaml")

	out, err := execute(t, "config", "init", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadManagerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultManagerConfig().DefaultPool, cfg.DefaultPool)

	_, err = execute(t, "config", "init", "--output", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "config", "init", "--output", path, "--force")
	require.NoError(t, err)
}

func TestBenchCommand(t *testing.T) {
	for _, strategy := range []string{"multi_pool", "single_shared_pool"} {
		t.Run(strategy, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "report.json")

			_, err := execute(t, "bench",
				"--log-level", "error",
				"--strategy", strategy,
				"--operations", "50",
				"--workers", "4",
				"--identities", "2",
				"--max-size", "2",
				"--hold", "0s",
				"--output", path)
			require.NoError(t, err)

			data, err := os.ReadFile(path)
			require.NoError(t, err)

			var report loadgen.Report
			require.NoError(t, json.Unmarshal(data, &report))
			assert.Equal(t, strategy, report.Version)
			assert.Equal(t, int64(50), report.Borrowed)
			assert.Zero(t, report.Errors)
		})
	}
}

func TestBenchRejectsUnknownStrategy(t *testing.T) {
	_, err := execute(t, "bench", "--log-level", "error", "--strategy", "bogus", "--operations", "1")
	require.Error(t, err)
}

func TestProbeRequiresIdentity(t *testing.T) {
	_, err := execute(t, "probe", "--log-level", "error", "--env-prefix", "SNOWPOOL_PROBE_UNSET")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SNOWPOOL_PROBE_UNSET")
}
