package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/signalsfoundry/lorae-collision-simulator/internal/config"
	"github.com/signalsfoundry/lorae-collision-simulator/internal/store"
)

const testConfig = `
devices:
  total: 10
  lorae: 4
duration_ms: 30000
resolution_ms: 10
interval: 3000
time:
  mode: uniform
  jitter_ms: 500
hopping:
  algorithm: circular
  channels: 35
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func parseTuple(t *testing.T, out string) [4]float64 {
	t.Helper()
	fields := strings.Fields(out)
	if len(fields) != 4 {
		t.Fatalf("output %q does not hold four figures", out)
	}
	var tuple [4]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			t.Fatalf("figure %d (%q): %v", i, f, err)
		}
		tuple[i] = v
	}
	return tuple
}

func TestRunPrintsTupleAndStoresRun(t *testing.T) {
	t.Setenv("SIM_TRACING_ENABLED", "false")
	path := writeConfig(t)
	dbPath := filepath.Join(t.TempDir(), "runs.db")

	var out bytes.Buffer
	if err := run(context.Background(), []string{"-c", path, "--seed", "7", "--store", dbPath, "--log-level", "error"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	tuple := parseTuple(t, out.String())
	if tuple[1] == 0 || tuple[3] == 0 {
		t.Fatalf("no traffic generated: %v", tuple)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()
	ids, err := db.ListRuns(context.Background())
	if err != nil || len(ids) != 1 {
		t.Fatalf("ListRuns = %v, %v; want one run", ids, err)
	}
	saved, err := db.LoadRun(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if saved.Seed != 7 || len(saved.Outcomes) != 10 {
		t.Fatalf("stored run = seed %d with %d outcomes", saved.Seed, len(saved.Outcomes))
	}
	// the printed tuple is rounded to six decimals
	for i, v := range saved.Summary.Tuple() {
		if d := v - tuple[i]; d > 1e-6 || d < -1e-6 {
			t.Fatalf("stored figure %d = %v, printed %v", i, v, tuple[i])
		}
	}

	// the stored config replays the run
	cfg, err := config.Parse([]byte(saved.Config))
	if err != nil {
		t.Fatalf("stored config does not parse: %v", err)
	}
	if cfg.Seed == nil || *cfg.Seed != 7 || cfg.Devices.Total != 10 {
		t.Fatalf("stored config = %+v", cfg)
	}
}

func TestRunIsReproducibleWithSeed(t *testing.T) {
	path := writeConfig(t)
	var first, second bytes.Buffer
	args := []string{"--config", path, "-s", "42", "--log-level", "error"}
	if err := run(context.Background(), args, &first); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := run(context.Background(), args, &second); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.String() != second.String() {
		t.Fatalf("seeded runs differ: %q vs %q", first.String(), second.String())
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--no-such-flag"}, &out); err == nil {
		t.Fatalf("unknown flag accepted")
	}
	if err := run(context.Background(), []string{"-c", filepath.Join(t.TempDir(), "missing.yaml")}, &out); err == nil {
		t.Fatalf("missing config accepted")
	}
	if out.Len() != 0 {
		t.Fatalf("failed runs printed %q", out.String())
	}
}

func TestResolveSeed(t *testing.T) {
	cfg := config.Defaults()
	seven := uint64(7)

	if got := resolveSeed(options{seed: 0, seedSet: true}, cfg); got != 0 {
		t.Fatalf("explicit zero seed = %d", got)
	}
	cfg.Seed = &seven
	if got := resolveSeed(options{}, cfg); got != 7 {
		t.Fatalf("config seed = %d, want 7", got)
	}
	if got := resolveSeed(options{seed: 9, seedSet: true}, cfg); got != 9 {
		t.Fatalf("flag seed = %d, want 9 over the config", got)
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	o, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if o.job != "lorae_simulator" || o.seedSet || o.configPath != "" {
		t.Fatalf("defaults = %+v", o)
	}
}
