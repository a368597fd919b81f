package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/lorae-collision-simulator/core"
	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndLoadRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	outcomes := []core.DeviceOutcome{
		{ID: 0, Modulation: model.CSS, DataRate: 5, Sent: 10, Lost: 3, Collided: 4},
		{ID: 1, Modulation: model.FHSS, DataRate: 8, Sent: 9, Lost: 1, Collided: 2},
	}
	run := Run{
		ID:        "run-1",
		Seed:      math.MaxUint64,
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Config:    "devices:\n  total: 2\n",
		Summary:   core.Summarise(outcomes),
		Outcomes:  outcomes,
	}
	require.NoError(t, db.SaveRun(ctx, run))

	got, err := db.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(run, got); diff != "" {
		t.Fatalf("LoadRun mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveRunIsAtomic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	dup := []core.DeviceOutcome{{ID: 0}, {ID: 0}}
	if err := db.SaveRun(ctx, Run{ID: "broken", StartedAt: time.Now(), Outcomes: dup}); err == nil {
		t.Fatalf("SaveRun with duplicate device IDs succeeded")
	}
	if _, err := db.LoadRun(ctx, "broken"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("LoadRun after failed save err = %v, want ErrRunNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new", "mid"} {
		offset := map[string]time.Duration{"old": 0, "mid": time.Hour, "new": 2 * time.Hour}[id]
		require.NoError(t, db.SaveRun(ctx, Run{ID: id, Seed: uint64(i), StartedAt: base.Add(offset)}))
	}

	ids, err := db.ListRuns(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"new", "mid", "old"}, ids); diff != "" {
		t.Fatalf("ListRuns (-want +got):\n%s", diff)
	}
}

func TestLoadRunNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.LoadRun(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}
