// Package store persists run results to SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/lorae-collision-simulator/core"
	"github.com/signalsfoundry/lorae-collision-simulator/model"
)

var ErrRunNotFound = errors.New("run not found")

// Run is one persisted simulation run.
type Run struct {
	ID        string
	Seed      uint64
	StartedAt time.Time
	// Config is the YAML the run was configured with.
	Config   string
	Summary  core.Summary
	Outcomes []core.DeviceOutcome
}

// DB wraps the SQLite handle holding runs and per-device results.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" works
// for throwaway stores.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			seed TEXT NOT NULL,
			started_at TEXT NOT NULL,
			config TEXT,
			lora_devices INTEGER,
			lora_received_mean DOUBLE,
			lora_generated_mean DOUBLE,
			lorae_devices INTEGER,
			lorae_received_mean DOUBLE,
			lorae_generated_mean DOUBLE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS device_results (
			run_id TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			modulation TEXT NOT NULL,
			data_rate INTEGER NOT NULL,
			sent INTEGER NOT NULL,
			lost INTEGER NOT NULL,
			collided INTEGER NOT NULL,
			PRIMARY KEY (run_id, device_id),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db}, nil
}

// SaveRun writes r and its device outcomes in one transaction.
func (db *DB) SaveRun(ctx context.Context, r Run) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s := r.Summary
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, seed, started_at, config,
			lora_devices, lora_received_mean, lora_generated_mean,
			lorae_devices, lorae_received_mean, lorae_generated_mean)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, fmt.Sprint(r.Seed), r.StartedAt.UTC().Format(time.RFC3339Nano), r.Config,
		s.Devices[0], s.Set1Received, s.Set1Generated,
		s.Devices[1], s.Set2Received, s.Set2Generated,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO device_results (run_id, device_id, modulation, data_rate, sent, lost, collided)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, o := range r.Outcomes {
		if _, err := stmt.ExecContext(ctx, r.ID, o.ID, o.Modulation.String(), int(o.DataRate), o.Sent, o.Lost, o.Collided); err != nil {
			return fmt.Errorf("insert device %d of run %s: %w", o.ID, r.ID, err)
		}
	}
	return tx.Commit()
}

// LoadRun reads a run back. Summary totals are recomputed from the device
// rows.
func (db *DB) LoadRun(ctx context.Context, id string) (Run, error) {
	r := Run{ID: id}
	var seed, started string
	err := db.QueryRowContext(ctx, `SELECT seed, started_at, config FROM runs WHERE run_id = ?`, id).
		Scan(&seed, &started, &r.Config)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}
	if _, err := fmt.Sscan(seed, &r.Seed); err != nil {
		return Run{}, fmt.Errorf("run %s: seed %q: %w", id, seed, err)
	}
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Run{}, fmt.Errorf("run %s: started_at: %w", id, err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT device_id, modulation, data_rate, sent, lost, collided
		FROM device_results WHERE run_id = ? ORDER BY device_id`, id)
	if err != nil {
		return Run{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var o core.DeviceOutcome
		var mod string
		var dr int
		if err := rows.Scan(&o.ID, &mod, &dr, &o.Sent, &o.Lost, &o.Collided); err != nil {
			return Run{}, err
		}
		o.DataRate = model.DataRate(dr)
		if o.Modulation, err = model.ParseModulation(mod); err != nil {
			return Run{}, fmt.Errorf("run %s device %d: %w", id, o.ID, err)
		}
		r.Outcomes = append(r.Outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return Run{}, err
	}
	r.Summary = core.Summarise(r.Outcomes)
	return r, nil
}

// ListRuns returns run IDs, newest first.
func (db *DB) ListRuns(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
