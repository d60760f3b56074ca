package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-appliance/internal/dps"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// SQLiteRepository implements Repository on the state_history and
// command_log tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a repository using db. The schema must
// already be migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordState stores a snapshot. A nil state is stored as {}.
func (r *SQLiteRepository) RecordState(ctx context.Context, deviceID string, state dps.State, source Source, at time.Time) error {
	if deviceID == "" {
		return ErrDeviceIDRequired
	}
	if source == "" {
		source = SourceRefresh
	}
	if state == nil {
		state = dps.State{}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO state_history (device_id, recorded_at, source, state) VALUES (?, ?, ?, ?)",
		deviceID, at.UTC().UnixNano(), string(source), string(data),
	); err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// RecordCommand stores a command outcome. Recording the same id twice
// replaces the earlier row.
func (r *SQLiteRepository) RecordCommand(ctx context.Context, entry CommandEntry) error {
	if entry.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	if entry.ID == "" {
		return fmt.Errorf("history: command id is required")
	}
	props := entry.Properties
	if props == nil {
		props = map[string]any{}
	}

	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshalling properties: %w", err)
	}

	var errorCode sql.NullString
	if entry.ErrorCode != "" {
		errorCode = sql.NullString{String: entry.ErrorCode, Valid: true}
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO command_log (id, device_id, received_at, properties, success, error_code)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.DeviceID, entry.ReceivedAt.UTC().UnixNano(), string(data), entry.Success, errorCode,
	); err != nil {
		return fmt.Errorf("inserting command log: %w", err)
	}
	return nil
}

// StateHistory returns snapshots newest first. limit defaults to 50 and
// is clamped to 200.
func (r *SQLiteRepository) StateHistory(ctx context.Context, deviceID string, limit int) ([]StateEntry, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, recorded_at, source, state
		 FROM state_history
		 WHERE device_id = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		deviceID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	var entries []StateEntry
	for rows.Next() {
		entry, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// LatestState returns the newest snapshot for deviceID.
func (r *SQLiteRepository) LatestState(ctx context.Context, deviceID string) (StateEntry, bool, error) {
	if deviceID == "" {
		return StateEntry{}, false, ErrDeviceIDRequired
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT id, device_id, recorded_at, source, state
		 FROM state_history
		 WHERE device_id = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT 1`,
		deviceID,
	)
	entry, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StateEntry{}, false, nil
	}
	if err != nil {
		return StateEntry{}, false, err
	}
	return entry, true, nil
}

// Commands returns command outcomes newest first.
func (r *SQLiteRepository) Commands(ctx context.Context, deviceID string, limit int) ([]CommandEntry, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, received_at, properties, success, error_code
		 FROM command_log
		 WHERE device_id = ?
		 ORDER BY received_at DESC
		 LIMIT ?`,
		deviceID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	var entries []CommandEntry
	for rows.Next() {
		var (
			entry      CommandEntry
			receivedAt int64
			props      string
			errorCode  sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &receivedAt, &props, &entry.Success, &errorCode); err != nil {
			return nil, fmt.Errorf("scanning command log: %w", err)
		}
		if err := json.Unmarshal([]byte(props), &entry.Properties); err != nil {
			return nil, fmt.Errorf("unmarshalling properties: %w", err)
		}
		entry.ReceivedAt = time.Unix(0, receivedAt).UTC()
		entry.ErrorCode = errorCode.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}
	return entries, nil
}

// Prune deletes state and command rows older than cutoff in one
// transaction.
func (r *SQLiteRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	before := cutoff.UTC().UnixNano()
	var total int64
	for _, stmt := range []string{
		"DELETE FROM state_history WHERE recorded_at < ?",
		"DELETE FROM command_log WHERE received_at < ?",
	} {
		result, err := tx.ExecContext(ctx, stmt, before)
		if err != nil {
			return 0, fmt.Errorf("pruning history: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("checking rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(s scanner) (StateEntry, error) {
	var (
		entry      StateEntry
		recordedAt int64
		source     string
		data       string
	)
	if err := s.Scan(&entry.ID, &entry.DeviceID, &recordedAt, &source, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StateEntry{}, err
		}
		return StateEntry{}, fmt.Errorf("scanning state history: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &entry.State); err != nil {
		return StateEntry{}, fmt.Errorf("unmarshalling state: %w", err)
	}
	entry.RecordedAt = time.Unix(0, recordedAt).UTC()
	entry.Source = Source(source)
	return entry, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
