package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/macrodeck/ports"
)

// DefaultRecentLimit is used when Recent is called with a non-positive limit.
const DefaultRecentLimit = 50

// ReloadStore implements ports.ReloadJournal using SQLite.
type ReloadStore struct {
	db *DB
}

var _ ports.ReloadJournal = (*ReloadStore)(nil)

// NewReloadStore creates a new SQLite reload journal.
func NewReloadStore(db *DB) *ReloadStore {
	return &ReloadStore{db: db}
}

// Record appends a reload attempt. An empty ID is filled with a new UUID.
func (s *ReloadStore) Record(ctx context.Context, r ports.ReloadRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_reloads (
			id, seq, at, trigger, outcome, kind, generation, source_hash,
			devices, macros, errors, warnings, message
		)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM profile_reloads), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.At.UTC(), r.Trigger, r.Outcome, r.Kind, int64(r.Generation), formatHash(r.SourceHash),
		r.Devices, r.Macros, r.Errors, r.Warnings, r.Message)
	if err != nil {
		return fmt.Errorf("record reload: %w", err)
	}
	return nil
}

// Recent returns the latest attempts, newest first.
func (s *ReloadStore) Recent(ctx context.Context, limit int) ([]ports.ReloadRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, trigger, outcome, kind, generation, source_hash,
		       devices, macros, errors, warnings, message
		FROM profile_reloads
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reloads: %w", err)
	}
	defer rows.Close()

	var out []ports.ReloadRecord
	for rows.Next() {
		r, err := scanReload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one attempt by id.
func (s *ReloadStore) Get(ctx context.Context, id string) (ports.ReloadRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, at, trigger, outcome, kind, generation, source_hash,
		       devices, macros, errors, warnings, message
		FROM profile_reloads
		WHERE id = ?
	`, id)

	r, err := scanReload(row)
	if err == sql.ErrNoRows {
		return ports.ReloadRecord{}, ErrNotFound
	}
	return r, err
}

// Prune deletes attempts recorded before cutoff and returns how many went.
func (s *ReloadStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM profile_reloads WHERE at < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReload(row scanner) (ports.ReloadRecord, error) {
	var (
		r          ports.ReloadRecord
		generation int64
		hash       string
	)
	err := row.Scan(&r.ID, &r.At, &r.Trigger, &r.Outcome, &r.Kind, &generation, &hash,
		&r.Devices, &r.Macros, &r.Errors, &r.Warnings, &r.Message)
	if err != nil {
		return ports.ReloadRecord{}, err
	}

	r.Generation = uint64(generation)
	if hash != "" {
		if r.SourceHash, err = strconv.ParseUint(hash, 16, 64); err != nil {
			return ports.ReloadRecord{}, fmt.Errorf("parse source hash %q: %w", hash, err)
		}
	}
	return r, nil
}

// Hashes are stored as hex text; SQLite integers are signed.
func formatHash(h uint64) string {
	if h == 0 {
		return ""
	}
	return fmt.Sprintf("%016x", h)
}
