package sqlite

import (
	"context"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/storage"
)

// InsertKeyEvents inserts key events in a single transaction with a
// prepared statement.
func (s *Store) InsertKeyEvents(ctx context.Context, events []gateway.KeyEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO key_events (id, fingerprint, vendor, outcome, source, status_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Fingerprint, string(e.Vendor), e.Outcome, e.Source, e.StatusCode,
			e.CreatedAt.UTC().Format(timeLayout),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListKeyEvents returns key events matching the filter, newest first.
func (s *Store) ListKeyEvents(ctx context.Context, f storage.EventFilter) ([]gateway.KeyEvent, error) {
	var clauses []string
	var args []any
	if f.Vendor != "" {
		clauses = append(clauses, "vendor = ?")
		args = append(args, string(f.Vendor))
	}
	if f.Fingerprint != "" {
		clauses = append(clauses, "fingerprint = ?")
		args = append(args, f.Fingerprint)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, fingerprint, vendor, outcome, source, status_code, created_at
		 FROM key_events`+where(clauses)+` ORDER BY created_at DESC LIMIT ?`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.KeyEvent
	for rows.Next() {
		var e gateway.KeyEvent
		var vendor, createdAt string
		if err := rows.Scan(&e.ID, &e.Fingerprint, &vendor, &e.Outcome, &e.Source, &e.StatusCode, &createdAt); err != nil {
			return nil, err
		}
		e.Vendor = gateway.Vendor(vendor)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
