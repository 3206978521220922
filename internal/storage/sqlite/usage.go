package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/storage"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 12
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, string(r.Vendor), r.Model, r.Fingerprint,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			boolToInt(r.Stream), r.LatencyMs, r.StatusCode,
			r.CreatedAt.UTC().Format(timeLayout),
		)
	}

	query := `INSERT INTO usage_records
		(id, request_id, vendor, model, fingerprint,
		 prompt_tokens, completion_tokens, total_tokens,
		 stream, latency_ms, status_code, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f storage.UsageFilter) ([]gateway.UsageRecord, error) {
	var clauses []string
	var args []any
	if f.Vendor != "" {
		clauses = append(clauses, "vendor = ?")
		args = append(args, string(f.Vendor))
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Fingerprint != "" {
		clauses = append(clauses, "fingerprint = ?")
		args = append(args, f.Fingerprint)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, request_id, vendor, model, fingerprint,
		 prompt_tokens, completion_tokens, total_tokens,
		 stream, latency_ms, status_code, created_at
		 FROM usage_records`+where(clauses)+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var vendor, createdAt string
		var stream int
		err := rows.Scan(
			&r.ID, &r.RequestID, &vendor, &r.Model, &r.Fingerprint,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&stream, &r.LatencyMs, &r.StatusCode, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.Vendor = gateway.Vendor(vendor)
		r.Stream = stream != 0
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func where(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

// timeLayout is fixed-width so created_at sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
