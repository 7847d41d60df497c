package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zangezia/fieldsync/pkg/models"
)

// Ref maps a device-local measurement handle to the entry that creates it
// and, once acknowledged, to the server id.
type Ref struct {
	ClientRef string
	EntryID   string
	ReportID  int
	Position  int
	ServerID  int // 0 until the create is acknowledged
}

type scanner interface {
	Scan(dest ...any) error
}

const entryColumns = `seq, id, kind, report_id, payload, status, attempts, last_error, next_attempt_at, created_at`

func scanEntry(s scanner) (*models.QueueEntry, error) {
	var (
		e            models.QueueEntry
		kind, status string
		payload      string
		next, create int64
	)
	if err := s.Scan(&e.Seq, &e.ID, &kind, &e.ReportID, &payload, &status, &e.Attempts, &e.LastError, &next, &create); err != nil {
		return nil, err
	}
	e.Kind = models.EntryKind(kind)
	e.Status = models.EntryStatus(status)
	e.Payload = []byte(payload)
	e.CreatedAt = time.Unix(0, create)
	if next > 0 {
		e.NextAttemptAt = time.Unix(0, next)
	}
	return &e, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// InsertEntry appends an entry and fills in its sequence number
func (q *Queries) InsertEntry(ctx context.Context, e *models.QueueEntry) error {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO queue (id, kind, report_id, payload, status, attempts, last_error, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.ReportID, string(e.Payload), string(e.Status),
		e.Attempts, e.LastError, unixNano(e.NextAttemptAt), unixNano(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue sequence: %w", err)
	}
	e.Seq = seq
	return nil
}

// GetEntry returns the entry with the given id or ErrNotFound
func (q *Queries) GetEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return e, nil
}

// ListPending returns up to limit pending entries with seq > afterSeq, in
// creation order.
func (q *Queries) ListPending(ctx context.Context, afterSeq int64, limit int) ([]models.QueueEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM queue
		WHERE status = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`,
		string(models.StatusPending), afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	return collectEntries(rows)
}

// ListByStatus returns all entries in the given status, in creation order
func (q *Queries) ListByStatus(ctx context.Context, status models.EntryStatus) ([]models.QueueEntry, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+entryColumns+` FROM queue WHERE status = ? ORDER BY seq ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entries: %w", status, err)
	}
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]models.QueueEntry, error) {
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// TransitionStatus moves an entry from one status to another only if it is
// currently in from. It reports whether the row changed.
func (q *Queries) TransitionStatus(ctx context.Context, id string, from, to models.EntryStatus) (bool, error) {
	res, err := q.q.ExecContext(ctx, `UPDATE queue SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update entry status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateEntry writes back the mutable columns of an entry
func (q *Queries) UpdateEntry(ctx context.Context, e models.QueueEntry) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE queue SET payload = ?, status = ?, attempts = ?, last_error = ?, next_attempt_at = ?
		WHERE id = ?`,
		string(e.Payload), string(e.Status), e.Attempts, e.LastError, unixNano(e.NextAttemptAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update queue entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEntry removes an entry
func (q *Queries) DeleteEntry(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetStatus moves every entry in from to to, returning how many moved
func (q *Queries) ResetStatus(ctx context.Context, from, to models.EntryStatus) (int64, error) {
	res, err := q.q.ExecContext(ctx, `UPDATE queue SET status = ? WHERE status = ?`, string(to), string(from))
	if err != nil {
		return 0, fmt.Errorf("failed to reset %s entries: %w", from, err)
	}
	return res.RowsAffected()
}

// QueueStats counts entries per status
func (q *Queries) QueueStats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats

	rows, err := q.q.QueryContext(ctx, `SELECT status, COUNT(*), MIN(created_at) FROM queue GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer rows.Close()

	var oldest int64
	for rows.Next() {
		var (
			status string
			count  int
			first  int64
		)
		if err := rows.Scan(&status, &count, &first); err != nil {
			return stats, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch models.EntryStatus(status) {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusInFlight:
			stats.InFlight = count
		case models.StatusFailed:
			stats.Failed = count
		}
		if oldest == 0 || (first > 0 && first < oldest) {
			oldest = first
		}
	}
	if oldest > 0 {
		stats.Oldest = time.Unix(0, oldest)
	}
	return stats, rows.Err()
}

// NextDue returns the earliest retry time of a pending entry still waiting
// out its backoff after now. ok is false when no entry is waiting.
func (q *Queries) NextDue(ctx context.Context, now time.Time) (next time.Time, ok bool, err error) {
	var due sql.NullInt64
	err = q.q.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM queue
		WHERE status = ? AND next_attempt_at > ?`,
		string(models.StatusPending), now.UnixNano(),
	).Scan(&due)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read next retry time: %w", err)
	}
	if !due.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, due.Int64), true, nil
}

// ClearQueue deletes every entry and reference
func (q *Queries) ClearQueue(ctx context.Context) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM queue`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM measurement_refs`); err != nil {
		return fmt.Errorf("failed to clear measurement refs: %w", err)
	}
	return nil
}

// InsertRef registers a client ref for a queued create
func (q *Queries) InsertRef(ctx context.Context, r Ref) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO measurement_refs (client_ref, entry_id, report_id, position, server_id)
		VALUES (?, ?, ?, ?, ?)`,
		r.ClientRef, r.EntryID, r.ReportID, r.Position, r.ServerID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert measurement ref %q: %w", r.ClientRef, err)
	}
	return nil
}

// GetRef returns the ref for clientRef or ErrNotFound
func (q *Queries) GetRef(ctx context.Context, clientRef string) (*Ref, error) {
	var r Ref
	err := q.q.QueryRowContext(ctx, `
		SELECT client_ref, entry_id, report_id, position, server_id
		FROM measurement_refs WHERE client_ref = ?`, clientRef,
	).Scan(&r.ClientRef, &r.EntryID, &r.ReportID, &r.Position, &r.ServerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get measurement ref: %w", err)
	}
	return &r, nil
}

// RefByServerID returns the ref acknowledged with serverID or ErrNotFound
func (q *Queries) RefByServerID(ctx context.Context, serverID int) (*Ref, error) {
	var r Ref
	err := q.q.QueryRowContext(ctx, `
		SELECT client_ref, entry_id, report_id, position, server_id
		FROM measurement_refs WHERE server_id = ? LIMIT 1`, serverID,
	).Scan(&r.ClientRef, &r.EntryID, &r.ReportID, &r.Position, &r.ServerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get measurement ref by server id: %w", err)
	}
	return &r, nil
}

// RefsForEntry returns the refs registered by an entry, ordered by position
func (q *Queries) RefsForEntry(ctx context.Context, entryID string) ([]Ref, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT client_ref, entry_id, report_id, position, server_id
		FROM measurement_refs WHERE entry_id = ? ORDER BY position ASC`, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list measurement refs: %w", err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var r Ref
		if err := rows.Scan(&r.ClientRef, &r.EntryID, &r.ReportID, &r.Position, &r.ServerID); err != nil {
			return nil, fmt.Errorf("failed to scan measurement ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// SetRefServerID records the server id assigned to a client ref
func (q *Queries) SetRefServerID(ctx context.Context, clientRef string, serverID int) error {
	_, err := q.q.ExecContext(ctx, `UPDATE measurement_refs SET server_id = ? WHERE client_ref = ?`, serverID, clientRef)
	if err != nil {
		return fmt.Errorf("failed to map measurement ref %q: %w", clientRef, err)
	}
	return nil
}

// DeleteUnresolvedRefs drops the refs of an entry that were never acknowledged
func (q *Queries) DeleteUnresolvedRefs(ctx context.Context, entryID string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM measurement_refs WHERE entry_id = ? AND server_id = 0`, entryID)
	if err != nil {
		return fmt.Errorf("failed to delete measurement refs: %w", err)
	}
	return nil
}
