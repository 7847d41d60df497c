// Package queue is the durable local write queue. Every measurement mutation
// made while the device may be offline is appended here before the caller
// gets control back, and stays until the backend acknowledges it.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zangezia/fieldsync/internal/state"
	"github.com/zangezia/fieldsync/internal/store"
	"github.com/zangezia/fieldsync/pkg/models"
)

const defaultPageSize = 100

// FreeSpaceFunc reports the free bytes of the volume holding path
type FreeSpaceFunc func(path string) (uint64, error)

// Options tunes a Queue
type Options struct {
	MaxAttempts      int           // attempts before an entry terminally fails
	MinFreeDiskSpace uint64        // bytes; 0 disables the disk guard
	FreeSpace        FreeSpaceFunc // nil disables the disk guard
	PageSize         int           // rows read per Drain page
}

// Queue is the persisted FIFO of pending measurement mutations
type Queue struct {
	db          *store.DB
	sync        *state.SyncStore
	maxAttempts atomic.Int64
	opts        Options
	now         func() time.Time
}

// New creates a queue over db. Counts are published to syncState.
func New(db *store.DB, syncState *state.SyncStore, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	q := &Queue{
		db:   db,
		sync: syncState,
		opts: opts,
		now:  time.Now,
	}
	q.maxAttempts.Store(int64(opts.MaxAttempts))
	return q
}

// SetMaxAttempts changes the attempt limit for failures recorded from now on
func (q *Queue) SetMaxAttempts(n int) {
	if n > 0 {
		q.maxAttempts.Store(int64(n))
	}
}

// MaxAttempts returns the current attempt limit
func (q *Queue) MaxAttempts() int {
	return int(q.maxAttempts.Load())
}

// EnqueueCreate queues a bulk create
func (q *Queue) EnqueueCreate(ctx context.Context, dto models.CreateBulkMeasurement) (string, error) {
	data, err := json.Marshal(dto)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bulk create: %w", err)
	}
	return q.Enqueue(ctx, models.KindCreateBulk, data)
}

// EnqueueUpdate queues a bulk update
func (q *Queue) EnqueueUpdate(ctx context.Context, dto models.UpdateBulkMeasurement) (string, error) {
	data, err := json.Marshal(dto)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bulk update: %w", err)
	}
	return q.Enqueue(ctx, models.KindUpdateBulk, data)
}

// Enqueue validates payload and appends it durably. It returns the id of the
// entry that now carries the mutation: a new entry, or, when an update folded
// entirely into a still-pending create, the id of that create.
func (q *Queue) Enqueue(ctx context.Context, kind models.EntryKind, payload []byte) (string, error) {
	if !kind.Valid() {
		verr := &ValidationError{}
		verr.add("kind", "unknown entry kind %q", kind)
		return "", verr
	}

	if err := q.checkDiskSpace(); err != nil {
		return "", err
	}

	switch kind {
	case models.KindCreateBulk:
		var dto models.CreateBulkMeasurement
		if err := decodeStrict(payload, &dto); err != nil {
			return "", err
		}
		if err := validateCreate(dto); err != nil {
			return "", err
		}
		return q.enqueueCreate(ctx, dto)
	default:
		var dto models.UpdateBulkMeasurement
		if err := decodeStrict(payload, &dto); err != nil {
			return "", err
		}
		if err := validateUpdate(dto); err != nil {
			return "", err
		}
		return q.enqueueUpdate(ctx, dto)
	}
}

func decodeStrict(payload []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		verr := &ValidationError{}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			verr.add(typeErr.Field, "must be a %s", typeErr.Type)
		} else {
			verr.add("payload", "%s", strings.TrimPrefix(err.Error(), "json: "))
		}
		return verr
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		verr := &ValidationError{}
		verr.add("payload", "unexpected data after the JSON object")
		return verr
	}
	return nil
}

func validateCreate(dto models.CreateBulkMeasurement) error {
	verr := &ValidationError{}
	if dto.TypeOfObjectID != nil && *dto.TypeOfObjectID <= 0 {
		verr.add("type_of_object_id", "must be a positive integer")
	}
	if dto.SubjectID != nil && *dto.SubjectID <= 0 {
		verr.add("subject_id", "must be a positive integer")
	}
	if len(dto.Measurements) == 0 {
		verr.add("measurements", "must contain at least one measurement")
		return verr
	}

	refs := make(map[string]int)
	for i, m := range dto.Measurements {
		field := fmt.Sprintf("measurements[%d]", i)
		if m.PenVariableTypeOfObjectID <= 0 {
			verr.add(field+".pen_variable_type_of_object_id", "must be a positive integer")
		}
		if strings.TrimSpace(m.Value) == "" {
			verr.add(field+".value", "must not be empty")
		}
		if m.ReportID <= 0 {
			verr.add(field+".report_id", "must be a positive integer")
		} else if m.ReportID != dto.Measurements[0].ReportID {
			verr.add(field+".report_id", "must match measurements[0].report_id (%d)", dto.Measurements[0].ReportID)
		}
		if m.SubjectID != nil && *m.SubjectID <= 0 {
			verr.add(field+".subject_id", "must be a positive integer")
		}
		if m.ClientRef != "" {
			if prev, ok := refs[m.ClientRef]; ok {
				verr.add(field+".client_ref", "duplicates measurements[%d].client_ref", prev)
			}
			refs[m.ClientRef] = i
		}
	}
	return verr.errOrNil()
}

func validateUpdate(dto models.UpdateBulkMeasurement) error {
	verr := &ValidationError{}
	if dto.SubjectID != nil && *dto.SubjectID <= 0 {
		verr.add("subject_id", "must be a positive integer")
	}
	if dto.ReportID < 0 {
		verr.add("report_id", "must be a positive integer")
	}
	if len(dto.Measurements) == 0 {
		verr.add("measurements", "must contain at least one measurement")
		return verr
	}

	for i, m := range dto.Measurements {
		field := fmt.Sprintf("measurements[%d]", i)
		switch {
		case m.ID < 0:
			verr.add(field+".id", "must be a positive integer")
		case m.ID == 0 && m.ClientRef == "":
			verr.add(field, "needs an id or a client_ref")
		case m.ID > 0 && m.ClientRef != "":
			verr.add(field, "must not set both id and client_ref")
		}
		if strings.TrimSpace(m.Value) == "" {
			verr.add(field+".value", "must not be empty")
		}
	}
	return verr.errOrNil()
}

func (q *Queue) checkDiskSpace() error {
	if q.opts.FreeSpace == nil || q.opts.MinFreeDiskSpace == 0 {
		return nil
	}
	free, err := q.opts.FreeSpace(filepath.Dir(q.db.Path()))
	if err != nil {
		// an unreadable volume is not a reason to drop a user's write
		log.Warn().Err(err).Msg("Failed to check free disk space")
		return nil
	}
	if free < q.opts.MinFreeDiskSpace {
		return fmt.Errorf("%w: %d bytes free, need %d", ErrInsufficientSpace, free, q.opts.MinFreeDiskSpace)
	}
	return nil
}

func (q *Queue) newEntry(kind models.EntryKind, reportID int, payload any) (*models.QueueEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return &models.QueueEntry{
		ID:        uuid.NewString(),
		Kind:      kind,
		ReportID:  reportID,
		Payload:   data,
		CreatedAt: q.now(),
		Status:    models.StatusPending,
	}, nil
}

func (q *Queue) enqueueCreate(ctx context.Context, dto models.CreateBulkMeasurement) (string, error) {
	entry, err := q.newEntry(models.KindCreateBulk, dto.Measurements[0].ReportID, dto)
	if err != nil {
		return "", err
	}

	err = q.db.WithTx(ctx, func(tx *store.Queries) error {
		verr := &ValidationError{}
		for i, m := range dto.Measurements {
			if m.ClientRef == "" {
				continue
			}
			if _, err := tx.GetRef(ctx, m.ClientRef); err == nil {
				verr.add(fmt.Sprintf("measurements[%d].client_ref", i), "%q is already in use", m.ClientRef)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if err := verr.errOrNil(); err != nil {
			return err
		}

		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		for i, m := range dto.Measurements {
			if m.ClientRef == "" {
				continue
			}
			ref := store.Ref{ClientRef: m.ClientRef, EntryID: entry.ID, ReportID: entry.ReportID, Position: i}
			if err := tx.InsertRef(ctx, ref); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	q.sync.AddCounts(1, 0)
	log.Debug().
		Str("entry", entry.ID).
		Int("report", entry.ReportID).
		Int("measurements", len(dto.Measurements)).
		Msg("Queued bulk create")
	return entry.ID, nil
}

func (q *Queue) enqueueUpdate(ctx context.Context, dto models.UpdateBulkMeasurement) (string, error) {
	var (
		entryID string
		created bool
		folded  int
	)

	err := q.db.WithTx(ctx, func(tx *store.Queries) error {
		verr := &ValidationError{}
		reportID := dto.ReportID
		remaining := dto.Measurements[:0:0]
		creates := make(map[string]*pendingCreate)
		var lastFold string

		var unscoped []int
		for i, m := range dto.Measurements {
			field := fmt.Sprintf("measurements[%d].client_ref", i)
			if m.ClientRef == "" {
				// a server id joins the stream of the report that created it
				ref, err := tx.RefByServerID(ctx, m.ID)
				switch {
				case errors.Is(err, store.ErrNotFound):
					unscoped = append(unscoped, i)
				case err != nil:
					return err
				case reportID == 0:
					reportID = ref.ReportID
				case ref.ReportID != reportID:
					verr.add(fmt.Sprintf("measurements[%d].id", i), "belongs to report %d, not %d", ref.ReportID, reportID)
					continue
				}
				remaining = append(remaining, m)
				continue
			}

			ref, err := tx.GetRef(ctx, m.ClientRef)
			if errors.Is(err, store.ErrNotFound) {
				verr.add(field, "unknown client_ref %q", m.ClientRef)
				continue
			}
			if err != nil {
				return err
			}

			if reportID == 0 {
				reportID = ref.ReportID
			} else if ref.ReportID != reportID {
				verr.add(field, "belongs to report %d, not %d", ref.ReportID, reportID)
				continue
			}

			if ref.ServerID > 0 {
				// already acknowledged, address it directly
				remaining = append(remaining, models.MeasurementUpdate{ID: ref.ServerID, Value: m.Value})
				continue
			}

			pc, err := loadPendingCreate(ctx, tx, creates, ref.EntryID)
			if err != nil {
				return err
			}
			if pc == nil {
				remaining = append(remaining, m)
				continue
			}
			// last write wins: the edit replaces the queued value in place
			pc.dto.Measurements[ref.Position].Value = m.Value
			if dto.Name != nil {
				pc.dto.Name = dto.Name
			}
			pc.dirty = true
			lastFold = pc.entry.ID
			folded++
		}
		if reportID == 0 {
			for _, i := range unscoped {
				verr.add(fmt.Sprintf("measurements[%d].id", i), "unknown measurement, set report_id")
			}
		}
		if err := verr.errOrNil(); err != nil {
			return err
		}

		for _, pc := range creates {
			if pc == nil || !pc.dirty {
				continue
			}
			data, err := json.Marshal(pc.dto)
			if err != nil {
				return fmt.Errorf("failed to marshal folded create: %w", err)
			}
			pc.entry.Payload = data
			if err := tx.UpdateEntry(ctx, *pc.entry); err != nil {
				return err
			}
		}

		if len(remaining) == 0 {
			entryID = lastFold
			return nil
		}

		rest := dto
		rest.ReportID = reportID
		rest.Measurements = remaining
		entry, err := q.newEntry(models.KindUpdateBulk, reportID, rest)
		if err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		entryID = entry.ID
		created = true
		return nil
	})
	if err != nil {
		return "", err
	}

	if created {
		q.sync.AddCounts(1, 0)
	}
	log.Debug().
		Str("entry", entryID).
		Int("folded", folded).
		Bool("new_entry", created).
		Msg("Queued bulk update")
	return entryID, nil
}

type pendingCreate struct {
	entry *models.QueueEntry
	dto   models.CreateBulkMeasurement
	dirty bool
}

// loadPendingCreate returns the create owning a ref when it can still be
// edited in place, or nil once it has been dispatched or has failed.
func loadPendingCreate(ctx context.Context, tx *store.Queries, cache map[string]*pendingCreate, entryID string) (*pendingCreate, error) {
	if pc, ok := cache[entryID]; ok {
		return pc, nil
	}
	entry, err := tx.GetEntry(ctx, entryID)
	if errors.Is(err, store.ErrNotFound) {
		cache[entryID] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if entry.Status != models.StatusPending {
		cache[entryID] = nil
		return nil, nil
	}

	pc := &pendingCreate{entry: entry}
	if err := json.Unmarshal(entry.Payload, &pc.dto); err != nil {
		return nil, fmt.Errorf("failed to decode queued create %s: %w", entryID, err)
	}
	cache[entryID] = pc
	return pc, nil
}

// Drain lazily yields pending entries in creation order. Each page is read
// from storage when the previous one is exhausted, so breaking out early
// costs nothing and a new Drain always reflects persisted state.
func (q *Queue) Drain(ctx context.Context) iter.Seq2[models.QueueEntry, error] {
	return func(yield func(models.QueueEntry, error) bool) {
		var after int64
		for {
			if err := ctx.Err(); err != nil {
				yield(models.QueueEntry{}, err)
				return
			}
			page, err := q.db.ListPending(ctx, after, q.opts.PageSize)
			if err != nil {
				yield(models.QueueEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				after = e.Seq
			}
			if len(page) < q.opts.PageSize {
				return
			}
		}
	}
}

// MarkInFlight claims a pending entry for dispatch and returns its current
// contents. A second claim fails with ErrNotPending.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (*models.QueueEntry, error) {
	var entry *models.QueueEntry
	err := q.db.WithTx(ctx, func(tx *store.Queries) error {
		ok, err := tx.TransitionStatus(ctx, id, models.StatusPending, models.StatusInFlight)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := tx.GetEntry(ctx, id); err != nil {
				return err
			}
			return ErrNotPending
		}
		entry, err = tx.GetEntry(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim entry %s: %w", id, err)
	}
	return entry, nil
}

// MarkDone removes an acknowledged entry. serverIDs are the ids the backend
// assigned to a bulk create, in payload order; they resolve the entry's
// client refs for later updates.
func (q *Queue) MarkDone(ctx context.Context, id string, serverIDs []int) error {
	var wasFailed bool
	err := q.db.WithTx(ctx, func(tx *store.Queries) error {
		entry, err := tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		wasFailed = entry.Status == models.StatusFailed

		refs, err := tx.RefsForEntry(ctx, id)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if ref.Position >= len(serverIDs) || serverIDs[ref.Position] <= 0 {
				log.Warn().
					Str("entry", id).
					Str("client_ref", ref.ClientRef).
					Msg("Backend did not return an id for queued measurement")
				continue
			}
			if err := tx.SetRefServerID(ctx, ref.ClientRef, serverIDs[ref.Position]); err != nil {
				return err
			}
		}
		return tx.DeleteEntry(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to complete entry %s: %w", id, err)
	}

	if wasFailed {
		q.sync.AddCounts(0, -1)
	} else {
		q.sync.AddCounts(-1, 0)
	}
	return nil
}

// MarkFailed records a failed attempt. A retryable failure under the attempt
// limit returns the entry to pending, due at nextAttemptAt; anything else is
// terminal. It reports whether the entry is now terminally failed.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string, retryable bool, nextAttemptAt time.Time) (bool, error) {
	var terminal bool
	err := q.db.WithTx(ctx, func(tx *store.Queries) error {
		entry, err := tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		entry.Attempts++
		entry.LastError = reason
		if retryable && entry.Attempts < q.MaxAttempts() {
			entry.Status = models.StatusPending
			entry.NextAttemptAt = nextAttemptAt
		} else {
			entry.Status = models.StatusFailed
			entry.NextAttemptAt = time.Time{}
			terminal = true
		}
		return tx.UpdateEntry(ctx, *entry)
	})
	if err != nil {
		return false, fmt.Errorf("failed to record failure of entry %s: %w", id, err)
	}

	if terminal {
		q.sync.AddCounts(-1, 1)
	}
	return terminal, nil
}

// Release returns an in-flight entry to pending without counting an attempt
func (q *Queue) Release(ctx context.Context, id string) error {
	ok, err := q.db.TransitionStatus(ctx, id, models.StatusInFlight, models.StatusPending)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInFlight
	}
	return nil
}

// Recover returns entries left in flight by a crash to pending and
// recomputes the published counts from storage.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.db.ResetStatus(ctx, models.StatusInFlight, models.StatusPending)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn().Int64("entries", n).Msg("Recovered in-flight entries after restart")
	}

	stats, err := q.db.QueueStats(ctx)
	if err != nil {
		return n, err
	}
	q.sync.SetCounts(stats.Pending+stats.InFlight, stats.Failed)
	return n, nil
}

// Failed lists terminally failed entries, oldest first
func (q *Queue) Failed(ctx context.Context) ([]models.QueueEntry, error) {
	return q.db.ListByStatus(ctx, models.StatusFailed)
}

// Retry puts a failed entry back in line with a fresh attempt budget
func (q *Queue) Retry(ctx context.Context, id string) error {
	err := q.db.WithTx(ctx, func(tx *store.Queries) error {
		entry, err := tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if entry.Status != models.StatusFailed {
			return ErrNotFailed
		}
		entry.Status = models.StatusPending
		entry.Attempts = 0
		entry.LastError = ""
		entry.NextAttemptAt = time.Time{}
		return tx.UpdateEntry(ctx, *entry)
	})
	if err != nil {
		return fmt.Errorf("failed to retry entry %s: %w", id, err)
	}

	q.sync.AddCounts(1, -1)
	log.Info().Str("entry", id).Msg("Failed entry queued for retry")
	return nil
}

// Discard drops a failed entry for good
func (q *Queue) Discard(ctx context.Context, id string) error {
	err := q.db.WithTx(ctx, func(tx *store.Queries) error {
		entry, err := tx.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if entry.Status != models.StatusFailed {
			return ErrNotFailed
		}
		if err := tx.DeleteUnresolvedRefs(ctx, id); err != nil {
			return err
		}
		return tx.DeleteEntry(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to discard entry %s: %w", id, err)
	}

	q.sync.AddCounts(0, -1)
	log.Info().Str("entry", id).Msg("Failed entry discarded")
	return nil
}

// UnresolvedRef is a client ref whose create has not been acknowledged
type UnresolvedRef struct {
	ClientRef string
	// Owner is the create that will assign the id, nil when it no longer exists
	Owner *models.QueueEntry
}

// Blocked reports whether the ref can still be resolved later
func (u UnresolvedRef) Blocked() bool {
	return u.Owner != nil && u.Owner.Status != models.StatusFailed
}

// ResolveRefs substitutes server ids for the client refs of an update. Items
// whose create has not been acknowledged are left as is and reported.
func (q *Queue) ResolveRefs(ctx context.Context, update models.UpdateBulkMeasurement) (models.UpdateBulkMeasurement, []UnresolvedRef, error) {
	resolved := update
	resolved.Measurements = make([]models.MeasurementUpdate, len(update.Measurements))
	copy(resolved.Measurements, update.Measurements)

	var unresolved []UnresolvedRef
	for i, m := range resolved.Measurements {
		if m.ClientRef == "" {
			continue
		}
		ref, err := q.db.GetRef(ctx, m.ClientRef)
		if errors.Is(err, store.ErrNotFound) {
			unresolved = append(unresolved, UnresolvedRef{ClientRef: m.ClientRef})
			continue
		}
		if err != nil {
			return update, nil, err
		}
		if ref.ServerID > 0 {
			resolved.Measurements[i] = models.MeasurementUpdate{ID: ref.ServerID, Value: m.Value}
			continue
		}

		u := UnresolvedRef{ClientRef: m.ClientRef}
		owner, err := q.db.GetEntry(ctx, ref.EntryID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return update, nil, err
		}
		u.Owner = owner
		unresolved = append(unresolved, u)
	}
	return resolved, unresolved, nil
}

// NextDue returns when the earliest entry backing off after now becomes due
func (q *Queue) NextDue(ctx context.Context, now time.Time) (time.Time, bool, error) {
	return q.db.NextDue(ctx, now)
}

// Stats summarizes the persisted queue
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	return q.db.QueueStats(ctx)
}

// Reset wipes every entry and client ref and zeroes the published counts
func (q *Queue) Reset(ctx context.Context) error {
	if err := q.db.WithTx(ctx, func(tx *store.Queries) error {
		return tx.ClearQueue(ctx)
	}); err != nil {
		return err
	}
	q.sync.SetCounts(0, 0)
	log.Warn().Msg("Queue reset, all unsynced changes dropped")
	return nil
}
