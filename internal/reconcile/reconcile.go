package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/IshaanNene/forecourt/internal/observability"
	"github.com/IshaanNene/forecourt/internal/storage"
	"github.com/IshaanNene/forecourt/internal/types"
)

// Outcome classifies what reconciliation did with one record.
type Outcome string

const (
	Inserted  Outcome = "inserted"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

// Result counts what a reconciliation wrote.
type Result struct {
	Inserted      int
	Updated       int
	Unchanged     int
	Failed        int
	Batches       int
	FailedBatches int

	// Changes holds one ChangeAdded per inserted record and the field-level
	// differences of updated records.
	Changes []Change
}

// Upserted returns the number of records written to the catalog.
func (r *Result) Upserted() int {
	return r.Inserted + r.Updated + r.Unchanged
}

// Reconciler merges extracted records into the catalog in batches.
type Reconciler struct {
	store      storage.Catalog
	batchSize  int
	retryDelay time.Duration
	metrics    *observability.Metrics
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMetrics records outcomes in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock overrides the time source used for first/last seen stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithRetryDelay sets the pause before a failed batch is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Reconciler) { r.retryDelay = d }
}

// New creates a Reconciler writing to store in batches of batchSize.
func New(store storage.Catalog, batchSize int, logger *slog.Logger, opts ...Option) *Reconciler {
	if batchSize < 1 {
		batchSize = 100
	}
	r := &Reconciler{
		store:      store,
		batchSize:  batchSize,
		retryDelay: 250 * time.Millisecond,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile classifies each record against the catalog and upserts it.
// Batches commit independently: a batch failing twice is counted as failed
// and later batches still run. If every batch fails the returned error wraps
// a *types.StoreError.
func (r *Reconciler) Reconcile(ctx context.Context, dealerID string, records []*types.VehicleRecord) (*Result, error) {
	res := &Result{}
	if len(records) == 0 {
		return res, nil
	}

	now := r.now()
	var lastErr error

	for start := 0; start < len(records); start += r.batchSize {
		end := min(start+r.batchSize, len(records))
		batch := records[start:end]
		res.Batches++

		var out *batchResult
		op := func() error {
			var err error
			out, err = r.reconcileBatch(ctx, dealerID, batch, now)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			r.logger.Warn("store batch failed, retrying",
				"dealer", dealerID, "batch", res.Batches, "size", len(batch), "error", err)
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), 1), ctx)

		if err := backoff.RetryNotify(op, policy, notify); err != nil {
			lastErr = err
			res.Failed += len(batch)
			res.FailedBatches++
			if r.metrics != nil {
				r.metrics.BatchesFailed.Add(1)
			}
			r.logger.Error("store batch failed",
				"dealer", dealerID, "batch", res.Batches, "size", len(batch), "error", err)
			continue
		}

		res.Inserted += out.inserted
		res.Updated += out.updated
		res.Unchanged += out.unchanged
		res.Changes = append(res.Changes, out.changes...)
	}

	if r.metrics != nil {
		r.metrics.RecordsInserted.Add(int64(res.Inserted))
		r.metrics.RecordsUpdated.Add(int64(res.Updated))
		r.metrics.RecordsUnchanged.Add(int64(res.Unchanged))
	}

	r.logger.Info("reconciled",
		"dealer", dealerID,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"failed", res.Failed,
		"batches", res.Batches,
	)

	if res.FailedBatches == res.Batches {
		var se *types.StoreError
		if !errors.As(lastErr, &se) {
			lastErr = &types.StoreError{Backend: r.store.Name(), Op: "upsert", Err: lastErr}
		}
		return res, fmt.Errorf("every store batch failed: %w", lastErr)
	}
	return res, nil
}

type batchResult struct {
	inserted, updated, unchanged int
	changes                      []Change
}

func (r *Reconciler) reconcileBatch(ctx context.Context, dealerID string, batch []*types.VehicleRecord, now time.Time) (*batchResult, error) {
	urls := make([]string, len(batch))
	for i, rec := range batch {
		urls[i] = rec.CanonicalURL
	}

	existing, err := r.store.Existing(ctx, dealerID, urls)
	if err != nil {
		return nil, err
	}

	out := &batchResult{}
	entries := make([]*types.CatalogEntry, len(batch))
	for i, rec := range batch {
		rec = rec.Clone()
		rec.DealerID = dealerID

		entry := &types.CatalogEntry{
			VehicleRecord: *rec,
			FirstSeen:     now,
			LastSeen:      now,
			LastUpdated:   now,
		}

		switch prev, ok := existing[rec.CanonicalURL]; {
		case !ok:
			out.inserted++
			out.changes = append(out.changes, Diff(nil, rec)...)
			r.logger.Debug("record classified", "url", rec.CanonicalURL, "outcome", Inserted)
		case prev.SameContent(rec):
			out.unchanged++
			entry.FirstSeen = prev.FirstSeen
			entry.LastUpdated = prev.LastUpdated
		default:
			out.updated++
			entry.FirstSeen = prev.FirstSeen
			changes := Diff(&prev.VehicleRecord, rec)
			out.changes = append(out.changes, changes...)
			for _, c := range changes {
				r.logger.Debug("field changed",
					"url", c.URL, "field", c.Field, "type", c.Type, "old", c.OldValue, "new", c.NewValue)
			}
		}
		entries[i] = entry
	}

	if err := r.store.Upsert(ctx, entries); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkStale flags the dealer's entries not seen since seenBefore. It never
// deletes.
func (r *Reconciler) MarkStale(ctx context.Context, dealerID string, seenBefore time.Time) (int, error) {
	n, err := r.store.MarkStale(ctx, dealerID, seenBefore)
	if err != nil {
		return 0, err
	}
	if r.metrics != nil {
		r.metrics.RecordsStale.Add(int64(n))
	}
	if n > 0 {
		r.logger.Info("entries marked stale", "dealer", dealerID, "count", n)
	}
	return n, nil
}
