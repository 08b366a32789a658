package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// BulkChunkSize bounds one create/update transaction for top-level entities
	BulkChunkSize = 500
	// ChildChunkSize bounds transactions that also write nested child rows
	ChildChunkSize = 100
)

// ErrAllOperationsFailed is returned when a pass had work and nothing was written
var ErrAllOperationsFailed = errors.New("all operations failed")

// BatchError describes one failed chunk. It is logged and counted, never
// returned from Reconcile.
type BatchError struct {
	Entity string
	Op     string
	Offset int
	Size   int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s %s batch [%d:%d] failed: %v", e.Entity, e.Op, e.Offset, e.Offset+e.Size, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Writer is the store side of a reconciliation
type Writer[T any] interface {
	// ExistingKeys loads every persisted key of the entity in one query
	ExistingKeys(ctx context.Context) (map[string]struct{}, error)
	// CreateBatch inserts one chunk atomically
	CreateBatch(ctx context.Context, records []T) error
	// UpdateBatch refreshes the volatile columns of one chunk atomically
	UpdateBatch(ctx context.Context, records []T) error
}

// Options for one reconciliation
type Options struct {
	Entity    string
	ChunkSize int
	Logger    *zap.Logger
}

// Plan is the partitioned, deduplicated input
type Plan[T any] struct {
	ToCreate   []T
	ToUpdate   []T
	Duplicates int
}

// Partition splits records by whether their key exists. Records sharing a
// key are collapsed onto the first occurrence.
func Partition[T any](records []T, key func(T) string, existing map[string]struct{}) Plan[T] {
	var plan Plan[T]
	seen := make(map[string]struct{}, len(records))

	for _, rec := range records {
		k := key(rec)
		if _, dup := seen[k]; dup {
			plan.Duplicates++
			continue
		}
		seen[k] = struct{}{}

		if _, ok := existing[k]; ok {
			plan.ToUpdate = append(plan.ToUpdate, rec)
		} else {
			plan.ToCreate = append(plan.ToCreate, rec)
		}
	}
	return plan
}

// Chunk splits items into slices of at most size elements
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = BulkChunkSize
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Reconcile partitions records against the store and writes them in chunks,
// creates first. A failed chunk is counted and skipped. The returned summary
// is always non-nil once the existing keys are loaded.
func Reconcile[T any](ctx context.Context, w Writer[T], records []T, key func(T) string, opts Options) (*Summary, error) {
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	existing, err := w.ExistingKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing %s keys: %w", opts.Entity, err)
	}

	plan := Partition(records, key, existing)
	summary := &Summary{
		Entity:     opts.Entity,
		Total:      len(plan.ToCreate) + len(plan.ToUpdate),
		Duplicates: plan.Duplicates,
	}

	if plan.Duplicates > 0 {
		logger.Warn("Dropped duplicate upstream records",
			zap.String("entity", opts.Entity),
			zap.Int("duplicates", plan.Duplicates))
	}

	summary.Created, summary.Failed = apply(ctx, logger, opts, "create", plan.ToCreate, w.CreateBatch, summary.Failed)
	summary.Updated, summary.Failed = apply(ctx, logger, opts, "update", plan.ToUpdate, w.UpdateBatch, summary.Failed)
	summary.Duration = time.Since(start)

	if summary.Total > 0 && summary.Created+summary.Updated == 0 {
		return summary, fmt.Errorf("%s: %w (%d records)", opts.Entity, ErrAllOperationsFailed, summary.Total)
	}
	return summary, nil
}

func apply[T any](
	ctx context.Context,
	logger *zap.Logger,
	opts Options,
	op string,
	records []T,
	write func(context.Context, []T) error,
	failed int,
) (int, int) {
	done := 0
	offset := 0

	for _, chunk := range Chunk(records, opts.ChunkSize) {
		if err := write(ctx, chunk); err != nil {
			batchErr := &BatchError{Entity: opts.Entity, Op: op, Offset: offset, Size: len(chunk), Err: err}
			logger.Error("Batch failed", zap.Error(batchErr))
			failed += len(chunk)
		} else {
			done += len(chunk)
		}
		offset += len(chunk)
	}
	return done, failed
}
