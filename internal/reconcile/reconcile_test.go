package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    string
	Value int
}

func recordKey(r record) string { return r.ID }

// mockWriter records every batch and fails the batch numbers in failOn
type mockWriter struct {
	existing map[string]struct{}
	failOn   map[int]bool
	calls    int
	created  [][]record
	updated  [][]record
	ops      []string
	keysErr  error
}

func (m *mockWriter) ExistingKeys(ctx context.Context) (map[string]struct{}, error) {
	return m.existing, m.keysErr
}

func (m *mockWriter) CreateBatch(ctx context.Context, records []record) error {
	m.calls++
	m.ops = append(m.ops, "create")
	if m.failOn[m.calls] {
		return errors.New("constraint violation")
	}
	m.created = append(m.created, records)
	return nil
}

func (m *mockWriter) UpdateBatch(ctx context.Context, records []record) error {
	m.calls++
	m.ops = append(m.ops, "update")
	if m.failOn[m.calls] {
		return errors.New("deadlock detected")
	}
	m.updated = append(m.updated, records)
	return nil
}

func makeRecords(ids ...string) []record {
	out := make([]record, len(ids))
	for i, id := range ids {
		out[i] = record{ID: id, Value: i}
	}
	return out
}

func TestPartition(t *testing.T) {
	records := makeRecords("a", "b", "c", "b", "d", "a")
	existing := map[string]struct{}{"b": {}, "d": {}, "z": {}}

	plan := Partition(records, recordKey, existing)

	assert.Equal(t, 2, plan.Duplicates)

	seen := map[string]bool{}
	for _, r := range plan.ToCreate {
		_, ok := existing[r.ID]
		assert.False(t, ok, "%s should not be created", r.ID)
		seen[r.ID] = true
	}
	for _, r := range plan.ToUpdate {
		_, ok := existing[r.ID]
		assert.True(t, ok, "%s should be updated", r.ID)
		assert.False(t, seen[r.ID], "%s in both partitions", r.ID)
		seen[r.ID] = true
	}
	assert.Len(t, seen, 4)
}

func TestPartition_FirstOccurrenceWins(t *testing.T) {
	records := []record{{ID: "a", Value: 1}, {ID: "a", Value: 2}}

	plan := Partition(records, recordKey, nil)

	require.Len(t, plan.ToCreate, 1)
	assert.Equal(t, 1, plan.ToCreate[0].Value)
}

func TestChunk(t *testing.T) {
	chunks := Chunk(makeRecords("1", "2", "3", "4", "5"), 2)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[2], 1)
	assert.Empty(t, Chunk([]record{}, 2))
}

func TestReconcile_CreatesBeforeUpdates(t *testing.T) {
	w := &mockWriter{existing: map[string]struct{}{"old": {}}}

	summary, err := Reconcile(context.Background(), w, makeRecords("old", "new"), recordKey, Options{Entity: "test"})

	require.NoError(t, err)
	assert.Equal(t, []string{"create", "update"}, w.ops)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 2, summary.Total)
}

func TestReconcile_PartialFailureCounting(t *testing.T) {
	w := &mockWriter{failOn: map[int]bool{2: true}}
	records := makeRecords("1", "2", "3", "4", "5", "6", "7", "8")

	summary, err := Reconcile(context.Background(), w, records, recordKey, Options{Entity: "test", ChunkSize: 2})

	require.NoError(t, err)
	assert.Equal(t, 4, w.calls)
	assert.Equal(t, 6, summary.Created)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, summary.Total, summary.Created+summary.Failed)
	assert.True(t, summary.Partial())
}

func TestReconcile_AllFailed(t *testing.T) {
	w := &mockWriter{failOn: map[int]bool{1: true, 2: true}}

	summary, err := Reconcile(context.Background(), w, makeRecords("1", "2", "3"), recordKey, Options{Entity: "test", ChunkSize: 2})

	require.ErrorIs(t, err, ErrAllOperationsFailed)
	require.NotNil(t, summary)
	assert.Equal(t, 3, summary.Failed)
	assert.Zero(t, summary.Succeeded())
}

func TestReconcile_EmptyInputIsNotAFailure(t *testing.T) {
	w := &mockWriter{}

	summary, err := Reconcile(context.Background(), w, nil, recordKey, Options{Entity: "test"})

	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Zero(t, w.calls)
}

func TestReconcile_ExistingKeysError(t *testing.T) {
	w := &mockWriter{keysErr: errors.New("connection refused")}

	summary, err := Reconcile(context.Background(), w, makeRecords("1"), recordKey, Options{Entity: "test"})

	require.Error(t, err)
	assert.Nil(t, summary)
	assert.NotErrorIs(t, err, ErrAllOperationsFailed)
}

func TestBatchError(t *testing.T) {
	cause := errors.New("boom")
	err := &BatchError{Entity: "pools", Op: "create", Offset: 500, Size: 500, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "[500:1000]")
}
