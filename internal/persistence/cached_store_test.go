package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/orchestro/pkg/api"
)

// countingStore counts FindByID calls reaching the backing store.
type countingStore struct {
	*InMemoryStore
	finds   int
	saveErr error
}

func (c *countingStore) FindByID(ctx context.Context, id string) (*api.Workflow, error) {
	c.finds++
	return c.InMemoryStore.FindByID(ctx, id)
}

func (c *countingStore) Save(ctx context.Context, wf *api.Workflow) (*api.Workflow, error) {
	if c.saveErr != nil {
		return nil, c.saveErr
	}
	return c.InMemoryStore.Save(ctx, wf)
}

func TestCachedStore_Contract(t *testing.T) {
	runStoreContract(t, NewCachedStore(NewInMemoryStore(), CacheConfig{}))
}

func TestCachedStore_ServesRepeatedReadsFromCache(t *testing.T) {
	inner := &countingStore{InMemoryStore: NewInMemoryStore()}
	store := NewCachedStore(inner, CacheConfig{Size: 8, TTL: time.Minute})
	ctx := context.Background()

	_, err := store.Save(ctx, sampleWorkflow("wf-1", api.StatusCreated))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := store.FindByID(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, api.StatusCreated, got.ExecutionStatus.Status)
	}

	assert.Equal(t, 0, inner.finds, "write-through Save should populate the cache")
	stats := store.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, 1, stats.Entries)
}

func TestCachedStore_ReturnsCopies(t *testing.T) {
	store := NewCachedStore(NewInMemoryStore(), CacheConfig{})
	ctx := context.Background()

	_, err := store.Save(ctx, sampleWorkflow("wf-1", api.StatusCreated))
	require.NoError(t, err)

	first, err := store.FindByID(ctx, "wf-1")
	require.NoError(t, err)
	first.ExecutionStatus.Status = api.StatusFailed

	second, err := store.FindByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusCreated, second.ExecutionStatus.Status)
}

func TestCachedStore_DeleteInvalidates(t *testing.T) {
	store := NewCachedStore(NewInMemoryStore(), CacheConfig{})
	ctx := context.Background()

	_, err := store.Save(ctx, sampleWorkflow("wf-1", api.StatusCreated))
	require.NoError(t, err)

	removed, err := store.Delete(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = store.FindByID(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestCachedStore_ExpiredEntriesReload(t *testing.T) {
	inner := &countingStore{InMemoryStore: NewInMemoryStore()}
	store := NewCachedStore(inner, CacheConfig{Size: 8, TTL: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := store.Save(ctx, sampleWorkflow("wf-1", api.StatusCreated))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = store.FindByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.finds)
}

func TestCachedStore_FailedSaveDropsEntry(t *testing.T) {
	inner := &countingStore{InMemoryStore: NewInMemoryStore()}
	store := NewCachedStore(inner, CacheConfig{})
	ctx := context.Background()

	_, err := store.Save(ctx, sampleWorkflow("wf-1", api.StatusCreated))
	require.NoError(t, err)

	inner.saveErr = errors.New("disk full")
	wf := sampleWorkflow("wf-1", api.StatusRunning)
	_, err = store.Save(ctx, wf)
	require.Error(t, err)

	got, err := store.FindByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusCreated, got.ExecutionStatus.Status)
	assert.Equal(t, 1, inner.finds)
}
