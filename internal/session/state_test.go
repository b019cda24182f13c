package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateStore(t *testing.T) (*StateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStateStore(client, time.Hour), mr
}

func TestStateStore_WorkingMemoryRoundTrip(t *testing.T) {
	store, _ := newTestStateStore(t)
	ctx := context.Background()

	wm, err := store.WorkingMemory(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, wm)

	require.NoError(t, store.SetWorkingMemory(ctx, "sess-1", &WorkingMemory{
		Content: "user is planning a trip to porto",
		Source:  "turn 3",
	}))

	wm, err = store.WorkingMemory(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "user is planning a trip to porto", wm.Content)
	assert.False(t, wm.UpdatedAt.IsZero())
}

func TestStateStore_WorkingMemoryReplacesWholesale(t *testing.T) {
	store, _ := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWorkingMemory(ctx, "sess-1", &WorkingMemory{Content: "first"}))
	require.NoError(t, store.SetWorkingMemory(ctx, "sess-1", &WorkingMemory{Content: "second"}))

	wm, err := store.WorkingMemory(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "second", wm.Content)
	assert.NotContains(t, wm.Content, "first")
}

func TestStateStore_ArtifactsRoundTrip(t *testing.T) {
	store, _ := newTestStateStore(t)
	ctx := context.Background()

	a, err := store.Artifacts(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, a.Tasks)

	require.NoError(t, store.SetArtifacts(ctx, "sess-1", &Artifacts{
		Tasks: []TaskItem{{ID: "t1", Title: "book flights"}},
	}))

	a, err = store.Artifacts(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, a.Tasks, 1)
	assert.Equal(t, "book flights", a.Tasks[0].Title)
}

func TestStateStore_KeysExpire(t *testing.T) {
	store, mr := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWorkingMemory(ctx, "sess-1", &WorkingMemory{Content: "ephemeral"}))
	mr.FastForward(2 * time.Hour)

	wm, err := store.WorkingMemory(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, wm)
}

func TestStateStore_ClearDropsAllState(t *testing.T) {
	store, _ := newTestStateStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWorkingMemory(ctx, "sess-1", &WorkingMemory{Content: "notes"}))
	require.NoError(t, store.SetArtifacts(ctx, "sess-1", &Artifacts{
		CalendarDrafts: []CalendarEvent{{ID: "e1", Title: "dentist", Start: time.Now()}},
	}))

	require.NoError(t, store.Clear(ctx, "sess-1"))

	wm, err := store.WorkingMemory(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, wm)
	a, err := store.Artifacts(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, a.CalendarDrafts)
}
