package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/embedding"
)

// fakeEngine is an in-memory Engine that can be scripted to fail the next
// N calls, and that detects callers entering it concurrently.
type fakeEngine struct {
	records map[uuid.UUID]*Record
	failNext []error

	calls  int
	inside atomic.Int32
	raced  atomic.Bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{records: make(map[uuid.UUID]*Record)}
}

func (f *fakeEngine) enter() func() {
	if f.inside.Add(1) > 1 {
		f.raced.Store(true)
	}
	return func() { f.inside.Add(-1) }
}

func (f *fakeEngine) nextErr() error {
	f.calls++
	if len(f.failNext) == 0 {
		return nil
	}
	err := f.failNext[0]
	f.failNext = f.failNext[1:]
	return err
}

func (f *fakeEngine) Insert(_ context.Context, rec *Record) error {
	defer f.enter()()
	if err := f.nextErr(); err != nil {
		return err
	}
	cp := *rec
	f.records[rec.ID] = &cp
	return nil
}

func (f *fakeEngine) Search(_ context.Context, q SearchQuery) ([]Match, error) {
	defer f.enter()()
	if err := f.nextErr(); err != nil {
		return nil, err
	}

	superseded := make(map[uuid.UUID]bool)
	for _, rec := range f.records {
		if rec.Supersedes != nil {
			superseded[*rec.Supersedes] = true
		}
	}

	var matches []Match
	for _, rec := range f.records {
		if superseded[rec.ID] || rec.Metadata["purged"] == "true" {
			continue
		}
		ok := false
		for _, t := range q.Tiers {
			if rec.Tier == t {
				ok = true
			}
		}
		if !ok || (rec.Tier == TierSession && rec.SessionID != q.SessionID) {
			continue
		}
		matches = append(matches, Match{Record: *rec, Similarity: cosine(q.Embedding, rec.Embedding)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.CreatedAt.After(matches[j].Record.CreatedAt)
	})
	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

func (f *fakeEngine) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	defer f.enter()()
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeEngine) FindByExternalKey(_ context.Context, key string) (*Record, error) {
	defer f.enter()()
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	for _, rec := range f.records {
		if rec.Metadata[ExternalKeyMeta] == key {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeEngine) PurgeSession(_ context.Context, sessionID string) error {
	defer f.enter()()
	if err := f.nextErr(); err != nil {
		return err
	}
	for _, rec := range f.records {
		if rec.Tier == TierSession && rec.SessionID == sessionID {
			if rec.Metadata == nil {
				rec.Metadata = map[string]string{}
			}
			rec.Metadata["purged"] = "true"
		}
	}
	return nil
}

func (f *fakeEngine) Ping(_ context.Context) error { return nil }

func (f *fakeEngine) Close() error { return nil }

func cosine(a, b []float32) float64 {
	var sum float64
	for i := range a {
		if i < len(b) {
			sum += float64(a[i]) * float64(b[i])
		}
	}
	return sum
}

func newTestStore(engine Engine) (*Store, *[]time.Duration) {
	s := NewStore(engine, embedding.NewLocal(32), config.StoreConfig{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
	})
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	s.sleep = func(d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}
	return s, &delays
}

func TestStore_PutAndGet(t *testing.T) {
	engine := newFakeEngine()
	store, _ := newTestStore(engine)

	id, err := store.Put(context.Background(), TierPermanent, "", "user prefers short answers", nil)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "user prefers short answers", rec.Text)
	assert.Equal(t, TierPermanent, rec.Tier)
	assert.NotEmpty(t, rec.Embedding)
}

func TestStore_SessionTierRequiresSession(t *testing.T) {
	store, _ := newTestStore(newFakeEngine())

	_, err := store.Put(context.Background(), TierSession, "", "ephemeral note", nil)
	assert.Error(t, err)
}

func TestStore_InvalidTier(t *testing.T) {
	store, _ := newTestStore(newFakeEngine())

	_, err := store.Put(context.Background(), Tier("scratch"), "", "text", nil)
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestStore_RetriesTransientThenSucceeds(t *testing.T) {
	engine := newFakeEngine()
	engine.failNext = []error{
		Transient(errors.New("database is locked")),
		Transient(errors.New("database is locked")),
	}
	store, delays := newTestStore(engine)

	_, err := store.Put(context.Background(), TierPermanent, "", "text", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, engine.calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond}, *delays)
}

func TestStore_ExhaustsRetryBudget(t *testing.T) {
	engine := newFakeEngine()
	engine.failNext = []error{
		Transient(errors.New("database is locked")),
		Transient(errors.New("database is locked")),
		Transient(errors.New("database is locked")),
	}
	store, _ := newTestStore(engine)

	_, err := store.Put(context.Background(), TierPermanent, "", "text", nil)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 3, engine.calls)
}

func TestStore_NonTransientFailsImmediately(t *testing.T) {
	engine := newFakeEngine()
	engine.failNext = []error{errors.New("malformed embedding")}
	store, _ := newTestStore(engine)

	_, err := store.Put(context.Background(), TierPermanent, "", "text", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 1, engine.calls)
}

func TestStore_IdempotentPutByExternalKey(t *testing.T) {
	store, _ := newTestStore(newFakeEngine())
	ctx := context.Background()
	meta := map[string]string{ExternalKeyMeta: "tool:remember:42"}

	first, err := store.Put(ctx, TierPermanent, "", "deadline is friday", meta)
	require.NoError(t, err)
	second, err := store.Put(ctx, TierPermanent, "", "deadline is friday", meta)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestStore_SupersedeHidesFromSearchKeepsGet(t *testing.T) {
	store, _ := newTestStore(newFakeEngine())
	ctx := context.Background()

	oldID, err := store.Put(ctx, TierPermanent, "", "office is in lisbon", nil)
	require.NoError(t, err)
	newID, err := store.Supersede(ctx, oldID, "office moved to porto", nil)
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)

	matches, err := store.Query(ctx, []Tier{TierPermanent}, "office location", "", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, newID, matches[0].Record.ID)

	old, err := store.Get(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, "office is in lisbon", old.Text)
}

func TestStore_EndSessionPurgesOnlySessionTier(t *testing.T) {
	store, _ := newTestStore(newFakeEngine())
	ctx := context.Background()

	_, err := store.Put(ctx, TierSession, "sess-1", "temporary context", nil)
	require.NoError(t, err)
	keptID, err := store.Put(ctx, TierPermanent, "", "lasting fact", nil)
	require.NoError(t, err)

	require.NoError(t, store.EndSession(ctx, "sess-1"))

	matches, err := store.Query(ctx, []Tier{TierSession, TierPermanent}, "context", "sess-1", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, keptID, matches[0].Record.ID)
}

func TestStore_QueryScopesSessionTier(t *testing.T) {
	store, _ := newTestStore(newFakeEngine())
	ctx := context.Background()

	_, err := store.Put(ctx, TierSession, "sess-a", "note from session a", nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, TierSession, "sess-b", "note from session b", nil)
	require.NoError(t, err)

	matches, err := store.Query(ctx, []Tier{TierSession}, "note", "sess-a", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "sess-a", matches[0].Record.SessionID)
}

func TestStore_SerializesEngineAccess(t *testing.T) {
	engine := newFakeEngine()
	store, _ := newTestStore(engine)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Put(ctx, TierPermanent, "", "concurrent write", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, engine.raced.Load(), "engine saw concurrent callers")
	assert.Len(t, engine.records, 20)
}
