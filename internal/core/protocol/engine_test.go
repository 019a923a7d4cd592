package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oscoin/radicle/internal/adapters/pubsub/inproc"
	"github.com/oscoin/radicle/internal/core/cache"
	"github.com/oscoin/radicle/internal/domain"
	"github.com/oscoin/radicle/internal/ports"
	"github.com/oscoin/radicle/internal/xjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps machine logs in memory and injects failures.
type fakeStore struct {
	mu        sync.Mutex
	logs      map[domain.MachineID][]domain.Value
	nextID    int
	fetchErr  error
	appendErr error
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{logs: map[domain.MachineID][]domain.Value{}}
}

func (s *fakeStore) CreateMachine(ctx context.Context) (domain.MachineID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.nextID++
	id := domain.MachineID(fmt.Sprintf("machine-%d", s.nextID))
	s.logs[id] = nil
	return id, nil
}

func (s *fakeStore) EntriesFrom(ctx context.Context, id domain.MachineID, since *uint64) (uint64, []domain.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return 0, nil, s.fetchErr
	}
	log, ok := s.logs[id]
	if !ok {
		return 0, nil, fmt.Errorf("machine %s not found", id)
	}
	start := 0
	if since != nil {
		start = int(*since)
	}
	if start > len(log) {
		start = len(log)
	}
	out := make([]domain.Value, len(log)-start)
	copy(out, log[start:])
	return uint64(len(log)), out, nil
}

func (s *fakeStore) AppendEntries(ctx context.Context, id domain.MachineID, entries []domain.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.logs[id] = append(s.logs[id], entries...)
	return nil
}

func (s *fakeStore) seed(id domain.MachineID, entries ...domain.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = entries
}

func (s *fakeStore) setFetchErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

func (s *fakeStore) logLen(id domain.MachineID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs[id])
}

// sumEval folds numeric JSON expressions into a running sum. The
// expression `"boom"` fails evaluation.
type sumEval struct{}

func (sumEval) InitState() domain.EvalState { return float64(0) }

func (sumEval) Apply(state domain.EvalState, expression domain.Value) (domain.EvalState, domain.Value, error) {
	var n float64
	if err := xjson.Unmarshal(expression, &n); err != nil {
		return nil, nil, fmt.Errorf("not a number: %s", expression)
	}
	sum := state.(float64) + n
	out, _ := xjson.Marshal(sum)
	return sum, domain.Value(out), nil
}

func (sumEval) Query(state domain.EvalState, expression domain.Value) (domain.Value, error) {
	var probe string
	if err := xjson.Unmarshal(expression, &probe); err != nil || probe != "sum" {
		return nil, fmt.Errorf("unknown probe %s", expression)
	}
	out, _ := xjson.Marshal(state.(float64))
	return domain.Value(out), nil
}

func testConfig(t *testing.T) *domain.Config {
	t.Helper()
	cfg, err := (&domain.Config{
		DataDir:    t.TempDir(),
		AckTimeout: 200 * time.Millisecond,
	}).WithDefaults()
	require.NoError(t, err)
	return cfg
}

func newTestEngine(t *testing.T, store ports.MachineStore, ps ports.PubSub) (*Engine, *Cache) {
	t.Helper()
	c := cache.New[domain.MachineID, domain.CachedEntry]()
	return NewEngine(c, store, ps, sumEval{}, testConfig(t)), c
}

func presentMachine(t *testing.T, c *Cache, id domain.MachineID) domain.MachineState {
	t.Helper()
	entry, ok := c.Lookup(id)
	require.True(t, ok, "machine %s not cached", id)
	p, ok := entry.(domain.Present)
	require.True(t, ok, "machine %s not materialized", id)
	return p.Machine
}

func TestCreateWriter(t *testing.T) {
	store := newFakeStore()
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)
	var membership int
	engine.OnMembershipChange(func() { membership++ })

	id, err := engine.CreateWriter(context.Background())
	require.NoError(t, err)

	m := presentMachine(t, c, id)
	assert.Equal(t, domain.RoleWriter, m.Role)
	assert.Nil(t, m.LastIndex)
	assert.Equal(t, 1, membership)
}

func TestEnsureReaderFoldsExistingLog(t *testing.T) {
	store := newFakeStore()
	store.seed("m1", domain.Value(`1`), domain.Value(`2`), domain.Value(`3`))
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)

	m, err := engine.EnsureReader(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleReader, m.Role)
	require.NotNil(t, m.LastIndex)
	assert.Equal(t, uint64(3), *m.LastIndex)
	assert.Equal(t, float64(6), m.Eval)

	// Second access reuses the cached entry.
	again, err := engine.EnsureReader(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, m.LastIndex, again.LastIndex)
	assert.Equal(t, 1, c.Len())
}

func TestEnsureReaderFailureDegradesAndRetries(t *testing.T) {
	store := newFakeStore()
	store.seed("m1", domain.Value(`5`))
	store.setFetchErr(errors.New("store down"))
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)

	_, err := engine.EnsureReader(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, domain.IsStoreError(err))

	entry, ok := c.Lookup("m1")
	require.True(t, ok, "failed reader must stay in the follow set")
	_, uninitialized := entry.(domain.UninitializedReader)
	assert.True(t, uninitialized)
	assert.Equal(t, domain.RoleReader, entry.EntryRole())

	// Store recovers: the next access upgrades the entry in place.
	store.setFetchErr(nil)
	m, err := engine.EnsureReader(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, float64(5), m.Eval)

	_, isPresent := c.Snapshot()["m1"].(domain.Present)
	assert.True(t, isPresent)
}

func TestWriterSendAppliesAndAppends(t *testing.T) {
	store := newFakeStore()
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)
	id, err := engine.CreateWriter(context.Background())
	require.NoError(t, err)

	results, err := engine.Send(context.Background(), id, []domain.Value{domain.Value(`1`), domain.Value(`2`)})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.JSONEq(t, `1`, string(results[0]))
	assert.JSONEq(t, `3`, string(results[1]))

	m := presentMachine(t, c, id)
	require.NotNil(t, m.LastIndex)
	assert.Equal(t, uint64(2), *m.LastIndex)
	assert.Equal(t, float64(3), m.Eval)
	assert.Equal(t, 2, store.logLen(id))
}

func TestWriterRejectsBatchAtomically(t *testing.T) {
	store := newFakeStore()
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)
	id, err := engine.CreateWriter(context.Background())
	require.NoError(t, err)

	_, err = engine.Send(context.Background(), id, []domain.Value{
		domain.Value(`1`),
		domain.Value(`"boom"`),
		domain.Value(`2`),
	})
	require.Error(t, err)
	assert.True(t, domain.IsInvalidInput(err))

	// No partial application: log and state untouched.
	m := presentMachine(t, c, id)
	assert.Nil(t, m.LastIndex)
	assert.Equal(t, float64(0), m.Eval)
	assert.Equal(t, 0, store.logLen(id))
}

func TestWriterAppendFailureLeavesStateIntact(t *testing.T) {
	store := newFakeStore()
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)
	id, err := engine.CreateWriter(context.Background())
	require.NoError(t, err)

	store.mu.Lock()
	store.appendErr = errors.New("disk full")
	store.mu.Unlock()

	_, err = engine.Send(context.Background(), id, []domain.Value{domain.Value(`1`)})
	require.Error(t, err)
	assert.True(t, domain.IsStoreError(err))

	m := presentMachine(t, c, id)
	assert.Nil(t, m.LastIndex)
	assert.Equal(t, float64(0), m.Eval)
}

func TestReaderSendRoundTrip(t *testing.T) {
	store := newFakeStore()
	ps := inproc.New()
	defer ps.Close()

	writer, _ := newTestEngine(t, store, ps)
	id, err := writer.CreateWriter(context.Background())
	require.NoError(t, err)

	reader, readerCache := newTestEngine(t, store, ps)
	_, err = reader.EnsureReader(context.Background(), id)
	require.NoError(t, err)

	results, err := reader.Send(context.Background(), id, []domain.Value{domain.Value(`4`), domain.Value(`6`)})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.JSONEq(t, `10`, string(results[1]))

	// The Applied broadcast also drives the reader's catch-up refresh.
	require.Eventually(t, func() bool {
		m := presentMachine(t, readerCache, id)
		return m.LastIndex != nil && *m.LastIndex == 2
	}, 2*time.Second, 10*time.Millisecond)

	m := presentMachine(t, readerCache, id)
	assert.Equal(t, float64(10), m.Eval)
	assert.Equal(t, domain.PollHighFreq, m.Polling.Mode)
}

func TestReaderSendTimesOutWithoutWriter(t *testing.T) {
	store := newFakeStore()
	store.seed("orphan", domain.Value(`1`))
	ps := inproc.New()
	defer ps.Close()

	reader, readerCache := newTestEngine(t, store, ps)
	before, err := reader.EnsureReader(context.Background(), "orphan")
	require.NoError(t, err)

	start := time.Now()
	_, err = reader.Send(context.Background(), "orphan", []domain.Value{domain.Value(`2`)})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, domain.IsAckTimeout(err))
	assert.Less(t, elapsed, 2*time.Second, "send must not outlive the ack window")

	// Timeout applies no local effect.
	after := presentMachine(t, readerCache, "orphan")
	assert.Equal(t, before.LastIndex, after.LastIndex)
	assert.Equal(t, before.Eval, after.Eval)
	assert.Equal(t, 1, store.logLen("orphan"))
}

func TestQueryIsPureProbe(t *testing.T) {
	store := newFakeStore()
	store.seed("m1", domain.Value(`2`), domain.Value(`3`))
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)

	first, err := engine.Query(context.Background(), "m1", domain.Value(`"sum"`))
	require.NoError(t, err)
	second, err := engine.Query(context.Background(), "m1", domain.Value(`"sum"`))
	require.NoError(t, err)

	assert.JSONEq(t, `5`, string(first))
	assert.Equal(t, first, second)

	m := presentMachine(t, c, "m1")
	require.NotNil(t, m.LastIndex)
	assert.Equal(t, uint64(2), *m.LastIndex)
	assert.Equal(t, 2, store.logLen("m1"))
	assert.Equal(t, domain.PollHighFreq, m.Polling.Mode)
}

func TestQueryRejectsBadProbe(t *testing.T) {
	store := newFakeStore()
	store.seed("m1")
	ps := inproc.New()
	defer ps.Close()

	engine, _ := newTestEngine(t, store, ps)

	_, err := engine.Query(context.Background(), "m1", domain.Value(`"nonsense"`))
	require.Error(t, err)
	assert.True(t, domain.IsInvalidInput(err))
}

func TestRefreshNoopWhenNothingNew(t *testing.T) {
	store := newFakeStore()
	store.seed("m1", domain.Value(`1`))
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)
	_, err := engine.EnsureReader(context.Background(), "m1")
	require.NoError(t, err)

	before := presentMachine(t, c, "m1")
	require.NoError(t, engine.Refresh(context.Background(), "m1"))
	after := presentMachine(t, c, "m1")

	assert.Equal(t, before.Eval, after.Eval)
	assert.Equal(t, *before.LastIndex, *after.LastIndex)
}

func TestRefreshFoldsNewEntries(t *testing.T) {
	store := newFakeStore()
	store.seed("m1", domain.Value(`1`))
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)
	_, err := engine.EnsureReader(context.Background(), "m1")
	require.NoError(t, err)

	store.seed("m1", domain.Value(`1`), domain.Value(`2`), domain.Value(`3`))
	require.NoError(t, engine.Refresh(context.Background(), "m1"))

	m := presentMachine(t, c, "m1")
	assert.Equal(t, uint64(3), *m.LastIndex)
	assert.Equal(t, float64(6), m.Eval)
	assert.Equal(t, domain.PollHighFreq, m.Polling.Mode)
}

func TestHandlerSurvivesUndecodablePayload(t *testing.T) {
	store := newFakeStore()
	store.seed("m1")
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)
	_, err := engine.EnsureReader(context.Background(), "m1")
	require.NoError(t, err)

	require.NoError(t, ps.Publish(context.Background(), "m1", []byte(`{{garbage`)))
	require.NoError(t, ps.Publish(context.Background(), "m1", []byte(`{"type":"gossip"}`)))

	time.Sleep(50 * time.Millisecond)
	m := presentMachine(t, c, "m1")
	assert.Nil(t, m.LastIndex)
}

func TestConcurrentSendsToOneWriterNeverInterleave(t *testing.T) {
	const (
		senders = 8
		batches = 5
	)

	store := newFakeStore()
	ps := inproc.New()
	defer ps.Close()

	engine, c := newTestEngine(t, store, ps)
	id, err := engine.CreateWriter(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < batches; j++ {
				_, err := engine.Send(context.Background(), id, []domain.Value{
					domain.Value(`1`), domain.Value(`1`),
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	total := senders * batches * 2
	m := presentMachine(t, c, id)
	require.NotNil(t, m.LastIndex)
	assert.Equal(t, uint64(total), *m.LastIndex)
	assert.Equal(t, float64(total), m.Eval)
	assert.Equal(t, total, store.logLen(id))
}
