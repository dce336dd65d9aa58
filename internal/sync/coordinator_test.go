package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abhalala/possync/internal/config"
	"github.com/abhalala/possync/internal/store"
)

type recordedWrite struct {
	kind     string
	recordID string
	payload  string
}

type fakeBackend struct {
	mu         gosync.Mutex
	writeFn    func(kind, recordID string, payload json.RawMessage) error
	writes     []recordedWrite
	fetch      map[string][]store.Record
	fetchErr   error
	broadcasts []ChangeEvent
}

func (f *fakeBackend) WriteRecord(_ context.Context, kind, recordID string, payload json.RawMessage) error {
	f.mu.Lock()
	fn := f.writeFn
	f.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(kind, recordID, payload)
	}
	if err == nil {
		f.mu.Lock()
		f.writes = append(f.writes, recordedWrite{kind: kind, recordID: recordID, payload: string(payload)})
		f.mu.Unlock()
	}
	return err
}

func (f *fakeBackend) FetchRecords(_ context.Context, kind string) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetch[kind], nil
}

func (f *fakeBackend) SubscribeChanges(context.Context, string) (<-chan ChangeEvent, error) {
	return make(chan ChangeEvent), nil
}

func (f *fakeBackend) SubscribeBroadcast(context.Context) (<-chan ChangeEvent, error) {
	return make(chan ChangeEvent), nil
}

func (f *fakeBackend) PublishBroadcast(_ context.Context, ev ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, ev)
	return nil
}

func (f *fakeBackend) setWriteFn(fn func(kind, recordID string, payload json.RawMessage) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeFn = fn
}

func (f *fakeBackend) recordedWrites() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeBackend) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Kinds:          []string{"bills"},
		PollInterval:   time.Hour,
		NetworkTimeout: 250 * time.Millisecond,
		DedupWindow:    15 * time.Second,
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeBackend, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "possync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend := &fakeBackend{fetch: make(map[string][]store.Record)}
	c := NewCoordinator(testSyncConfig(), st, backend, NewBus(), zap.NewNop())
	return c, backend, st
}

func snapshotPayload(t *testing.T, c *Coordinator, kind, recordID string) json.RawMessage {
	t.Helper()
	for _, r := range c.Snapshot(kind) {
		if r.ID == recordID {
			return r.Payload
		}
	}
	return nil
}

func TestSubmitMutationSynced(t *testing.T) {
	c, backend, st := newTestCoordinator(t)
	ctx := context.Background()

	queued, err := c.SubmitMutation(ctx, "bills", "b1", json.RawMessage(`{"status":"paid"}`))
	require.NoError(t, err)
	assert.False(t, queued)

	writes := backend.recordedWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, "b1", writes[0].recordID)

	assert.JSONEq(t, `{"status":"paid"}`, string(snapshotPayload(t, c, "bills", "b1")))
	assert.Equal(t, 1, backend.broadcastCount())

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSubmitMutationQueuedOnTimeout(t *testing.T) {
	c, backend, st := newTestCoordinator(t)
	ctx := context.Background()

	backend.setWriteFn(func(string, string, json.RawMessage) error {
		return ErrNetworkTimeout
	})

	queued, err := c.SubmitMutation(ctx, "bills", "b1", json.RawMessage(`{"status":"paid"}`))
	require.NoError(t, err)
	assert.True(t, queued)

	// The optimistic value stays visible while the mutation waits to sync.
	assert.JSONEq(t, `{"status":"paid"}`, string(snapshotPayload(t, c, "bills", "b1")))
	assert.False(t, c.Online())

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubmitMutationRejectedRollsBack(t *testing.T) {
	c, backend, st := newTestCoordinator(t)
	ctx := context.Background()

	queued, err := c.SubmitMutation(ctx, "bills", "b1", json.RawMessage(`{"status":"open","total":12}`))
	require.NoError(t, err)
	require.False(t, queued)

	backend.setWriteFn(func(string, string, json.RawMessage) error {
		return ErrNetworkRejected
	})

	queued, err = c.SubmitMutation(ctx, "bills", "b1", json.RawMessage(`{"status":"paid"}`))
	assert.ErrorIs(t, err, ErrNetworkRejected)
	assert.False(t, queued)

	// Rolled back to the pre-mutation value, and nothing was queued.
	assert.JSONEq(t, `{"status":"open","total":12}`, string(snapshotPayload(t, c, "bills", "b1")))

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSubmitMutationRejectedOnNewRecordRemovesIt(t *testing.T) {
	c, backend, _ := newTestCoordinator(t)

	backend.setWriteFn(func(string, string, json.RawMessage) error {
		return ErrNetworkRejected
	})

	_, err := c.SubmitMutation(context.Background(), "bills", "b1", json.RawMessage(`{"status":"paid"}`))
	assert.ErrorIs(t, err, ErrNetworkRejected)
	assert.Nil(t, snapshotPayload(t, c, "bills", "b1"))
}

func TestDuplicateEventAppliedOnce(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	stream, cancel := c.bus.Subscribe(context.Background())
	defer cancel()

	ev := ChangeEvent{EventID: "e1", Kind: "bills", RecordID: "b1", Status: "paid", Origin: OriginFeed}
	c.handleEvent(ev)

	// Same identity via a second channel inside the dedup window.
	dup := ev
	dup.EventID = "e2"
	dup.Origin = OriginBroadcast
	c.handleEvent(dup)

	select {
	case <-stream:
	case <-time.After(time.Second):
		t.Fatal("first event was not re-published on the bus")
	}
	select {
	case got := <-stream:
		t.Fatalf("duplicate event %q was re-published", got.EventID)
	case <-time.After(50 * time.Millisecond):
	}

	assert.JSONEq(t, `{"status":"paid"}`, string(snapshotPayload(t, c, "bills", "b1")))
}

func TestSyncPendingDrainsInEnqueueOrder(t *testing.T) {
	c, backend, st := newTestCoordinator(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.EnqueueMutation(ctx, &store.PendingMutation{
			Kind:     "bills",
			RecordID: "b1",
			Payload:  json.RawMessage(fmt.Sprintf(`{"status":"step-%d"}`, i)),
		}))
	}

	require.NoError(t, c.SyncPending(ctx))

	writes := backend.recordedWrites()
	require.Len(t, writes, 5)
	for i, w := range writes {
		assert.JSONEq(t, fmt.Sprintf(`{"status":"step-%d"}`, i), w.payload)
	}

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The drained record ends at the last queued status.
	assert.JSONEq(t, `{"status":"step-4"}`, string(snapshotPayload(t, c, "bills", "b1")))
}

func TestSyncPendingHaltsWhenConnectivityDrops(t *testing.T) {
	c, backend, st := newTestCoordinator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.EnqueueMutation(ctx, &store.PendingMutation{
			Kind:     "bills",
			RecordID: fmt.Sprintf("b%d", i),
			Payload:  json.RawMessage(`{"status":"paid"}`),
		}))
	}

	var calls int
	backend.setWriteFn(func(string, string, json.RawMessage) error {
		calls++
		if calls >= 2 {
			return ErrNetworkTimeout
		}
		return nil
	})

	err := c.SyncPending(ctx)
	assert.ErrorIs(t, err, ErrNetworkTimeout)
	assert.False(t, c.Online())

	pending, err := st.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2, "the remainder stays queued after the halt")
	assert.Equal(t, "b1", pending[0].RecordID)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestSyncPendingHaltKeepsLaterSameRecordMutations(t *testing.T) {
	c, backend, st := newTestCoordinator(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.EnqueueMutation(ctx, &store.PendingMutation{
			Kind:     "bills",
			RecordID: "b1",
			Payload:  json.RawMessage(fmt.Sprintf(`{"status":"step-%d"}`, i)),
		}))
	}

	var calls int
	backend.setWriteFn(func(string, string, json.RawMessage) error {
		calls++
		if calls >= 2 {
			return ErrNetworkTimeout
		}
		return nil
	})

	err := c.SyncPending(ctx)
	assert.ErrorIs(t, err, ErrNetworkTimeout)

	// Only the applied mutation leaves the queue; a halting drain must not
	// take the rest of the record's intents with it.
	pending, err := st.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	for i, m := range pending {
		assert.JSONEq(t, fmt.Sprintf(`{"status":"step-%d"}`, i+1), string(m.Payload))
	}

	writes := backend.recordedWrites()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"status":"step-0"}`, writes[0].payload)
}

func TestSyncPendingDropsRejectedMutation(t *testing.T) {
	c, backend, st := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueMutation(ctx, &store.PendingMutation{
		Kind: "bills", RecordID: "bad", Payload: json.RawMessage(`{"status":"paid"}`),
	}))
	require.NoError(t, st.EnqueueMutation(ctx, &store.PendingMutation{
		Kind: "bills", RecordID: "good", Payload: json.RawMessage(`{"status":"paid"}`),
	}))

	backend.setWriteFn(func(_, recordID string, _ json.RawMessage) error {
		if recordID == "bad" {
			return ErrNetworkRejected
		}
		return nil
	})

	require.NoError(t, c.SyncPending(ctx))

	// The rejected mutation is dropped, the rest of the drain continues.
	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	writes := backend.recordedWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, "good", writes[0].recordID)
}

func TestSubmitMutationOfflineSkipsNetworkWrite(t *testing.T) {
	c, backend, st := newTestCoordinator(t)
	ctx := context.Background()

	backend.setWriteFn(func(string, string, json.RawMessage) error {
		t.Error("no write attempt expected while offline")
		return ErrNetworkTimeout
	})
	c.SetOnline(false)

	start := time.Now()
	queued, err := c.SubmitMutation(ctx, "bills", "b1", json.RawMessage(`{"status":"paid"}`))
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Less(t, time.Since(start), c.cfg.NetworkTimeout,
		"offline submit must acknowledge without waiting out a network timeout")

	assert.JSONEq(t, `{"status":"paid"}`, string(snapshotPayload(t, c, "bills", "b1")))

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChangeStreamDeliversConfirmedWrites(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	stream, cancel := c.SubscribeChanges(ctx)
	defer cancel()

	_, err := c.SubmitMutation(ctx, "bills", "b1", json.RawMessage(`{"status":"paid"}`))
	require.NoError(t, err)

	select {
	case ev := <-stream:
		assert.Equal(t, "bills", ev.Kind)
		assert.Equal(t, "b1", ev.RecordID)
		assert.Equal(t, "paid", ev.Status)
		assert.Equal(t, OriginLocal, ev.Origin)
	case <-time.After(time.Second):
		t.Fatal("confirmed write did not reach the change stream")
	}

	c.handleEvent(ChangeEvent{EventID: "e9", Kind: "bills", RecordID: "b2", Status: "open", Origin: OriginFeed})

	select {
	case ev := <-stream:
		assert.Equal(t, "b2", ev.RecordID)
	case <-time.After(time.Second):
		t.Fatal("external change did not reach the change stream")
	}
}

func TestStatusLessEventsNotCollapsed(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	stream, cancel := c.SubscribeChanges(context.Background())
	defer cancel()

	c.handleEvent(ChangeEvent{EventID: "e1", Kind: "bills", RecordID: "b1", Origin: OriginFeed})
	c.handleEvent(ChangeEvent{EventID: "e2", Kind: "bills", RecordID: "b1", Origin: OriginBroadcast})

	for i := 0; i < 2; i++ {
		select {
		case <-stream:
		case <-time.After(time.Second):
			t.Fatalf("status-less event %d was swallowed", i+1)
		}
	}

	// No bogus empty status is merged into the record either.
	assert.Nil(t, snapshotPayload(t, c, "bills", "b1"))
}

func TestReconnectTriggersReconciliation(t *testing.T) {
	c, _, st := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueMutation(ctx, &store.PendingMutation{
		Kind: "bills", RecordID: "b1", Payload: json.RawMessage(`{"status":"paid"}`),
	}))

	c.SetOnline(false)
	c.SetOnline(true)

	require.Eventually(t, func() bool {
		count, err := st.PendingCount(ctx)
		return err == nil && count == 0
	}, 2*time.Second, 10*time.Millisecond, "re-entering online must drain the queue")
}

func TestRefreshOverlaysPendingMutations(t *testing.T) {
	c, backend, st := newTestCoordinator(t)
	ctx := context.Background()

	backend.fetch["bills"] = []store.Record{
		{ID: "b1", Payload: json.RawMessage(`{"status":"open","total":12}`)},
	}
	require.NoError(t, st.EnqueueMutation(ctx, &store.PendingMutation{
		Kind: "bills", RecordID: "b1", Payload: json.RawMessage(`{"status":"paid"}`),
	}))

	c.refresh(ctx)

	// The queued intent must not be hidden by the fresh snapshot.
	assert.JSONEq(t, `{"status":"paid","total":12}`, string(snapshotPayload(t, c, "bills", "b1")))
	assert.True(t, c.Online())
}

func TestRefreshFailureKeepsCachedSnapshot(t *testing.T) {
	c, backend, _ := newTestCoordinator(t)
	ctx := context.Background()

	backend.fetch["bills"] = []store.Record{
		{ID: "b1", Payload: json.RawMessage(`{"status":"open"}`)},
	}
	c.refresh(ctx)
	require.True(t, c.Online())

	backend.mu.Lock()
	backend.fetchErr = ErrNetworkTimeout
	backend.mu.Unlock()

	c.refresh(ctx)

	assert.False(t, c.Online())
	assert.JSONEq(t, `{"status":"open"}`, string(snapshotPayload(t, c, "bills", "b1")))
}

func TestSubscribeConnectivity(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	var mu gosync.Mutex
	var states []bool
	cancel := c.SubscribeConnectivity(func(online bool) {
		mu.Lock()
		states = append(states, online)
		mu.Unlock()
	})
	defer cancel()

	c.SetOnline(false)

	mu.Lock()
	got := append([]bool(nil), states...)
	mu.Unlock()
	assert.Equal(t, []bool{true, false}, got, "immediate snapshot then the transition")
}

func TestMergePayload(t *testing.T) {
	merged := mergePayload(
		json.RawMessage(`{"status":"open","total":12}`),
		json.RawMessage(`{"status":"paid"}`))
	assert.JSONEq(t, `{"status":"paid","total":12}`, string(merged))

	assert.JSONEq(t, `{"status":"paid"}`,
		string(mergePayload(nil, json.RawMessage(`{"status":"paid"}`))))

	assert.Equal(t, `"not-an-object"`,
		string(mergePayload(json.RawMessage(`{"a":1}`), json.RawMessage(`"not-an-object"`))))
}
