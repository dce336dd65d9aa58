package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abhalala/possync/internal/config"
	"github.com/abhalala/possync/internal/store"
)

type seenKey struct {
	kind     string
	recordID string
	status   string
}

// Coordinator presents one consistent view of mutable records to every
// display despite four independent update sources: the same-device bus, the
// cross-device broadcast, the backend change feed, and a periodic poll.
// Delivery across those channels is at-least-once by construction, so every
// inbound event passes the dedup set before it is applied.
type Coordinator struct {
	cfg     config.SyncConfig
	store   *store.Store
	backend Backend
	bus     *Bus
	log     *zap.Logger

	mu      gosync.Mutex
	online  bool
	records map[string]map[string]json.RawMessage
	seen    map[seenKey]time.Time

	connSubs  map[int64]func(online bool)
	nextSubID int64

	syncMu gosync.Mutex // serializes pending-queue drains

	stopCh  chan struct{}
	stopped gosync.Once
	wg      gosync.WaitGroup
}

func NewCoordinator(cfg config.SyncConfig, st *store.Store, backend Backend, bus *Bus, log *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		backend:  backend,
		bus:      bus,
		log:      log,
		online:   true,
		records:  make(map[string]map[string]json.RawMessage),
		seen:     make(map[seenKey]time.Time),
		connSubs: make(map[int64]func(bool)),
		stopCh:   make(chan struct{}),
	}
}

// Start hydrates in-memory state from the offline cache, wires the four
// update sources into one fan-in loop, and kicks an initial refresh.
func (c *Coordinator) Start(ctx context.Context) error {
	for _, kind := range c.cfg.Kinds {
		cached, err := c.store.GetCached(ctx, kind)
		if err != nil {
			return fmt.Errorf("failed to load cached %s records: %w", kind, err)
		}
		byID := make(map[string]json.RawMessage, len(cached))
		for _, r := range cached {
			byID[r.ID] = r.Payload
		}
		c.mu.Lock()
		c.records[kind] = byID
		c.mu.Unlock()
	}

	inbound := make(chan ChangeEvent, 64)

	busStream, busCancel := c.bus.Subscribe(ctx)
	c.forward(ctx, busStream, inbound)

	broadcastStream, err := c.backend.SubscribeBroadcast(ctx)
	if err != nil {
		busCancel()
		return fmt.Errorf("failed to subscribe to broadcast channel: %w", err)
	}
	c.forward(ctx, broadcastStream, inbound)

	for _, kind := range c.cfg.Kinds {
		feed, err := c.backend.SubscribeChanges(ctx, kind)
		if err != nil {
			busCancel()
			return fmt.Errorf("failed to subscribe to %s change feed: %w", kind, err)
		}
		c.forward(ctx, feed, inbound)
	}

	c.wg.Add(1)
	go c.run(ctx, inbound)

	go c.refresh(ctx)
	return nil
}

func (c *Coordinator) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Coordinator) forward(ctx context.Context, src <-chan ChangeEvent, dst chan<- ChangeEvent) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-src:
				if !ok {
					return
				}
				select {
				case dst <- ev:
				case <-c.stopCh:
					return
				}
			}
		}
	}()
}

// run is the fan-in loop. The poll ticker is the backstop refresh that
// tolerates missed or out-of-order channel notifications.
func (c *Coordinator) run(ctx context.Context, inbound <-chan ChangeEvent) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case ev := <-inbound:
			c.handleEvent(ev)
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

// handleEvent applies an inbound change exactly once. Duplicates arriving via
// a second channel inside the dedup window are dropped.
func (c *Coordinator) handleEvent(ev ChangeEvent) {
	if ev.Status == "" {
		// A status-less event carries nothing to apply and nothing to dedup
		// on; two distinct ones must not collapse. Fan each out so displays
		// refetch.
		if ev.Origin != OriginLocal {
			c.bus.Publish(ev)
		}
		return
	}

	if c.markSeen(ev.Kind, ev.RecordID, ev.Status) {
		return
	}

	c.mu.Lock()
	c.applyStatusLocked(ev.Kind, ev.RecordID, ev.Status)
	c.mu.Unlock()

	// Re-publish on the same-device bus so local displays refresh; the dedup
	// set swallows the echo when it comes back around.
	if ev.Origin != OriginLocal {
		c.bus.Publish(ev)
	}

	c.log.Debug("change event applied",
		zap.String("kind", ev.Kind),
		zap.String("record_id", ev.RecordID),
		zap.String("status", ev.Status),
		zap.String("origin", string(ev.Origin)))
}

// markSeen records the event identity and reports whether it was already
// seen inside the dedup window. An empty status is never recorded: the
// (kind, record) pair alone does not identify a change.
func (c *Coordinator) markSeen(kind, recordID, status string) bool {
	if status == "" {
		return false
	}

	key := seenKey{kind: kind, recordID: recordID, status: status}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, at := range c.seen {
		if now.Sub(at) > c.cfg.DedupWindow {
			delete(c.seen, k)
		}
	}

	if at, ok := c.seen[key]; ok && now.Sub(at) <= c.cfg.DedupWindow {
		return true
	}
	c.seen[key] = now
	return false
}

func (c *Coordinator) applyStatusLocked(kind, recordID, status string) {
	byID, ok := c.records[kind]
	if !ok {
		byID = make(map[string]json.RawMessage)
		c.records[kind] = byID
	}
	byID[recordID] = mergePayload(byID[recordID], json.RawMessage(
		fmt.Sprintf(`{"status":%q}`, status)))
}

// SubmitMutation applies a local user action optimistically, then attempts
// the network write. The returned queued flag is true when the write could
// not reach the backend and the mutation was durably parked instead; the UI
// shows a non-blocking "offline, will sync" acknowledgment in that case.
// While offline no write is attempted at all, so the acknowledgment comes
// back immediately. A rejected write rolls the in-memory value back to the
// pre-mutation state.
func (c *Coordinator) SubmitMutation(ctx context.Context, kind, recordID string, payload json.RawMessage) (queued bool, err error) {
	c.mu.Lock()
	byID, ok := c.records[kind]
	if !ok {
		byID = make(map[string]json.RawMessage)
		c.records[kind] = byID
	}
	previous := byID[recordID]
	merged := mergePayload(previous, payload)
	byID[recordID] = merged
	c.mu.Unlock()

	if !c.Online() {
		// Reconnection is owned by the poll and the platform signal; probing
		// here would block every offline submit for a full network timeout.
		return c.park(ctx, kind, recordID, payload, previous)
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.NetworkTimeout)
	defer cancel()
	writeErr := c.backend.WriteRecord(wctx, kind, recordID, payload)

	if writeErr == nil {
		c.setOnline(true)
		c.confirmWrite(ctx, kind, recordID, merged)
		return false, nil
	}

	if errors.Is(writeErr, ErrNetworkRejected) {
		c.restore(kind, recordID, previous)
		c.log.Warn("mutation rejected, optimistic value rolled back",
			zap.String("kind", kind),
			zap.String("record_id", recordID),
			zap.Error(writeErr))
		return false, writeErr
	}

	// Retryable failure: keep the optimistic value and queue the intent.
	c.setOnline(false)
	c.log.Warn("backend write failed, queueing mutation",
		zap.String("kind", kind),
		zap.String("record_id", recordID),
		zap.Error(writeErr))
	return c.park(ctx, kind, recordID, payload, previous)
}

// park durably queues a mutation that could not be written. When queueing
// itself fails the optimistic value is rolled back rather than left behind
// with no queued intent.
func (c *Coordinator) park(ctx context.Context, kind, recordID string, payload, previous json.RawMessage) (bool, error) {
	m := &store.PendingMutation{Kind: kind, RecordID: recordID, Payload: payload}
	if qErr := c.store.EnqueueMutation(ctx, m); qErr != nil {
		c.restore(kind, recordID, previous)
		return false, fmt.Errorf("failed to queue offline mutation: %w", qErr)
	}

	c.log.Info("mutation queued while offline",
		zap.String("kind", kind),
		zap.String("record_id", recordID),
		zap.String("mutation_id", m.ID))
	return true, nil
}

// restore puts a record back to its pre-mutation value.
func (c *Coordinator) restore(kind, recordID string, previous json.RawMessage) {
	c.mu.Lock()
	if previous == nil {
		delete(c.records[kind], recordID)
	} else {
		c.records[kind][recordID] = previous
	}
	c.mu.Unlock()
}

// confirmWrite runs after a fresh submit is acked: clears the pending entries
// the ack made redundant, then announces the change. The record-wide clear is
// safe only here, where the acked write carries the record's latest local
// state; the drain path must never use it.
func (c *Coordinator) confirmWrite(ctx context.Context, kind, recordID string, merged json.RawMessage) {
	if n, err := c.store.DeletePendingForRecord(ctx, kind, recordID); err != nil {
		c.log.Warn("failed to clear pending mutations after ack", zap.Error(err))
	} else if n > 0 {
		c.log.Info("cleared pending mutations superseded by confirmed write",
			zap.Int64("count", n),
			zap.String("record_id", recordID))
	}

	c.announce(ctx, kind, recordID, merged)
}

// announce marks a confirmed change seen and fans it out on the same-device
// bus and the cross-device broadcast so other displays refresh immediately.
func (c *Coordinator) announce(ctx context.Context, kind, recordID string, merged json.RawMessage) {
	status := extractStatus(merged)
	ev := ChangeEvent{
		EventID:  uuid.NewString(),
		Kind:     kind,
		RecordID: recordID,
		Status:   status,
		Origin:   OriginLocal,
		SentAt:   time.Now().UTC(),
	}
	c.markSeen(kind, recordID, status)

	c.bus.Publish(ev)
	if err := c.backend.PublishBroadcast(ctx, ev); err != nil {
		// Best effort: the change feed and poll backstop cover the miss.
		c.log.Warn("cross-device broadcast failed", zap.Error(err))
	}
}

// SyncPending drains the pending-mutation queue in enqueue order, one
// mutation at a time so two writes for the same record can never race after
// reconnection. The drain halts as soon as connectivity drops again, leaving
// the remainder queued. Rejected mutations are dropped: retrying them could
// duplicate a sale, and the next poll restores the backend's view.
func (c *Coordinator) SyncPending(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return err
	}

	for _, m := range pending {
		wctx, cancel := context.WithTimeout(ctx, c.cfg.NetworkTimeout)
		writeErr := c.backend.WriteRecord(wctx, m.Kind, m.RecordID, m.Payload)
		cancel()

		if writeErr == nil {
			if err := c.store.DeletePending(ctx, m.ID); err != nil {
				c.log.Warn("failed to remove synced mutation", zap.Error(err))
			}
			c.mu.Lock()
			byID, ok := c.records[m.Kind]
			if !ok {
				byID = make(map[string]json.RawMessage)
				c.records[m.Kind] = byID
			}
			merged := mergePayload(byID[m.RecordID], m.Payload)
			byID[m.RecordID] = merged
			c.mu.Unlock()
			// Only the applied row is removed; later mutations for the same
			// record stay queued in case the drain halts before reaching them.
			c.announce(ctx, m.Kind, m.RecordID, merged)
			continue
		}

		if errors.Is(writeErr, ErrNetworkRejected) {
			c.log.Error("queued mutation rejected by backend, dropping",
				zap.String("mutation_id", m.ID),
				zap.String("record_id", m.RecordID),
				zap.Error(writeErr))
			if err := c.store.DeletePending(ctx, m.ID); err != nil {
				c.log.Warn("failed to remove rejected mutation", zap.Error(err))
			}
			continue
		}

		if err := c.store.IncrementAttempts(ctx, m.ID); err != nil {
			c.log.Warn("failed to record mutation attempt", zap.Error(err))
		}
		c.setOnline(false)
		return fmt.Errorf("pending drain halted: %w", writeErr)
	}

	return nil
}

// ManualSync is the user-triggered refresh: fetch fresh snapshots, then
// drain the pending queue.
func (c *Coordinator) ManualSync(ctx context.Context) error {
	c.refresh(ctx)
	return c.SyncPending(ctx)
}

// refresh is the poll backstop: fetch every kind with a bounded timeout and
// replace the snapshot wholesale. A timeout or failure falls back to the
// cached snapshot and flips connectivity to offline.
func (c *Coordinator) refresh(ctx context.Context) {
	for _, kind := range c.cfg.Kinds {
		fctx, cancel := context.WithTimeout(ctx, c.cfg.NetworkTimeout)
		records, err := c.backend.FetchRecords(fctx, kind)
		cancel()

		if err != nil {
			c.log.Warn("poll fetch failed, serving cached snapshot",
				zap.String("kind", kind), zap.Error(err))
			c.setOnline(false)
			return
		}

		byID := make(map[string]json.RawMessage, len(records))
		for _, r := range records {
			byID[r.ID] = r.Payload
		}

		// Re-overlay queued intents so an optimistic value is not hidden by
		// the snapshot while its mutation is still waiting to sync.
		if pending, err := c.store.ListPending(ctx); err == nil {
			for _, m := range pending {
				if m.Kind == kind {
					byID[m.RecordID] = mergePayload(byID[m.RecordID], m.Payload)
				}
			}
		}

		c.mu.Lock()
		c.records[kind] = byID
		c.mu.Unlock()

		if err := c.store.Cache(ctx, kind, records); err != nil {
			c.log.Warn("failed to persist snapshot", zap.String("kind", kind), zap.Error(err))
		}
	}

	c.setOnline(true)
}

// Snapshot returns the current view of one record kind.
func (c *Coordinator) Snapshot(kind string) []store.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	byID := c.records[kind]
	records := make([]store.Record, 0, len(byID))
	for id, payload := range byID {
		records = append(records, store.Record{ID: id, Payload: payload})
	}
	return records
}

// SubscribeChanges is the egress of the same-device fan-out: every confirmed
// local write and every deduplicated external change reaches the stream, so
// an open display refreshes without waiting for its own poll cycle.
func (c *Coordinator) SubscribeChanges(ctx context.Context) (<-chan ChangeEvent, func()) {
	return c.bus.Subscribe(ctx)
}

// PendingCount reports how many mutations are waiting to sync.
func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	return c.store.PendingCount(ctx)
}

// Online reports current connectivity.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline feeds a platform connectivity signal. Re-entering the online
// state immediately refreshes and drains the pending queue.
func (c *Coordinator) SetOnline(online bool) {
	c.setOnline(online)
}

func (c *Coordinator) setOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	fns := make([]func(bool), 0, len(c.connSubs))
	if changed {
		for _, fn := range c.connSubs {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	if !changed {
		return
	}

	for _, fn := range fns {
		fn(online)
	}

	if online {
		c.log.Info("connectivity restored, reconciling")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.NetworkTimeout*time.Duration(1+len(c.cfg.Kinds)))
			defer cancel()
			c.refresh(ctx)
			if err := c.SyncPending(ctx); err != nil {
				c.log.Warn("reconciliation incomplete", zap.Error(err))
			}
		}()
	} else {
		c.log.Warn("connectivity lost, writes will queue")
	}
}

// SubscribeConnectivity delivers the current state immediately, then every
// transition, until the returned cancel func runs.
func (c *Coordinator) SubscribeConnectivity(fn func(online bool)) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.connSubs[id] = fn
	snapshot := c.online
	c.mu.Unlock()

	fn(snapshot)

	return func() {
		c.mu.Lock()
		delete(c.connSubs, id)
		c.mu.Unlock()
	}
}

// mergePayload overlays a partial mutation payload (e.g. a status change)
// onto the existing record, or replaces it when there is nothing to merge
// with or either side is not a JSON object.
func mergePayload(existing, patch json.RawMessage) json.RawMessage {
	if len(existing) == 0 {
		return patch
	}

	var base map[string]any
	if err := json.Unmarshal(existing, &base); err != nil {
		return patch
	}
	var overlay map[string]any
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return patch
	}

	for k, v := range overlay {
		base[k] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return patch
	}
	return merged
}

func extractStatus(payload json.RawMessage) string {
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Status
}
