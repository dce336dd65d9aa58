package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/abhalala/possync/internal/store"
)

// Origin identifies which of the four update channels delivered an event.
type Origin string

const (
	OriginLocal     Origin = "local"
	OriginBroadcast Origin = "broadcast"
	OriginFeed      Origin = "feed"
	OriginPoll      Origin = "poll"
)

// ChangeEvent is the ephemeral notification of a record mutation used for
// fan-out and deduplication. It is never persisted.
type ChangeEvent struct {
	EventID  string    `json:"event_id"`
	Kind     string    `json:"kind"`
	RecordID string    `json:"record_id"`
	Status   string    `json:"status"`
	Origin   Origin    `json:"origin"`
	SentAt   time.Time `json:"sent_at"`
}

var (
	// ErrNetworkTimeout marks a backend call that hit its deadline; the
	// mutation is queued and deferred, never lost.
	ErrNetworkTimeout = errors.New("network timeout")
	// ErrNetworkRejected marks a validation or auth rejection. It is never
	// auto-retried: replaying a rejected write could duplicate a sale.
	ErrNetworkRejected = errors.New("write rejected by backend")
)

// Backend is the narrow interface to the hosted database: row writes keyed by
// record id, a change-feed subscription keyed by record kind, a cross-device
// broadcast channel, and snapshot fetches. Its query language and schema are
// out of scope here.
type Backend interface {
	WriteRecord(ctx context.Context, kind, recordID string, payload json.RawMessage) error
	FetchRecords(ctx context.Context, kind string) ([]store.Record, error)
	SubscribeChanges(ctx context.Context, kind string) (<-chan ChangeEvent, error)
	SubscribeBroadcast(ctx context.Context) (<-chan ChangeEvent, error)
	PublishBroadcast(ctx context.Context, ev ChangeEvent) error
}
