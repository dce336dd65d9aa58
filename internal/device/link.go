package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abhalala/possync/internal/config"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// StateChange is delivered to subscribers on every link transition, and once
// immediately on subscribing with the current state.
type StateChange struct {
	State      State
	DeviceName string
}

// Link owns the wireless connection lifecycle to the receipt printer:
// discovery, connect, channel negotiation, write, disconnect and bounded
// reconnect. A single Link instance is constructed at startup and injected
// into the print dispatcher; there is no package-level singleton.
type Link struct {
	transport Transport
	cfg       config.DeviceConfig
	log       *zap.Logger

	mu           sync.Mutex
	state        State
	device       Device
	channel      Channel
	reconnecting bool
	subscribers  map[int64]func(StateChange)
	nextSubID    int64

	// workProbe reports whether the dispatcher has queued jobs; a link drop
	// only auto-reconnects when there is work waiting.
	workProbe func() bool
}

func NewLink(transport Transport, cfg config.DeviceConfig, log *zap.Logger) *Link {
	return &Link{
		transport:   transport,
		cfg:         cfg,
		log:         log,
		state:       StateDisconnected,
		subscribers: make(map[int64]func(StateChange)),
	}
}

// SetWorkProbe registers the dispatcher's queued-work check used to decide
// whether a dropped link is worth reconnecting automatically.
func (l *Link) SetWorkProbe(probe func() bool) {
	l.mu.Lock()
	l.workProbe = probe
	l.mu.Unlock()
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) DeviceName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device == nil {
		return ""
	}
	return l.device.Name()
}

// Subscribe delivers the current state immediately, then every transition,
// until the returned cancel func is called.
func (l *Link) Subscribe(fn func(StateChange)) func() {
	l.mu.Lock()
	l.nextSubID++
	id := l.nextSubID
	l.subscribers[id] = fn
	snapshot := StateChange{State: l.state}
	if l.device != nil {
		snapshot.DeviceName = l.device.Name()
	}
	l.mu.Unlock()

	fn(snapshot)

	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

func (l *Link) setState(state State) {
	l.mu.Lock()
	l.state = state
	change := StateChange{State: state}
	if l.device != nil {
		change.DeviceName = l.device.Name()
	}
	fns := make([]func(StateChange), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// Connect establishes the link. When already connected and not forced it is
// a no-op success. A retained device handle is tried silently first; the
// discovery picker only appears when that fails, none exists, or
// forceNewDevice is set.
func (l *Link) Connect(ctx context.Context, forceNewDevice bool) error {
	l.mu.Lock()
	if l.state == StateConnected && !forceNewDevice {
		l.mu.Unlock()
		return nil
	}
	if forceNewDevice {
		l.device = nil
		l.channel = nil
	}
	retained := l.device
	l.mu.Unlock()

	l.setState(StateConnecting)

	if retained != nil {
		if err := l.attach(ctx, retained); err == nil {
			return nil
		}
		l.log.Info("silent reconnect failed, falling back to discovery",
			zap.String("device", retained.Name()))
		l.setState(StateConnecting)
	}

	dev, err := l.transport.Discover(ctx)
	if err != nil {
		l.setState(StateDisconnected)
		return fmt.Errorf("device discovery: %w", err)
	}

	// The identity exists from the moment discovery succeeds; a failed attach
	// must not force the next Connect back through the picker.
	l.mu.Lock()
	l.device = dev
	l.mu.Unlock()

	if err := l.attach(ctx, dev); err != nil {
		return err
	}
	return nil
}

func (l *Link) attach(ctx context.Context, dev Device) error {
	channels, err := dev.Connect(ctx)
	if err != nil {
		l.setState(StateDisconnected)
		return fmt.Errorf("device connect: %w", err)
	}

	var writable Channel
	for _, ch := range channels {
		if ch.Writable() {
			writable = ch
			break
		}
	}
	if writable == nil {
		l.mu.Lock()
		l.device = dev
		l.channel = nil
		l.mu.Unlock()
		l.setState(StateError)
		return ErrNoWritableChannel
	}

	dev.OnDisconnect(l.handleDisconnect)

	l.mu.Lock()
	l.device = dev
	l.channel = writable
	l.mu.Unlock()

	l.setState(StateConnected)
	l.log.Info("device link established", zap.String("device", dev.Name()))
	return nil
}

// Write sends one payload on the active channel. A transport failure tears
// the link down and surfaces ErrLinkLost; retry policy belongs to the caller.
func (l *Link) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.state != StateConnected || l.channel == nil {
		l.mu.Unlock()
		return ErrNotConnected
	}
	ch := l.channel
	l.mu.Unlock()

	if err := ch.Write(p); err != nil {
		l.handleDisconnect()
		return fmt.Errorf("%w: %v", ErrLinkLost, err)
	}
	return nil
}

// Disconnect is the explicit user-initiated teardown. The channel reference
// is released but the device handle is retained so a later Connect does not
// re-prompt.
func (l *Link) Disconnect() {
	l.mu.Lock()
	l.channel = nil
	l.mu.Unlock()
	l.setState(StateDisconnected)
}

// handleDisconnect runs on link-level teardown notifications. When queued
// work exists it starts the bounded backoff reconnect loop.
func (l *Link) handleDisconnect() {
	l.mu.Lock()
	l.channel = nil
	probe := l.workProbe
	alreadyReconnecting := l.reconnecting
	hasWork := probe != nil && probe()
	if hasWork && !alreadyReconnecting {
		l.reconnecting = true
	}
	l.mu.Unlock()

	l.setState(StateDisconnected)

	if hasWork && !alreadyReconnecting {
		go l.reconnectLoop()
	}
}

// NotifyQueuedWork kicks the backoff reconnect loop when the dispatcher
// requeues a job after the link already tore itself down.
func (l *Link) NotifyQueuedWork() {
	l.mu.Lock()
	start := l.state == StateDisconnected && !l.reconnecting && l.device != nil
	if start {
		l.reconnecting = true
	}
	l.mu.Unlock()

	if start {
		go l.reconnectLoop()
	}
}

// reconnectLoop retries silently with exponential backoff (base delay doubled
// per attempt) up to the configured attempt cap. Exhaustion leaves the link
// Disconnected; only the next explicit Connect tries again.
func (l *Link) reconnectLoop() {
	defer func() {
		l.mu.Lock()
		l.reconnecting = false
		l.mu.Unlock()
	}()

	for attempt := 0; attempt < l.cfg.ReconnectAttempts; attempt++ {
		wait := l.cfg.ReconnectBaseWait * time.Duration(1<<uint(attempt))
		time.Sleep(wait)

		l.mu.Lock()
		retained := l.device
		l.mu.Unlock()
		if retained == nil {
			return
		}

		l.setState(StateConnecting)
		if err := l.attach(context.Background(), retained); err == nil {
			return
		}
		l.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", l.cfg.ReconnectAttempts))
	}

	l.log.Warn("reconnect attempts exhausted, staying disconnected")
}
