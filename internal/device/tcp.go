package device

import (
	"context"
	"fmt"
	"net"
	gosync "sync"
	"time"
)

const defaultDialTimeout = 10 * time.Second

// TCPTransport drives a network-attached thermal printer (raw port 9100).
// Discovery is trivial here: the configured address is the one device. The
// Transport interface still fits BLE-style stacks where discovery genuinely
// prompts the user.
type TCPTransport struct {
	Address     string
	DisplayName string
	DialTimeout time.Duration
}

func (t *TCPTransport) Discover(ctx context.Context) (Device, error) {
	if t.Address == "" {
		return nil, ErrDeviceNotFound
	}
	name := t.DisplayName
	if name == "" {
		name = t.Address
	}
	return &tcpDevice{transport: t, name: name}, nil
}

type tcpDevice struct {
	transport *TCPTransport
	name      string

	mu           gosync.Mutex
	conn         net.Conn
	onDisconnect func()
}

func (d *tcpDevice) Name() string {
	return d.name
}

func (d *tcpDevice) Connect(ctx context.Context) ([]Channel, error) {
	timeout := d.transport.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.transport.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.transport.Address, err)
	}

	d.mu.Lock()
	if d.conn != nil {
		d.conn.Close()
	}
	d.conn = conn
	d.mu.Unlock()

	go d.watch(conn)

	return []Channel{&tcpChannel{device: d, conn: conn}}, nil
}

func (d *tcpDevice) OnDisconnect(fn func()) {
	d.mu.Lock()
	d.onDisconnect = fn
	d.mu.Unlock()
}

// watch blocks on a read until the peer closes or the connection dies, then
// fires the disconnect notification. Receipt printers never send application
// data on this port, so any read return means teardown.
func (d *tcpDevice) watch(conn net.Conn) {
	buf := make([]byte, 1)
	_, _ = conn.Read(buf)

	d.mu.Lock()
	current := d.conn == conn
	if current {
		d.conn = nil
	}
	fn := d.onDisconnect
	d.mu.Unlock()

	conn.Close()
	if current && fn != nil {
		fn()
	}
}

type tcpChannel struct {
	device *tcpDevice
	conn   net.Conn
}

func (c *tcpChannel) Writable() bool {
	return true
}

func (c *tcpChannel) Write(p []byte) error {
	timeout := c.device.transport.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))

	if _, err := c.conn.Write(p); err != nil {
		return fmt.Errorf("write to %s: %w", c.device.name, err)
	}
	return nil
}
