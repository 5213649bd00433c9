// Package buttplug is a client for a Buttplug protocol device server. It
// keeps the table of connected devices current and sends vibrate commands.
package buttplug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vibrouter/router/pkg/core"
)

const defaultRequestTimeout = 5 * time.Second

// Options configures a Client.
type Options struct {
	URL            string
	ClientName     string
	ScanOnConnect  bool
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// DevicesFunc receives the full device table after every change.
type DevicesFunc func(devices map[uint32]core.DeviceInfo)

// Client talks to one device server. It is safe for concurrent use.
type Client struct {
	opts   Options
	conn   *connection
	logger *slog.Logger
	nextID atomic.Uint32

	mu         sync.RWMutex
	devices    map[uint32]core.DeviceInfo
	serverName string
	listeners  []DevicesFunc

	pingOnce sync.Once
	pingStop chan struct{}
}

// New creates a Client. Call Connect to start it.
func New(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "buttplug")

	c := &Client{
		opts:     opts,
		conn:     newConnection(logger),
		logger:   logger,
		devices:  map[uint32]core.DeviceInfo{},
		pingStop: make(chan struct{}),
	}
	c.conn.onMessage = c.handleMessage
	c.conn.onReconnect = c.rehandshake
	return c
}

// OnDevicesChanged registers fn to be called with the device table whenever
// it changes. Register before Connect.
func (c *Client) OnDevicesChanged(fn DevicesFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Connect dials the server, introduces the client, fetches the device list
// and optionally starts scanning.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.dial(ctx, c.opts.URL); err != nil {
		return err
	}
	if err := c.handshake(ctx); err != nil {
		_ = c.conn.close()
		return err
	}
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	id := c.newID()
	reply, err := c.request(ctx, id, MsgRequestServerInfo, RequestServerInfo{
		ID:             id,
		ClientName:     c.opts.ClientName,
		MessageVersion: MessageVersion,
	})
	if err != nil {
		return fmt.Errorf("server info: %w", err)
	}
	if reply.Type != MsgServerInfo {
		return fmt.Errorf("server info: unexpected reply %s", reply.Type)
	}
	var info ServerInfo
	if err := reply.Decode(&info); err != nil {
		return err
	}

	c.mu.Lock()
	c.serverName = info.ServerName
	c.mu.Unlock()
	c.logger.Info("Connected to device server", "server", info.ServerName, "version", info.MessageVersion, "maxPingTime", info.MaxPingTime)

	if info.MaxPingTime > 0 {
		interval := time.Duration(info.MaxPingTime) * time.Millisecond / 2
		c.pingOnce.Do(func() { go c.pingLoop(interval) })
	}

	if err := c.RefreshDevices(ctx); err != nil {
		return err
	}

	if c.opts.ScanOnConnect {
		if err := c.StartScanning(ctx); err != nil {
			// not fatal: some servers have no scanning device managers
			c.logger.Warn("Failed to start scanning", "error", err)
		}
	}
	return nil
}

func (c *Client) rehandshake() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.opts.RequestTimeout)
	defer cancel()
	if err := c.handshake(ctx); err != nil {
		c.logger.Error("Handshake after reconnect failed", "error", err)
	}
}

// RefreshDevices replaces the device table with the server's device list.
func (c *Client) RefreshDevices(ctx context.Context) error {
	id := c.newID()
	reply, err := c.request(ctx, id, MsgRequestDeviceList, IDMessage{ID: id})
	if err != nil {
		return fmt.Errorf("device list: %w", err)
	}
	if reply.Type != MsgDeviceList {
		return fmt.Errorf("device list: unexpected reply %s", reply.Type)
	}
	var list DeviceList
	if err := reply.Decode(&list); err != nil {
		return err
	}

	table := make(map[uint32]core.DeviceInfo, len(list.Devices))
	for _, d := range list.Devices {
		table[d.DeviceIndex] = d.Info()
	}

	c.mu.Lock()
	c.devices = table
	c.mu.Unlock()

	c.logger.Info("Device list received", "count", len(table))
	c.notify()
	return nil
}

// StartScanning asks the server to look for new devices.
func (c *Client) StartScanning(ctx context.Context) error {
	id := c.newID()
	return c.expectOk(ctx, id, MsgStartScanning, IDMessage{ID: id})
}

// SendVibrate sets the speed of the vibrators listed in cmd.
func (c *Client) SendVibrate(ctx context.Context, cmd core.VibrateCommand) error {
	id := c.newID()
	return c.expectOk(ctx, id, MsgVibrateCmd, newVibrateCmd(id, cmd))
}

// StopAll stops every device.
func (c *Client) StopAll(ctx context.Context) error {
	id := c.newID()
	return c.expectOk(ctx, id, MsgStopAllDevices, IDMessage{ID: id})
}

// Devices returns a copy of the device table.
func (c *Client) Devices() map[uint32]core.DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.devices)
}

// ServerName returns the name the server reported in the handshake.
func (c *Client) ServerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName
}

// Close stops all devices and closes the connection.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.StopAll(ctx); err != nil && !errors.Is(err, errConnClosed) {
		c.logger.Debug("StopAllDevices on close failed", "error", err)
	}

	c.mu.Lock()
	select {
	case <-c.pingStop:
	default:
		close(c.pingStop)
	}
	c.mu.Unlock()

	return c.conn.close()
}

func (c *Client) newID() uint32 {
	// Id 0 is reserved for server events.
	for {
		if id := c.nextID.Add(1); id != 0 {
			return id
		}
	}
}

func (c *Client) request(ctx context.Context, id uint32, msgType string, body any) (Incoming, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	data, err := Encode(msgType, body)
	if err != nil {
		return Incoming{}, err
	}

	reply, err := c.conn.sendAndWait(ctx, id, data)
	if err != nil {
		return Incoming{}, err
	}
	if reply.Type == MsgError {
		var em ErrorMessage
		if err := reply.Decode(&em); err != nil {
			return Incoming{}, err
		}
		return Incoming{}, &DeviceError{Code: em.ErrorCode, Message: em.ErrorMessage}
	}
	return reply, nil
}

func (c *Client) expectOk(ctx context.Context, id uint32, msgType string, body any) error {
	reply, err := c.request(ctx, id, msgType, body)
	if err != nil {
		return fmt.Errorf("%s: %w", msgType, err)
	}
	if reply.Type != MsgOk {
		return fmt.Errorf("%s: unexpected reply %s", msgType, reply.Type)
	}
	return nil
}

// handleMessage processes server events.
func (c *Client) handleMessage(m Incoming) {
	switch m.Type {
	case MsgDeviceAdded:
		var added DeviceAdded
		if err := m.Decode(&added); err != nil {
			c.logger.Warn("Bad DeviceAdded", "error", err)
			return
		}
		info := added.Info()
		c.mu.Lock()
		c.devices[info.Index] = info
		c.mu.Unlock()
		c.logger.Info("Device added", "index", info.Index, "name", info.Name, "vibrators", info.VibratorCount)
		c.notify()

	case MsgDeviceRemoved:
		var removed DeviceRemoved
		if err := m.Decode(&removed); err != nil {
			c.logger.Warn("Bad DeviceRemoved", "error", err)
			return
		}
		c.mu.Lock()
		delete(c.devices, removed.DeviceIndex)
		c.mu.Unlock()
		c.logger.Info("Device removed", "index", removed.DeviceIndex)
		c.notify()

	case MsgScanningFinished:
		c.logger.Info("Device scanning finished")

	case MsgError:
		var em ErrorMessage
		_ = m.Decode(&em)
		c.logger.Error("Device server error", "code", em.ErrorCode, "message", em.ErrorMessage)

	default:
		c.logger.Debug("Unhandled device server message", "type", m.Type, "id", m.ID)
	}
}

func (c *Client) notify() {
	c.mu.RLock()
	table := maps.Clone(c.devices)
	listeners := append([]DevicesFunc(nil), c.listeners...)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(table)
	}
}

func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pingStop:
			return
		case <-ticker.C:
			id := c.newID()
			if err := c.expectOk(context.Background(), id, MsgPing, IDMessage{ID: id}); err != nil {
				c.logger.Warn("Ping to device server failed", "error", err)
			}
		}
	}
}
