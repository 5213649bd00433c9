package buttplug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibrouter/router/pkg/core"
)

// fakeServer is a minimal device server.
type fakeServer struct {
	t           *testing.T
	maxPingTime int
	devices     []Device
	scanDevice  *Device         // announced after StartScanning
	failDevice  map[uint32]bool // VibrateCmd answered with Error
	silent      map[uint32]bool // VibrateCmd never answered
	dropAfter   int             // close the first connection after this many messages

	mu       sync.Mutex
	received []Incoming
	conns    []*ws.Conn

	// writeMu serializes writes: handler replies and test pushes share a
	// connection, and a websocket allows one writer at a time.
	writeMu sync.Mutex
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t:          t,
		failDevice: map[uint32]bool{},
		silent:     map[uint32]bool{},
		devices: []Device{
			{DeviceName: "Rumble Egg", DeviceIndex: 0, DeviceMessages: map[string]MessageAttributes{
				MsgVibrateCmd: {FeatureCount: 2}, "StopDeviceCmd": {},
			}},
			{DeviceName: "Stroker", DeviceIndex: 1, DeviceMessages: map[string]MessageAttributes{
				"LinearCmd": {FeatureCount: 1},
			}},
		},
	}
}

func (s *fakeServer) start() *httptest.Server {
	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		s.mu.Lock()
		s.conns = append(s.conns, c)
		first := len(s.conns) == 1
		s.mu.Unlock()

		handled := 0
		for {
			_, frame, err := c.ReadMessage()
			if err != nil {
				return
			}
			msgs, err := DecodeFrame(frame)
			if err != nil {
				continue
			}
			for _, m := range msgs {
				s.mu.Lock()
				s.received = append(s.received, m)
				s.mu.Unlock()
				s.handle(c, m)
				handled++
			}
			if first && s.dropAfter > 0 && handled >= s.dropAfter {
				return
			}
		}
	}))
	s.t.Cleanup(srv.Close)
	return srv
}

func (s *fakeServer) reply(c *ws.Conn, msgType string, body any) {
	data, err := Encode(msgType, body)
	require.NoError(s.t, err)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = c.WriteMessage(ws.TextMessage, data)
}

func (s *fakeServer) handle(c *ws.Conn, m Incoming) {
	switch m.Type {
	case MsgRequestServerInfo:
		s.reply(c, MsgServerInfo, ServerInfo{ID: m.ID, ServerName: "Fake Server", MessageVersion: 2, MaxPingTime: s.maxPingTime})
	case MsgRequestDeviceList:
		s.reply(c, MsgDeviceList, DeviceList{ID: m.ID, Devices: s.devices})
	case MsgStartScanning:
		s.reply(c, MsgOk, IDMessage{ID: m.ID})
		if s.scanDevice != nil {
			s.reply(c, MsgDeviceAdded, DeviceAdded{ID: 0, Device: *s.scanDevice})
			s.reply(c, MsgScanningFinished, IDMessage{ID: 0})
		}
	case MsgVibrateCmd:
		var cmd VibrateCmd
		require.NoError(s.t, m.Decode(&cmd))
		switch {
		case s.silent[cmd.DeviceIndex]:
		case s.failDevice[cmd.DeviceIndex]:
			s.reply(c, MsgError, ErrorMessage{ID: m.ID, ErrorMessage: "Device disconnected", ErrorCode: ErrorDevice})
		default:
			s.reply(c, MsgOk, IDMessage{ID: m.ID})
		}
	case MsgPing, MsgStopAllDevices:
		s.reply(c, MsgOk, IDMessage{ID: m.ID})
	default:
		s.reply(c, MsgError, ErrorMessage{ID: m.ID, ErrorMessage: "unknown", ErrorCode: ErrorMsg})
	}
}

func (s *fakeServer) push(msgType string, body any) {
	s.mu.Lock()
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.reply(c, msgType, body)
}

func (s *fakeServer) messages(msgType string) []Incoming {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Incoming
	for _, m := range s.received {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type deviceRecorder struct {
	mu     sync.Mutex
	tables []map[uint32]core.DeviceInfo
}

func (r *deviceRecorder) record(devices map[uint32]core.DeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append(r.tables, devices)
}

func (r *deviceRecorder) last() map[uint32]core.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tables) == 0 {
		return nil
	}
	return r.tables[len(r.tables)-1]
}

func connectClient(t *testing.T, fs *fakeServer, opts Options) (*Client, *deviceRecorder) {
	t.Helper()
	srv := fs.start()
	opts.URL = wsURL(srv)
	if opts.ClientName == "" {
		opts.ClientName = "Game Vibration Router"
	}
	c := New(opts)
	rec := &deviceRecorder{}
	c.OnDevicesChanged(rec.record)

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func TestConnect_Handshake(t *testing.T) {
	fs := newFakeServer(t)
	c, rec := connectClient(t, fs, Options{RequestTimeout: time.Second})

	infos := fs.messages(MsgRequestServerInfo)
	require.Len(t, infos, 1)
	var req RequestServerInfo
	require.NoError(t, infos[0].Decode(&req))
	assert.Equal(t, "Game Vibration Router", req.ClientName)
	assert.Equal(t, MessageVersion, req.MessageVersion)
	assert.Equal(t, "Fake Server", c.ServerName())

	want := map[uint32]core.DeviceInfo{
		0: {Index: 0, Name: "Rumble Egg", VibratorCount: 2, SupportsVibrate: true},
		1: {Index: 1, Name: "Stroker", VibratorCount: 0, SupportsVibrate: false},
	}
	assert.Equal(t, want, c.Devices())
	assert.Equal(t, want, rec.last())
	assert.Empty(t, fs.messages(MsgStartScanning))
}

func TestConnect_ScanAddsDevices(t *testing.T) {
	fs := newFakeServer(t)
	fs.scanDevice = &Device{DeviceName: "Wand", DeviceIndex: 7, DeviceMessages: map[string]MessageAttributes{
		MsgVibrateCmd: {FeatureCount: 1},
	}}
	c, rec := connectClient(t, fs, Options{ScanOnConnect: true})

	require.Eventually(t, func() bool {
		_, ok := rec.last()[7]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, core.DeviceInfo{Index: 7, Name: "Wand", VibratorCount: 1, SupportsVibrate: true}, c.Devices()[7])
	assert.Len(t, fs.messages(MsgStartScanning), 1)
}

func TestDeviceRemoved(t *testing.T) {
	fs := newFakeServer(t)
	c, rec := connectClient(t, fs, Options{})

	fs.push(MsgDeviceRemoved, DeviceRemoved{ID: 0, DeviceIndex: 0})

	require.Eventually(t, func() bool {
		_, ok := rec.last()[0]
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, c.Devices(), uint32(0))
}

func TestPushesInterleaveWithReplies(t *testing.T) {
	fs := newFakeServer(t)
	c, rec := connectClient(t, fs, Options{RequestTimeout: 2 * time.Second})

	cmd := core.NewVibrateCommand(core.DeviceInfo{Index: 0, VibratorCount: 2, SupportsVibrate: true}, 0.5)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.SendVibrate(context.Background(), cmd)
		}()
	}
	for i := range 10 {
		fs.push(MsgDeviceAdded, DeviceAdded{Device: Device{
			DeviceName:     "Extra",
			DeviceIndex:    uint32(100 + i),
			DeviceMessages: map[string]MessageAttributes{MsgVibrateCmd: {FeatureCount: 1}},
		}})
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		_, ok := rec.last()[109]
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, fs.messages(MsgVibrateCmd), 20)
}

func TestSendVibrate(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := connectClient(t, fs, Options{})

	cmd := core.NewVibrateCommand(core.DeviceInfo{Index: 0, VibratorCount: 2, SupportsVibrate: true}, 0.75)
	require.NoError(t, c.SendVibrate(context.Background(), cmd))

	msgs := fs.messages(MsgVibrateCmd)
	require.Len(t, msgs, 1)
	var got VibrateCmd
	require.NoError(t, msgs[0].Decode(&got))
	assert.Equal(t, uint32(0), got.DeviceIndex)
	assert.Equal(t, []VibrateSpeed{{Index: 0, Speed: 0.75}, {Index: 1, Speed: 0.75}}, got.Speeds)
	assert.NotZero(t, got.ID)
}

func TestSendVibrate_DeviceError(t *testing.T) {
	fs := newFakeServer(t)
	fs.failDevice[0] = true
	c, _ := connectClient(t, fs, Options{})

	err := c.SendVibrate(context.Background(), core.VibrateCommand{DeviceIndex: 0, Speeds: []core.Actuation{{Index: 0, Speed: 1}}})

	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrorDevice, de.Code)
	assert.Equal(t, "Device disconnected", de.Message)
}

func TestSendVibrate_Timeout(t *testing.T) {
	fs := newFakeServer(t)
	fs.silent[3] = true
	c, _ := connectClient(t, fs, Options{RequestTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := c.SendVibrate(context.Background(), core.VibrateCommand{DeviceIndex: 3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// the connection is still usable
	assert.NoError(t, c.SendVibrate(context.Background(), core.VibrateCommand{DeviceIndex: 0}))
}

func TestPingLoop(t *testing.T) {
	fs := newFakeServer(t)
	fs.maxPingTime = 40
	connectClient(t, fs, Options{})

	require.Eventually(t, func() bool {
		return len(fs.messages(MsgPing)) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconnect_ReplaysHandshake(t *testing.T) {
	orig := initialBackoff
	initialBackoff = 10 * time.Millisecond
	t.Cleanup(func() { initialBackoff = orig })

	fs := newFakeServer(t)
	fs.dropAfter = 2 // server info + device list
	c, _ := connectClient(t, fs, Options{})

	require.Eventually(t, func() bool {
		return len(fs.messages(MsgRequestServerInfo)) == 2 && len(fs.messages(MsgRequestDeviceList)) == 2
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.SendVibrate(context.Background(), core.VibrateCommand{DeviceIndex: 0}) == nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestClose(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := connectClient(t, fs, Options{})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Len(t, fs.messages(MsgStopAllDevices), 1)
	err := c.SendVibrate(context.Background(), core.VibrateCommand{DeviceIndex: 0})
	assert.True(t, errors.Is(err, errConnClosed))
}

func TestConnect_DialFailure(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/", RequestTimeout: 100 * time.Millisecond})
	assert.Error(t, c.Connect(context.Background()))
}

func TestDecodeFrame(t *testing.T) {
	frame := `[{"Ok":{"Id":4}},{"DeviceRemoved":{"Id":0,"DeviceIndex":2}}]`

	msgs, err := DecodeFrame([]byte(frame))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgOk, msgs[0].Type)
	assert.Equal(t, uint32(4), msgs[0].ID)
	assert.Equal(t, MsgDeviceRemoved, msgs[1].Type)

	var removed DeviceRemoved
	require.NoError(t, msgs[1].Decode(&removed))
	assert.Equal(t, uint32(2), removed.DeviceIndex)

	_, err = DecodeFrame([]byte(`{"Ok":{}}`))
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	data, err := Encode(MsgVibrateCmd, VibrateCmd{ID: 9, DeviceIndex: 1, Speeds: []VibrateSpeed{{Index: 0, Speed: 0.5}}})
	require.NoError(t, err)

	var raw []map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)
	body := raw[0][MsgVibrateCmd]
	assert.Equal(t, float64(9), body["Id"])
	assert.Equal(t, float64(1), body["DeviceIndex"])
}
