package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vibrouter/router/internal/router"
	"github.com/vibrouter/router/internal/selection"
	"github.com/vibrouter/router/internal/shaping"
	"github.com/vibrouter/router/pkg/core"
)

type fakeController struct {
	mu        sync.Mutex
	attached  []int
	detaches  int
	attachErr error
	params    shaping.Params
	passthru  bool
}

func (f *fakeController) Attach(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, pid)
	return f.attachErr
}

func (f *fakeController) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detaches++
}

func (f *fakeController) SetMultiplier(m float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params.Multiplier = shaping.ClampMultiplier(m)
}

func (f *fakeController) SetBaseline(b float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params.Baseline = shaping.ClampBaseline(b)
}

func (f *fakeController) SetPassthru(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passthru = enabled
}

func (f *fakeController) Snapshot() router.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return router.Snapshot{
		State:      core.Attached.String(),
		Pid:        1234,
		Channel:    "chan-0",
		Status:     core.StatusAttached,
		Params:     f.params,
		Passthru:   f.passthru,
		LastSample: core.Vibration{LeftMotorSpeed: 10, RightMotorSpeed: 20},
		Devices:    []core.DeviceInfo{{Index: 0, Name: "Edge"}},
	}
}

type fakeSelector struct {
	patterns []string
	entries  []selection.Entry
}

func (f *fakeSelector) Entries() []selection.Entry    { return f.entries }
func (f *fakeSelector) Patterns() []string            { return f.patterns }
func (f *fakeSelector) SetPatterns(patterns []string) { f.patterns = patterns }

type fakeLister struct {
	sessions []core.Session
	limit    int
	err      error
}

func (f *fakeLister) Sessions(_ context.Context, limit int) ([]core.Session, error) {
	f.limit = limit
	return f.sessions, f.err
}

func newTestConsole() (*Console, *fakeController, *bytes.Buffer) {
	ctrl := &fakeController{params: shaping.DefaultParams()}
	var out bytes.Buffer
	return New(Deps{Router: ctrl}, &out), ctrl, &out
}

func TestExecute_Attach(t *testing.T) {
	c, ctrl, out := newTestConsole()

	require.NoError(t, c.Execute(context.Background(), "attach 4242"))
	c.Wait()

	assert.Equal(t, []int{4242}, ctrl.attached)
	assert.Contains(t, out.String(), "attaching to 4242")
}

func TestExecute_AttachFailurePrinted(t *testing.T) {
	c, ctrl, out := newTestConsole()
	ctrl.attachErr = errors.New("no such process")

	require.NoError(t, c.Execute(context.Background(), "attach 7"))
	c.Wait()

	assert.Contains(t, out.String(), "attach 7: no such process")
}

func TestExecute_AttachInvalid(t *testing.T) {
	c, ctrl, _ := newTestConsole()

	tests := []string{"attach", "attach abc", "attach -5", "attach 0", "attach 1 2"}
	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			assert.Error(t, c.Execute(context.Background(), line))
		})
	}
	c.Wait()
	assert.Empty(t, ctrl.attached)
}

func TestExecute_Detach(t *testing.T) {
	c, ctrl, _ := newTestConsole()
	require.NoError(t, c.Execute(context.Background(), "detach"))
	assert.Equal(t, 1, ctrl.detaches)
}

func TestExecute_MultiplierAndBaseline(t *testing.T) {
	c, ctrl, out := newTestConsole()
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "multiplier 2.5"))
	require.NoError(t, c.Execute(ctx, "baseline 1.7"))
	assert.Equal(t, 2.5, ctrl.params.Multiplier)
	assert.Equal(t, 1.0, ctrl.params.Baseline, "baseline is clamped")
	assert.Contains(t, out.String(), "multiplier: 2.5")
	assert.Contains(t, out.String(), "baseline: 1")

	out.Reset()
	require.NoError(t, c.Execute(ctx, "multiplier"))
	assert.Equal(t, "multiplier: 2.5\n", out.String())

	assert.Error(t, c.Execute(ctx, "multiplier lots"))
	assert.Error(t, c.Execute(ctx, "baseline x"))
}

func TestExecute_Passthru(t *testing.T) {
	c, ctrl, out := newTestConsole()
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "passthru on"))
	assert.True(t, ctrl.passthru)
	require.NoError(t, c.Execute(ctx, "PASSTHRU OFF"))
	assert.False(t, ctrl.passthru)
	assert.Contains(t, out.String(), "passthru: on")
	assert.Contains(t, out.String(), "passthru: off")

	assert.Error(t, c.Execute(ctx, "passthru maybe"))
}

func TestExecute_Devices(t *testing.T) {
	ctrl := &fakeController{}
	sel := &fakeSelector{entries: []selection.Entry{
		{DeviceInfo: core.DeviceInfo{Index: 0, Name: "Edge", VibratorCount: 2}, Selected: true},
		{DeviceInfo: core.DeviceInfo{Index: 3, Name: "Hush", VibratorCount: 1}},
	}}
	var out bytes.Buffer
	c := New(Deps{Router: ctrl, Devices: sel}, &out)

	require.NoError(t, c.Execute(context.Background(), "devices"))
	assert.Equal(t, "[x] 0 Edge (2 vibrators)\n[ ] 3 Hush (1 vibrators)\n", out.String())
}

func TestExecute_DevicesWithoutSelector(t *testing.T) {
	c, _, _ := newTestConsole()
	assert.Error(t, c.Execute(context.Background(), "devices"))
	assert.Error(t, c.Execute(context.Background(), "select edge"))
}

func TestExecute_Select(t *testing.T) {
	sel := &fakeSelector{}
	var out bytes.Buffer
	c := New(Deps{Router: &fakeController{}, Devices: sel}, &out)

	require.NoError(t, c.Execute(context.Background(), "select edge* hush"))
	assert.Equal(t, []string{"edge*", "hush"}, sel.patterns)
	assert.Contains(t, out.String(), "selecting edge* hush")

	out.Reset()
	require.NoError(t, c.Execute(context.Background(), "select"))
	assert.Empty(t, sel.patterns)
	assert.Contains(t, out.String(), "selecting all devices")
}

func TestExecute_Sessions(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lister := &fakeLister{sessions: []core.Session{
		{ID: 2, Pid: 20, StartTime: start},
		{ID: 1, Pid: 10, StartTime: start, EndTime: start.Add(90 * time.Second), EndReason: core.ReasonRemoteExit},
	}}
	var out bytes.Buffer
	c := New(Deps{Router: &fakeController{}, Sessions: lister}, &out)

	require.NoError(t, c.Execute(context.Background(), "sessions 5"))
	assert.Equal(t, 5, lister.limit)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "#2 pid 20 started 2024-05-01 12:00:00 active", lines[0])
	assert.Equal(t, "#1 pid 10 started 2024-05-01 12:00:00 1m30s remote_exit", lines[1])

	require.NoError(t, c.Execute(context.Background(), "sessions"))
	assert.Equal(t, 10, lister.limit)
	assert.Error(t, c.Execute(context.Background(), "sessions -1"))
}

func TestExecute_SessionsErrors(t *testing.T) {
	c, _, _ := newTestConsole()
	assert.Error(t, c.Execute(context.Background(), "sessions"), "no lister")

	var out bytes.Buffer
	c = New(Deps{Router: &fakeController{}, Sessions: &fakeLister{err: errors.New("db down")}}, &out)
	assert.ErrorContains(t, c.Execute(context.Background(), "sessions"), "db down")
}

func TestExecute_Status(t *testing.T) {
	c, _, out := newTestConsole()
	require.NoError(t, c.Execute(context.Background(), "status"))

	s := out.String()
	assert.Contains(t, s, "state: attached")
	assert.Contains(t, s, "pid: 1234")
	assert.Contains(t, s, "channel: chan-0")
	assert.Contains(t, s, "last status: "+core.StatusAttached)
	assert.Contains(t, s, "devices: 1 last sample: 10/20")
}

func TestExecute_HelpListsEveryCommand(t *testing.T) {
	c, _, out := newTestConsole()
	require.NoError(t, c.Execute(context.Background(), "help"))

	for _, name := range c.order {
		assert.Contains(t, out.String(), name)
	}
}

func TestExecute_UnknownAndBlank(t *testing.T) {
	c, _, _ := newTestConsole()
	assert.ErrorContains(t, c.Execute(context.Background(), "launch"), "unknown command")
	assert.NoError(t, c.Execute(context.Background(), "   "))
	assert.ErrorIs(t, c.Execute(context.Background(), "quit"), ErrQuit)
}

func TestReportStatus(t *testing.T) {
	c, _, out := newTestConsole()
	c.ReportStatus(core.Status{Message: core.StatusProcessExited})
	assert.Equal(t, "status: "+core.StatusProcessExited+"\n", out.String())
}

func TestRun_StopsOnQuit(t *testing.T) {
	c, ctrl, out := newTestConsole()
	in := strings.NewReader("detach\nbogus\nquit\ndetach\n")

	require.NoError(t, c.Run(context.Background(), in))
	assert.Equal(t, 1, ctrl.detaches, "commands after quit are not run")
	assert.Contains(t, out.String(), "error: unknown command")
}

func TestRun_EndOfInput(t *testing.T) {
	c, ctrl, _ := newTestConsole()
	assert.ErrorIs(t, c.Run(context.Background(), strings.NewReader("detach\n")), io.EOF)
	assert.Equal(t, 1, ctrl.detaches)
}

func TestRun_ContextCanceled(t *testing.T) {
	c, _, _ := newTestConsole()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a reader that never returns data
	pr, pw := io.Pipe()
	defer pw.Close()

	assert.ErrorIs(t, c.Run(ctx, pr), context.Canceled)
}
