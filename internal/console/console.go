// Package console is the operator's line-oriented command surface.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vibrouter/router/internal/router"
	"github.com/vibrouter/router/internal/selection"
	"github.com/vibrouter/router/internal/storage"
	"github.com/vibrouter/router/pkg/core"
)

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("quit")

// Controller is the part of the router the console drives.
type Controller interface {
	Attach(ctx context.Context, pid int) error
	Detach()
	SetMultiplier(m float64)
	SetBaseline(b float64)
	SetPassthru(enabled bool)
	Snapshot() router.Snapshot
}

// DeviceSelector lists devices and changes the selection patterns.
type DeviceSelector interface {
	Entries() []selection.Entry
	Patterns() []string
	SetPatterns(patterns []string)
}

// Deps holds the console collaborators. Devices and Sessions are optional.
type Deps struct {
	Router   Controller
	Devices  DeviceSelector
	Sessions storage.Lister
	Logger   *slog.Logger
}

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, args []string) error
}

// Console parses operator commands and prints their results.
type Console struct {
	deps     Deps
	commands map[string]command
	order    []string

	outMu sync.Mutex
	out   io.Writer

	attaches sync.WaitGroup
}

// New creates a console writing to out.
func New(deps Deps, out io.Writer) *Console {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	c := &Console{
		deps:     deps,
		commands: make(map[string]command),
		out:      out,
	}
	c.register("attach", "attach <pid>", "attach to a running process", c.attach)
	c.register("detach", "detach", "detach from the current process", c.detach)
	c.register("multiplier", "multiplier [value]", "show or set the sample multiplier", c.multiplier)
	c.register("baseline", "baseline [value]", "show or set the minimum speed (0..1)", c.baseline)
	c.register("passthru", "passthru [on|off]", "show or set controller rumble passthru", c.passthru)
	c.register("devices", "devices", "list known devices", c.devices)
	c.register("select", "select [pattern...]", "drive only devices matching the patterns; none selects all", c.selectDevices)
	c.register("sessions", "sessions [n]", "list recent sessions", c.sessions)
	c.register("status", "status", "show router status", c.status)
	c.register("help", "help", "list commands", c.help)
	c.register("quit", "quit", "exit", func(context.Context, []string) error { return ErrQuit })
	return c
}

func (c *Console) register(name, usage, help string, run func(context.Context, []string) error) {
	c.commands[name] = command{usage: usage, help: help, run: run}
	c.order = append(c.order, name)
}

// Run reads commands from in until quit or ctx is done. It returns io.EOF
// at end of input.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return io.EOF
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

// Execute runs a single command line.
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, ok := c.commands[strings.ToLower(fields[0])]
	if !ok {
		return fmt.Errorf("unknown command %q, type help", fields[0])
	}
	return cmd.run(ctx, fields[1:])
}

// Wait blocks until attaches started by the console have returned.
func (c *Console) Wait() {
	c.attaches.Wait()
}

// ReportStatus prints lifecycle messages from the router.
func (c *Console) ReportStatus(s core.Status) {
	c.printf("status: %s\n", s.Message)
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) attach(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: attach <pid>")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid %q", args[0])
	}

	// Attach blocks until the payload connects; detach must stay usable
	// meanwhile.
	c.attaches.Add(1)
	go func() {
		defer c.attaches.Done()
		if err := c.deps.Router.Attach(ctx, pid); err != nil {
			c.deps.Logger.Debug("Attach returned", "pid", pid, "error", err)
			c.printf("attach %d: %v\n", pid, err)
		}
	}()
	c.printf("attaching to %d\n", pid)
	return nil
}

func (c *Console) detach(context.Context, []string) error {
	c.deps.Router.Detach()
	return nil
}

func (c *Console) multiplier(_ context.Context, args []string) error {
	if len(args) == 0 {
		c.printf("multiplier: %g\n", c.deps.Router.Snapshot().Params.Multiplier)
		return nil
	}
	v, err := parseFloat(args[0])
	if err != nil {
		return err
	}
	c.deps.Router.SetMultiplier(v)
	c.printf("multiplier: %g\n", c.deps.Router.Snapshot().Params.Multiplier)
	return nil
}

func (c *Console) baseline(_ context.Context, args []string) error {
	if len(args) == 0 {
		c.printf("baseline: %g\n", c.deps.Router.Snapshot().Params.Baseline)
		return nil
	}
	v, err := parseFloat(args[0])
	if err != nil {
		return err
	}
	c.deps.Router.SetBaseline(v)
	c.printf("baseline: %g\n", c.deps.Router.Snapshot().Params.Baseline)
	return nil
}

func (c *Console) passthru(_ context.Context, args []string) error {
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on", "true", "1":
			c.deps.Router.SetPassthru(true)
		case "off", "false", "0":
			c.deps.Router.SetPassthru(false)
		default:
			return errors.New("usage: passthru [on|off]")
		}
	}
	c.printf("passthru: %s\n", onOff(c.deps.Router.Snapshot().Passthru))
	return nil
}

func (c *Console) devices(context.Context, []string) error {
	if c.deps.Devices == nil {
		return errors.New("no device server")
	}
	entries := c.deps.Devices.Entries()
	if len(entries) == 0 {
		c.printf("no devices\n")
		return nil
	}
	for _, e := range entries {
		mark := " "
		if e.Selected {
			mark = "x"
		}
		c.printf("[%s] %d %s (%d vibrators)\n", mark, e.Index, e.Name, e.VibratorCount)
	}
	return nil
}

func (c *Console) selectDevices(_ context.Context, args []string) error {
	if c.deps.Devices == nil {
		return errors.New("no device server")
	}
	c.deps.Devices.SetPatterns(args)
	patterns := c.deps.Devices.Patterns()
	if len(patterns) == 0 {
		c.printf("selecting all devices\n")
		return nil
	}
	c.printf("selecting %s\n", strings.Join(patterns, " "))
	return nil
}

func (c *Console) sessions(ctx context.Context, args []string) error {
	if c.deps.Sessions == nil {
		return errors.New("session storage does not support listing")
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", args[0])
		}
		limit = n
	}

	list, err := c.deps.Sessions.Sessions(ctx, limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		c.printf("no sessions\n")
		return nil
	}
	for _, s := range list {
		end := "active"
		if !s.EndTime.IsZero() {
			end = fmt.Sprintf("%s %s", s.EndTime.Sub(s.StartTime).Round(time.Second), s.EndReason)
		}
		c.printf("#%d pid %d started %s %s\n", s.ID, s.Pid, s.StartTime.Format(time.DateTime), end)
	}
	return nil
}

func (c *Console) status(context.Context, []string) error {
	snap := c.deps.Router.Snapshot()
	c.printf("state: %s\n", snap.State)
	if snap.Pid != 0 {
		c.printf("pid: %d\n", snap.Pid)
	}
	if snap.Channel != "" {
		c.printf("channel: %s\n", snap.Channel)
	}
	if snap.Status != "" {
		c.printf("last status: %s\n", snap.Status)
	}
	c.printf("multiplier: %g baseline: %g passthru: %s\n", snap.Params.Multiplier, snap.Params.Baseline, onOff(snap.Passthru))
	c.printf("devices: %d last sample: %d/%d speed: %.3f\n",
		len(snap.Devices), snap.LastSample.LeftMotorSpeed, snap.LastSample.RightMotorSpeed, snap.LastSpeed)
	return nil
}

func (c *Console) help(context.Context, []string) error {
	width := 0
	for _, name := range c.order {
		width = max(width, len(c.commands[name].usage))
	}
	for _, name := range c.order {
		cmd := c.commands[name]
		c.printf("  %-*s  %s\n", width, cmd.usage, cmd.help)
	}
	return nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
