package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// InjectRequest describes what the injector must load and where the
// payload should connect to.
type InjectRequest struct {
	Pid      int
	Endpoint Endpoint
	Payload  string
}

// Injector loads the payload into the target process.
type Injector interface {
	Inject(ctx context.Context, req InjectRequest) error
}

// InjectorFunc adapts a function to Injector.
type InjectorFunc func(ctx context.Context, req InjectRequest) error

func (f InjectorFunc) Inject(ctx context.Context, req InjectRequest) error {
	return f(ctx, req)
}

// ExecInjector runs an external helper command. Arguments may contain the
// placeholders {pid}, {endpoint}, {channel} and {payload}.
//
// With an empty Command nothing is run and the payload is expected to
// connect on its own, e.g. when it was loaded by a launcher.
type ExecInjector struct {
	Command string
	Args    []string
	Logger  *slog.Logger
}

func (i *ExecInjector) Inject(ctx context.Context, req InjectRequest) error {
	logger := i.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if i.Command == "" {
		logger.Info("No injector configured, waiting for payload to connect",
			"pid", req.Pid, "endpoint", req.Endpoint.URL())
		return nil
	}

	args := ExpandArgs(i.Args, req)
	logger.Debug("Running injector", "command", i.Command, "args", args)

	cmd := exec.CommandContext(ctx, i.Command, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(out.String())
		if output != "" {
			return fmt.Errorf("injector %s: %w: %s", i.Command, err, output)
		}
		return fmt.Errorf("injector %s: %w", i.Command, err)
	}
	return nil
}

// ExpandArgs substitutes the request placeholders in args.
func ExpandArgs(args []string, req InjectRequest) []string {
	r := strings.NewReplacer(
		"{pid}", strconv.Itoa(req.Pid),
		"{endpoint}", req.Endpoint.URL(),
		"{channel}", req.Endpoint.Name,
		"{payload}", req.Payload,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
