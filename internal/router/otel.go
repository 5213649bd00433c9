package router

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/vibrouter/router/internal/router"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

type instruments struct {
	ticks          metric.Int64Counter
	skipped        metric.Int64Counter
	commandsSent   metric.Int64Counter
	deviceErrors   metric.Int64Counter
	attachAttempts metric.Int64Counter
}

func newInstruments() (*instruments, error) {
	m := meter()
	ins := &instruments{}

	var err error
	ins.ticks, err = m.Int64Counter(
		"router.dispatch.ticks",
		metric.WithDescription("Dispatch ticks that sent commands"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ticks counter: %w", err)
	}

	ins.skipped, err = m.Int64Counter(
		"router.dispatch.skipped",
		metric.WithDescription("Dispatch ticks skipped because nothing changed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating skipped counter: %w", err)
	}

	ins.commandsSent, err = m.Int64Counter(
		"router.commands.sent",
		metric.WithDescription("Vibrate commands accepted by the device server"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands counter: %w", err)
	}

	ins.deviceErrors, err = m.Int64Counter(
		"router.device.errors",
		metric.WithDescription("Vibrate commands that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating device errors counter: %w", err)
	}

	ins.attachAttempts, err = m.Int64Counter(
		"router.attach.attempts",
		metric.WithDescription("Attach attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating attach counter: %w", err)
	}

	return ins, nil
}
