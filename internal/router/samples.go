package router

import "github.com/vibrouter/router/pkg/core"

// sampleBuffer holds the newest sample from the payload and the last one
// that was turned into device commands. Guarded by Router.mu.
type sampleBuffer struct {
	current        core.Vibration
	lastDispatched core.Vibration
}

func (b *sampleBuffer) store(v core.Vibration) {
	b.current = v
}

// changed reports whether the newest sample differs from the last
// dispatched one.
func (b *sampleBuffer) changed() bool {
	return b.current != b.lastDispatched
}

func (b *sampleBuffer) markDispatched(v core.Vibration) {
	b.lastDispatched = v
}

func (b *sampleBuffer) reset() {
	*b = sampleBuffer{}
}
