package tunnel

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
)

// reconnectPolicy wraps exponential backoff with the stability rule: the
// delay resets to its floor only after the connection has stayed Active for
// a configured duration, so a transient Active flap between failures does
// not erase accumulated backoff.
type reconnectPolicy struct {
	b           *backoff.Backoff
	clk         clock.Clock
	jitter      float64
	stableAfter time.Duration
	activeAt    time.Time // zero while not Active
}

func newReconnectPolicy(floor, ceiling time.Duration, jitter float64, stableAfter time.Duration, clk clock.Clock) *reconnectPolicy {
	return &reconnectPolicy{
		b: &backoff.Backoff{
			Min:    floor,
			Max:    ceiling,
			Factor: 2,
		},
		clk:         clk,
		jitter:      jitter,
		stableAfter: stableAfter,
	}
}

// NoteActive records the moment the connection reached Active.
func (p *reconnectPolicy) NoteActive() {
	p.activeAt = p.clk.Now()
}

// NoteDisconnect records the end of an Active period. The backoff sequence
// restarts from the floor only when that period was long enough.
func (p *reconnectPolicy) NoteDisconnect() {
	if !p.activeAt.IsZero() && p.clk.Since(p.activeAt) >= p.stableAfter {
		p.b.Reset()
	}
	p.activeAt = time.Time{}
}

// Reset forces the next delay back to the floor. Used on REDIRECT.
func (p *reconnectPolicy) Reset() {
	p.b.Reset()
}

// Next returns the next delay: exponential growth capped at the ceiling,
// then randomized by the jitter fraction (still capped at the ceiling).
func (p *reconnectPolicy) Next() time.Duration {
	d := p.b.Duration()
	if p.jitter > 0 {
		spread := 1 + p.jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	if d > p.b.Max {
		d = p.b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}
