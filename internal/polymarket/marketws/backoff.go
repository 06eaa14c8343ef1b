package marketws

import (
	"math/rand"
	"time"
)

// State is the connection state tracked by Backoff
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// Backoff tracks reconnect attempts. The n-th consecutive failure waits
// min(Base*Factor^(n-1), Max), jittered but never above Max.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Factor     float64
	Jitter     float64 // fraction of the delay, 0 disables
	MaxRetries int     // 0 retries forever

	state   State
	attempt int
	rand    func() float64
}

// NewBackoff returns a backoff in the Disconnected state
func NewBackoff(base, max time.Duration, maxRetries int) *Backoff {
	return &Backoff{
		Base:       base,
		Max:        max,
		Factor:     2.0,
		Jitter:     0.2,
		MaxRetries: maxRetries,
		rand:       rand.Float64,
	}
}

// State returns the current state
func (b *Backoff) State() State {
	return b.state
}

// Attempt returns the number of consecutive failures so far
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Connected records a successful subscribe and resets the attempt counter
func (b *Backoff) Connected() {
	b.state = StateConnected
	b.attempt = 0
}

// Disconnected records a dropped connection
func (b *Backoff) Disconnected() {
	b.state = StateDisconnected
}

// Fail records a failed attempt and returns how long to wait before the next
// one. ok is false once MaxRetries consecutive failures have been reached.
func (b *Backoff) Fail() (delay time.Duration, ok bool) {
	b.attempt++
	if b.MaxRetries > 0 && b.attempt > b.MaxRetries {
		b.state = StateDisconnected
		return 0, false
	}
	b.state = StateBackoff
	return b.Delay(b.attempt), true
}

// Delay returns the wait before attempt n (1-based)
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = time.Minute
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := base
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > ceiling || next <= 0 {
			wait = ceiling
			break
		}
		wait = next
	}
	wait = min(wait, ceiling)

	if b.Jitter <= 0 || b.rand == nil {
		return wait
	}
	jitter := min(b.Jitter, 1)
	delta := float64(wait) * jitter
	jittered := wait - time.Duration(delta) + time.Duration(b.rand()*2*delta)
	return min(jittered, ceiling)
}
