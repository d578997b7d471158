package conversation

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long after the last keystroke a "stop" is sent.
const DefaultTypingIdle = 2 * time.Second

// typingDebouncer turns a stream of keystrokes into one start and one stop.
// Transitions are decided under mu and emitted outside it by whichever caller
// finds no emit in flight; callers arriving during an emit leave their
// transition to that emitter, so a slow emit never blocks them and the last
// transition is always the last one emitted.
type typingDebouncer struct {
	idle time.Duration
	emit func(isTyping bool)

	mu     sync.Mutex
	active bool
	gen    uint64
	timer  *time.Timer
	closed bool

	seq      uint64 // transitions decided
	sent     uint64 // transitions emitted or superseded
	want     bool
	emitting bool
}

func newTypingDebouncer(idle time.Duration, emit func(bool)) *typingDebouncer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &typingDebouncer{idle: idle, emit: emit}
}

// Touch records a keystroke.
func (d *typingDebouncer) Touch() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	started := false
	if !d.active {
		d.active = true
		started = d.queueLocked(true)
	}

	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, func() { d.expire(gen) })
	d.mu.Unlock()

	if started {
		d.drain()
	}
}

// Stop ends the burst now.
func (d *typingDebouncer) Stop() {
	d.mu.Lock()
	run := d.stopLocked()
	d.mu.Unlock()
	if run {
		d.drain()
	}
}

func (d *typingDebouncer) Close() {
	d.mu.Lock()
	run := d.stopLocked()
	d.closed = true
	d.mu.Unlock()
	if run {
		d.drain()
	}
}

func (d *typingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	run := d.stopLocked()
	d.mu.Unlock()
	if run {
		d.drain()
	}
}

// stopLocked reports whether the caller has to drain.
func (d *typingDebouncer) stopLocked() bool {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.active {
		return false
	}
	d.active = false
	return d.queueLocked(false)
}

// queueLocked records a transition and reports whether the caller became the emitter.
func (d *typingDebouncer) queueLocked(isTyping bool) bool {
	d.seq++
	d.want = isTyping
	if d.emitting {
		return false
	}
	d.emitting = true
	return true
}

// drain emits queued transitions until none is left.
func (d *typingDebouncer) drain() {
	for {
		d.mu.Lock()
		if d.sent == d.seq {
			d.emitting = false
			d.mu.Unlock()
			return
		}
		seq, want := d.seq, d.want
		d.mu.Unlock()

		d.emit(want)

		d.mu.Lock()
		d.sent = seq
		d.mu.Unlock()
	}
}
