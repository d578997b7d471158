package conversation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEmits struct {
	mu  sync.Mutex
	got []bool
}

func (r *recordedEmits) add(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recordedEmits) all() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.got...)
}

func TestTypingStopDoesNotWaitForSlowEmit(t *testing.T) {
	rec := &recordedEmits{}
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once

	d := newTypingDebouncer(time.Hour, func(v bool) {
		once.Do(func() {
			close(entered)
			<-release
		})
		rec.add(v)
	})

	go d.Touch()
	<-entered

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked behind the start emit")
	}

	close(release)
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.all())
}

func TestTypingEmitsEachTransitionInOrder(t *testing.T) {
	rec := &recordedEmits{}
	d := newTypingDebouncer(time.Hour, rec.add)

	d.Touch()
	d.Touch()
	d.Stop()
	d.Stop()
	d.Touch()
	d.Close()
	d.Touch()

	assert.Equal(t, []bool{true, false, true, false}, rec.all())
}

func TestTypingExpiresAfterIdle(t *testing.T) {
	rec := &recordedEmits{}
	d := newTypingDebouncer(10*time.Millisecond, rec.add)
	defer d.Close()

	d.Touch()
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.all())
}
