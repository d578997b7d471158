// Package reconcile merges optimistic local writes, remote snapshots and remote
// push events into one ordered, de-duplicated message sequence.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"Parley/internal/model"
)

// DefaultMatchWindow bounds how far apart an optimistic shadow and a real insert
// may be and still be treated as the same logical message.
const DefaultMatchWindow = 5 * time.Second

// EventKind is the kind of a remote change.
type EventKind int

const (
	Insert EventKind = iota
	Update
)

func (k EventKind) String() string {
	if k == Update {
		return "update"
	}
	return "insert"
}

// Outcome is the result of the remote write behind an optimistic message.
type Outcome struct {
	// Confirmed is the stored message on success. It may be nil when the caller
	// relies on the stream to deliver it.
	Confirmed *model.Message
	Err       error
}

// Reconciler owns one conversation's ordered message set. All mutations go through
// its mutex, which is the single serialization point between local writes and
// remote events.
type Reconciler struct {
	matchWindow time.Duration

	mu       sync.RWMutex
	messages []model.Message // sorted by (created_at, id)
	index    map[string]struct{}
	// shadows that a real insert already replaced, by temp id
	replaced map[string]string
}

// New creates an empty reconciler. A non-positive window uses DefaultMatchWindow.
func New(matchWindow time.Duration) *Reconciler {
	if matchWindow <= 0 {
		matchWindow = DefaultMatchWindow
	}
	return &Reconciler{
		matchWindow: matchWindow,
		index:       make(map[string]struct{}),
		replaced:    make(map[string]string),
	}
}

// ApplyRemoteSnapshot merges msgs into the set, sorted and de-duplicated.
// Messages are never hard-deleted, so confirmed messages missing from a stale
// snapshot are kept, as are pending optimistic messages.
func (r *Reconciler) ApplyRemoteSnapshot(msgs []model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]model.Message, 0, len(msgs))
	seen := make(map[string]int, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || m.IsTemporary() {
			continue
		}
		m.Pending = false
		m = m.Apply(model.MessageUpdate{})
		if i, dup := seen[m.ID]; dup {
			next[i] = next[i].Merge(m)
			continue
		}
		seen[m.ID] = len(next)
		next = append(next, m)
	}

	// a real message we had not seen before may confirm one pending shadow
	claimed := make(map[string]bool)
	for _, shadow := range r.messages {
		if !shadow.Pending {
			continue
		}
		if real, ok := r.claimLocked(next, shadow, claimed); ok {
			r.replaced[shadow.ID] = real
			continue
		}
		next = append(next, shadow)
	}

	for _, known := range r.messages {
		if known.Pending {
			continue
		}
		if i, ok := seen[known.ID]; ok {
			next[i] = known.Merge(next[i])
			continue
		}
		next = append(next, known)
	}

	sortMessages(next)
	r.messages = next
	r.reindexLocked()
}

// ApplyRemoteEvent applies a pushed insert or update.
func (r *Reconciler) ApplyRemoteEvent(kind EventKind, msg model.Message) {
	if msg.ID == "" || msg.IsTemporary() {
		return
	}
	msg.Pending = false

	r.mu.Lock()
	defer r.mu.Unlock()

	switch kind {
	case Insert:
		r.insertLocked(msg)
	case Update:
		if i := r.positionLocked(msg.ID); i >= 0 {
			r.messages[i] = r.messages[i].Merge(msg)
			return
		}
		r.insertLocked(msg)
	}
}

// ApplyOptimistic appends a pending message at the tail. Its created_at is moved
// forward if needed so that it sorts after everything already present.
func (r *Reconciler) ApplyOptimistic(msg model.Message) model.Message {
	msg.Pending = true

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[msg.ID]; exists {
		return msg
	}
	if n := len(r.messages); n > 0 && msg.CreatedAt.Before(r.messages[n-1].CreatedAt) {
		msg.CreatedAt = r.messages[n-1].CreatedAt
	}
	r.insertSortedLocked(msg)
	return msg
}

// ResolveOptimistic finishes an optimistic write. The temp entry is removed either
// way; on success the confirmed message is ensured to be present exactly once.
func (r *Reconciler) ResolveOptimistic(tempID string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(tempID)
	delete(r.replaced, tempID)

	if outcome.Err != nil || outcome.Confirmed == nil {
		return
	}

	confirmed := *outcome.Confirmed
	confirmed.Pending = false
	if i := r.positionLocked(confirmed.ID); i >= 0 {
		r.messages[i] = r.messages[i].Merge(confirmed)
		return
	}
	r.insertSortedLocked(confirmed.Apply(model.MessageUpdate{}))
}

// Messages returns a copy of the ordered sequence.
func (r *Reconciler) Messages() []model.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Get returns the message with id.
func (r *Reconciler) Get(id string) (model.Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.positionLocked(id); i >= 0 {
		return r.messages[i], true
	}
	return model.Message{}, false
}

// Len returns the number of messages, pending included.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// ReplacedBy returns the real id that took over a shadow, if one did.
func (r *Reconciler) ReplacedBy(tempID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.replaced[tempID]
	return id, ok
}

// -----------------------------------------------------------------------------
// Private helpers, called with r.mu held
// -----------------------------------------------------------------------------

func (r *Reconciler) insertLocked(msg model.Message) {
	if i := r.positionLocked(msg.ID); i >= 0 {
		// already present: a duplicate delivery, only flags may have moved on
		r.messages[i] = r.messages[i].Merge(msg)
		return
	}

	msg = msg.Apply(model.MessageUpdate{})
	if i := r.matchShadowLocked(r.messages, msg); i >= 0 {
		shadow := r.messages[i]
		r.removeAtLocked(i)
		r.replaced[shadow.ID] = msg.ID
	}
	r.insertSortedLocked(msg)
}

// matchShadowLocked finds the oldest pending message in msgs that real may confirm.
func (r *Reconciler) matchShadowLocked(msgs []model.Message, real model.Message) int {
	for i, m := range msgs {
		if m.Pending && r.sameLogical(m, real) {
			return i
		}
	}
	return -1
}

// claimLocked finds a real message in reals, new to the reconciler and not yet claimed,
// that confirms shadow.
func (r *Reconciler) claimLocked(reals []model.Message, shadow model.Message, claimed map[string]bool) (string, bool) {
	for _, real := range reals {
		if claimed[real.ID] {
			continue
		}
		if _, known := r.index[real.ID]; known {
			continue
		}
		if r.sameLogical(shadow, real) {
			claimed[real.ID] = true
			return real.ID, true
		}
	}
	return "", false
}

// sameLogical reports whether a shadow and a real message have the same sender and
// content and were created within the match window of each other.
func (r *Reconciler) sameLogical(shadow, real model.Message) bool {
	if shadow.SenderID != real.SenderID || shadow.Content != real.Content {
		return false
	}
	diff := shadow.CreatedAt.Sub(real.CreatedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= r.matchWindow
}

func (r *Reconciler) insertSortedLocked(msg model.Message) {
	i := sort.Search(len(r.messages), func(i int) bool {
		return msg.Before(r.messages[i])
	})
	r.messages = append(r.messages, model.Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = msg
	r.index[msg.ID] = struct{}{}
}

func (r *Reconciler) removeLocked(id string) {
	if i := r.positionLocked(id); i >= 0 {
		r.removeAtLocked(i)
	}
}

func (r *Reconciler) removeAtLocked(i int) {
	delete(r.index, r.messages[i].ID)
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
}

func (r *Reconciler) positionLocked(id string) int {
	if _, ok := r.index[id]; !ok {
		return -1
	}
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) reindexLocked() {
	r.index = make(map[string]struct{}, len(r.messages))
	for _, m := range r.messages {
		r.index[m.ID] = struct{}{}
	}
}

func sortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}
