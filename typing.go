package lattice

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultTypingTTL is how long a typing state lives without renewal, on both
// the local (stop emitted) and remote (entry expired) side.
const DefaultTypingTTL = 2 * time.Second

type remoteTypist struct {
	name  string
	timer *time.Timer
}

// TypingController handles both directions of typing activity for the active
// group: it debounces the local user's input into start/stop signals, and
// keeps a decaying map of remote typists.
//
// Locally, the first non-empty input after idle emits typing:start and arms
// a stop timer; further input re-arms the timer without re-emitting
// (coalescing); expiry or an empty input emits typing:stop. Re-arming is
// always cancel-then-reschedule on a stored timer handle.
type TypingController struct {
	conn  Transport
	group func() string // dereferenced at use, never captured
	self  Profile
	ttl   time.Duration

	mu        sync.Mutex
	typing    bool
	stopTimer *time.Timer
	remote    map[string]*remoteTypist
}

// NewTypingController wires the typing controller. group is a latest-value
// accessor for the active group (typically Synchronizer.Group).
func NewTypingController(conn Transport, group func() string, self Profile, ttl time.Duration) *TypingController {
	if ttl == 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingController{
		conn:   conn,
		group:  group,
		self:   self,
		ttl:    ttl,
		remote: make(map[string]*remoteTypist),
	}
}

type typingPayload struct {
	Group       GroupRef `json:"group"`
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName,omitempty"`
}

// NotifyActivity classifies the current input text and emits start/stop
// signals accordingly. Call it on every local input change. The state change
// happens under t.mu; the wire write happens after release so a slow
// transport never stalls the input path or the expiry timer.
func (t *TypingController) NotifyActivity(text string) {
	hasContent := strings.TrimSpace(text) != ""
	var event string

	t.mu.Lock()
	if !hasContent {
		if t.typing {
			event = t.stopLocked()
		}
	} else {
		if !t.typing {
			t.typing = true
			event = EventTypingStart
		}
		// Re-arm: cancel-then-reschedule.
		if t.stopTimer != nil {
			t.stopTimer.Stop()
		}
		t.stopTimer = time.AfterFunc(t.ttl, t.expire)
	}
	t.mu.Unlock()

	if event != "" {
		t.emit(event)
	}
}

func (t *TypingController) expire() {
	var event string
	t.mu.Lock()
	if t.typing {
		event = t.stopLocked()
	}
	t.mu.Unlock()
	if event != "" {
		t.emit(event)
	}
}

// stopLocked clears the typing state and timer and returns the stop event for
// the caller to emit once t.mu is released. Callers hold t.mu.
func (t *TypingController) stopLocked() string {
	t.typing = false
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	return EventTypingStop
}

// emit fires a typing signal without blocking on the caller. Typing signals
// are best-effort; a drop simply means a stale indicator the TTL will clear.
func (t *TypingController) emit(event string) {
	payload := &typingPayload{
		Group:       GroupRef{ID: t.group()},
		UserID:      t.self.UserID,
		DisplayName: t.self.DisplayName,
	}
	if err := t.conn.Emit(context.Background(), event, payload); err != nil {
		glog.V(3).Infof("typing signal %s dropped: %v", event, err)
	}
}

// HandleStart inserts or refreshes a remote typist with the expiry window.
// Signals for other groups are ignored; typing state exists only for the
// active group.
func (t *TypingController) HandleStart(group GroupRef, userID, displayName string) {
	if userID == t.self.UserID {
		return
	}
	if g := t.group(); g != "" && group.ID != "" && group.ID != g {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.remote[userID]; ok {
		entry.name = displayName
		entry.timer.Stop()
		entry.timer.Reset(t.ttl)
		return
	}
	t.remote[userID] = &remoteTypist{
		name: displayName,
		timer: time.AfterFunc(t.ttl, func() {
			t.mu.Lock()
			delete(t.remote, userID)
			t.mu.Unlock()
		}),
	}
}

// HandleStop removes a remote typist immediately.
func (t *TypingController) HandleStop(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.remote[userID]; ok {
		entry.timer.Stop()
		delete(t.remote, userID)
	}
}

// Typists returns the display names of current remote typists, sorted.
func (t *TypingController) Typists() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.remote))
	for _, entry := range t.remote {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}

// Reset clears all state for a group switch or unmount. If the local user is
// mid-typing a stop signal goes out first, so no ghost indicator survives on
// the remote side.
func (t *TypingController) Reset() {
	var event string
	t.mu.Lock()
	if t.typing {
		event = t.stopLocked()
	}
	for id, entry := range t.remote {
		entry.timer.Stop()
		delete(t.remote, id)
	}
	t.mu.Unlock()
	if event != "" {
		t.emit(event)
	}
}
