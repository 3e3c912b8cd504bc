package lattice

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// MaxNotifications caps the tray to the most recent entries; older ones are
// discarded on ingest.
const MaxNotifications = 50

// NotificationClearer clears server-side notification storage.
// *NotificationsClient is the production implementation.
type NotificationClearer interface {
	Clear(ctx context.Context) error
}

// NotificationCenter maintains a bounded, read/unread-tracked list of
// out-of-band events.
type NotificationCenter struct {
	remote NotificationClearer

	mu      sync.Mutex
	entries []NotificationEntry
}

// NewNotificationCenter creates an empty center. remote may be nil when no
// server-side storage exists.
func NewNotificationCenter(remote NotificationClearer) *NotificationCenter {
	return &NotificationCenter{remote: remote}
}

// Ingest prepends a new entry and truncates to the most recent
// MaxNotifications.
func (n *NotificationCenter) Ingest(entry NotificationEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	n.mu.Lock()
	n.entries = append([]NotificationEntry{entry}, n.entries...)
	if len(n.entries) > MaxNotifications {
		n.entries = n.entries[:MaxNotifications]
	}
	n.mu.Unlock()
}

// MarkRead flips an entry's read flag. Returns false if the ID is unknown.
func (n *NotificationCenter) MarkRead(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.entries {
		if n.entries[i].ID == id {
			n.entries[i].Read = true
			return true
		}
	}
	return false
}

// UnreadCount returns the number of unread entries.
func (n *NotificationCenter) UnreadCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.entries {
		if !e.Read {
			count++
		}
	}
	return count
}

// Entries returns a stable snapshot, newest first.
func (n *NotificationCenter) Entries() []NotificationEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotificationEntry(nil), n.entries...)
}

// ClearAll empties the local list immediately and fires a clear toward the
// server to keep its storage consistent. The local clear does not wait for,
// or depend on, the server's answer.
func (n *NotificationCenter) ClearAll(ctx context.Context) {
	n.mu.Lock()
	n.entries = nil
	n.mu.Unlock()

	if n.remote == nil {
		return
	}
	go func() {
		if err := n.remote.Clear(ctx); err != nil {
			glog.V(2).Infof("remote notification clear failed: %v", err)
		}
	}()
}
