package lattice

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// HistoryLoader fetches message history for a group. *MessagesClient is the
// production implementation.
type HistoryLoader interface {
	History(ctx context.Context, groupID string, params HistoryParams) ([]Message, error)
}

// SyncStats are cheap diagnostic counters, exposed as a value snapshot.
type SyncStats struct {
	Applied        int
	DuplicateDrops int
	ForeignDrops   int
	HistoryLoads   int
}

// Synchronizer is the single merge point for the canonical message list of
// the active group. It consumes confirmed create/edit/delete/reaction/seen
// events together with a dedup ledger of already-applied message IDs, and
// produces an authoritative ordered list. All other components only propose
// mutations through its methods; nothing else mutates the list.
type Synchronizer struct {
	loader HistoryLoader

	mu       sync.Mutex
	group    string
	messages []*Message
	ledger   map[string]struct{}
	stats    SyncStats

	subMu   sync.RWMutex
	onChange []func()
}

// NewSynchronizer creates a synchronizer with no active group.
func NewSynchronizer(loader HistoryLoader) *Synchronizer {
	return &Synchronizer{
		loader: loader,
		ledger: make(map[string]struct{}),
	}
}

// OnChange subscribes to canonical-list changes. Handlers run after the
// mutation completes, outside the synchronizer's lock.
func (s *Synchronizer) OnChange(h func()) {
	s.subMu.Lock()
	s.onChange = append(s.onChange, h)
	s.subMu.Unlock()
}

func (s *Synchronizer) notify() {
	s.subMu.RLock()
	handlers := append([]func(){}, s.onChange...)
	s.subMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

// Group returns the active group ID, or "".
func (s *Synchronizer) Group() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}

// Stats returns a snapshot of the diagnostic counters.
func (s *Synchronizer) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Snapshot returns a stable copy of the canonical list. Renderers must read
// through snapshots, never through live references, so a half-applied
// handler mutation can never tear a render pass.
func (s *Synchronizer) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// LoadHistory replaces the canonical list wholesale with the server's view
// and rebuilds the dedup ledger from the returned identifiers. On failure it
// returns a *LoadError and leaves prior state untouched. Across a reconnect
// this is last-write-wins against whatever was applied before the drop.
func (s *Synchronizer) LoadHistory(ctx context.Context, groupID string, params HistoryParams) error {
	msgs, err := s.loader.History(ctx, groupID, params)
	if err != nil {
		return &LoadError{GroupID: groupID, Err: err}
	}

	s.mu.Lock()
	s.group = groupID
	s.messages = make([]*Message, 0, len(msgs))
	s.ledger = make(map[string]struct{}, len(msgs))
	for i := range msgs {
		m := msgs[i]
		s.messages = append(s.messages, &m)
		if m.ID != "" {
			s.ledger[m.ID] = struct{}{}
		}
	}
	s.stats.HistoryLoads++
	s.mu.Unlock()

	glog.V(2).Infof("history loaded for group %s: %d messages", groupID, len(msgs))
	s.notify()
	return nil
}

// SetActiveGroup switches the active group, clearing the list and ledger.
// LoadHistory normally does this as part of a switch; SetActiveGroup exists
// for the cold-start path where no history is wanted yet.
func (s *Synchronizer) SetActiveGroup(groupID string) {
	s.mu.Lock()
	if s.group == groupID {
		s.mu.Unlock()
		return
	}
	s.group = groupID
	s.messages = nil
	s.ledger = make(map[string]struct{})
	s.mu.Unlock()
	s.notify()
}

// ApplyCreate merges a confirmed message:new event.
//
// Group adoption runs before the ledger test: when no active group is set,
// the first unsolicited message selects its group as active. Messages for a
// non-active group are dropped; there is no side channel to hold them.
// Applying the same confirmed identifier twice is a no-op.
func (s *Synchronizer) ApplyCreate(msg Message) {
	s.mu.Lock()

	if s.group == "" && msg.Group.ID != "" {
		s.group = msg.Group.ID
		glog.V(2).Infof("adopted group %s from first unsolicited message", msg.Group.ID)
	}
	if msg.Group.ID != s.group {
		s.stats.ForeignDrops++
		s.mu.Unlock()
		return
	}
	if _, dup := s.ledger[msg.ID]; dup {
		s.stats.DuplicateDrops++
		s.mu.Unlock()
		return
	}

	// The confirmed message may race its own send ack: drop the matching
	// placeholder before inserting, so a temporary and a confirmed identifier
	// never coexist.
	if msg.ClientID != "" {
		s.removePlaceholderLocked(msg.ClientID)
	}

	m := msg
	s.messages = append(s.messages, &m)
	if m.ID != "" {
		s.ledger[m.ID] = struct{}{}
	}
	s.stats.Applied++
	s.mu.Unlock()
	s.notify()
}

// ApplyEdit replaces a message's content in place. No-op if the ID is
// absent or the message is already tombstoned; an edit must never bring
// deleted content back.
func (s *Synchronizer) ApplyEdit(id, newContent string, editedAt time.Time) {
	s.mu.Lock()
	m := s.findLocked(id)
	if m == nil || m.Deleted {
		s.mu.Unlock()
		return
	}
	m.Content = newContent
	t := editedAt
	if t.IsZero() {
		t = time.Now()
	}
	m.EditedAt = &t
	s.mu.Unlock()
	s.notify()
}

// ApplyDelete tombstones a message: the entry stays in the list with its
// content replaced by the deletion marker. Idempotent.
func (s *Synchronizer) ApplyDelete(id string, deletedAt time.Time) {
	s.mu.Lock()
	m := s.findLocked(id)
	if m == nil || m.Deleted {
		s.mu.Unlock()
		return
	}
	m.Deleted = true
	m.Content = TombstoneContent
	m.File = nil
	t := deletedAt
	if t.IsZero() {
		t = time.Now()
	}
	m.DeletedAt = &t
	s.mu.Unlock()
	s.notify()
}

// ApplyReactionSync replaces a message's reaction list wholesale with the
// server's authoritative list. The client never merges reaction deltas.
func (s *Synchronizer) ApplyReactionSync(id string, reactions []Reaction) {
	s.mu.Lock()
	m := s.findLocked(id)
	if m == nil {
		s.mu.Unlock()
		return
	}
	m.Reactions = append([]Reaction(nil), reactions...)
	s.mu.Unlock()
	s.notify()
}

// ApplySeenSync replaces a message's seen-by list with the server's.
func (s *Synchronizer) ApplySeenSync(id string, seenBy []SeenEntry) {
	s.mu.Lock()
	m := s.findLocked(id)
	if m == nil {
		s.mu.Unlock()
		return
	}
	m.SeenBy = append([]SeenEntry(nil), seenBy...)
	s.mu.Unlock()
	s.notify()
}

// ApplySeenBatch appends a seen-by entry for userID to every listed message
// that does not already carry one for that user. Seen lists are append-only.
func (s *Synchronizer) ApplySeenBatch(ids []string, userID string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	changed := false
	s.mu.Lock()
	for _, id := range ids {
		m := s.findLocked(id)
		if m == nil || m.SeenByUser(userID) {
			continue
		}
		m.SeenBy = append(m.SeenBy, SeenEntry{UserID: userID, At: at})
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// ApplyDeliveredBatch appends a delivered-to entry like ApplySeenBatch.
func (s *Synchronizer) ApplyDeliveredBatch(ids []string, userID string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	changed := false
	s.mu.Lock()
	for _, id := range ids {
		m := s.findLocked(id)
		if m == nil {
			continue
		}
		already := false
		for _, e := range m.DeliveredTo {
			if e.UserID == userID {
				already = true
				break
			}
		}
		if already {
			continue
		}
		m.DeliveredTo = append(m.DeliveredTo, SeenEntry{UserID: userID, At: at})
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// InsertOptimistic inserts a local placeholder, bypassing the dedup ledger:
// a placeholder has no confirmed identifier to ledger.
func (s *Synchronizer) InsertOptimistic(msg *Message) {
	msg.Optimistic = true
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.notify()
}

// RemoveOptimistic removes the placeholder with the given temporary
// identifier, if still present.
func (s *Synchronizer) RemoveOptimistic(clientID string) {
	s.mu.Lock()
	removed := s.removePlaceholderLocked(clientID)
	s.mu.Unlock()
	if removed {
		s.notify()
	}
}

func (s *Synchronizer) removePlaceholderLocked(clientID string) bool {
	for i, m := range s.messages {
		if m.Optimistic && m.ClientID == clientID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Synchronizer) findLocked(id string) *Message {
	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}
