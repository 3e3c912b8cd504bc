package lattice

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultPresenceInterval is the period of the self-healing full refresh.
const DefaultPresenceInterval = 30 * time.Second

// MemberLister fetches group membership with online state. *GroupsClient is
// the production implementation.
type MemberLister interface {
	Members(ctx context.Context, groupID string) (*MemberList, error)
}

// PresenceTracker maintains the online/offline set for the active group's
// members. Incremental online/offline events are merged into the set, and a
// periodic full refresh reconciles whatever those events missed; the event
// stream is treated as lossy, not authoritative.
type PresenceTracker struct {
	rest     MemberLister
	group    func() string // dereferenced at use, never captured
	interval time.Duration

	mu      sync.Mutex
	members map[string]*Member

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPresenceTracker wires the tracker. group is a latest-value accessor for
// the active group.
func NewPresenceTracker(rest MemberLister, group func() string, interval time.Duration) *PresenceTracker {
	if interval == 0 {
		interval = DefaultPresenceInterval
	}
	return &PresenceTracker{
		rest:     rest,
		group:    group,
		interval: interval,
		members:  make(map[string]*Member),
		stopCh:   make(chan struct{}),
	}
}

// Refresh replaces the member set wholesale with a fresh snapshot for the
// group. On failure the previous set is kept. A snapshot that arrives after
// the active group has moved on is discarded; the fetch for the old group may
// still be in flight when the switch lands.
func (p *PresenceTracker) Refresh(ctx context.Context, groupID string) error {
	list, err := p.rest.Members(ctx, groupID)
	if err != nil {
		return err
	}
	if g := p.group(); g != groupID {
		glog.V(3).Infof("dropping presence snapshot for group %s, active group is %s", groupID, g)
		return nil
	}
	members := make(map[string]*Member, len(list.Members))
	for i := range list.Members {
		m := list.Members[i]
		members[m.UserID] = &m
	}
	p.mu.Lock()
	p.members = members
	p.mu.Unlock()
	glog.V(3).Infof("presence refreshed for group %s: %d members, %d online", groupID, len(list.Members), list.OnlineCount)
	return nil
}

// HandleOnline flips a member online. An unknown user gets a minimal
// synthesized record; the server may not have included them in the last full
// snapshot.
func (p *PresenceTracker) HandleOnline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[userID]; ok {
		m.Online = true
		m.LastSeenAt = time.Now()
		return
	}
	p.members[userID] = &Member{UserID: userID, Online: true, LastSeenAt: time.Now()}
}

// HandleOffline flips a member offline and records last-seen. The member
// record is never removed.
func (p *PresenceTracker) HandleOffline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[userID]; ok {
		m.Online = false
		m.LastSeenAt = time.Now()
	}
}

// HandleStatus updates a member's status string.
func (p *PresenceTracker) HandleStatus(userID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[userID]; ok {
		m.Status = status
	}
}

// OnlineCount returns the number of members currently online.
func (p *PresenceTracker) OnlineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.members {
		if m.Online {
			n++
		}
	}
	return n
}

// Members returns a stable snapshot of the member set, sorted by username.
func (p *PresenceTracker) Members() []Member {
	p.mu.Lock()
	out := make([]Member, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, *m)
	}
	p.mu.Unlock()
	sortMembers(out)
	return out
}

// Start launches the periodic full refresh for the active group. Stop ends
// it; the timer never outlives the owning session.
func (p *PresenceTracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				groupID := p.group()
				if groupID == "" {
					continue
				}
				if err := p.Refresh(ctx, groupID); err != nil {
					glog.V(2).Infof("presence refresh for group %s failed: %v", groupID, err)
				}
			}
		}
	}()
}

// Stop ends the periodic refresh.
func (p *PresenceTracker) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
