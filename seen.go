package lattice

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultSeenSettleDelay is how long the reconciler waits after the last
// canonical-list change before submitting a seen batch.
const DefaultSeenSettleDelay = 1 * time.Second

// SeenSubmitter submits a batch seen-mark. *MessagesClient is the production
// implementation.
type SeenSubmitter interface {
	MarkSeen(ctx context.Context, groupID string, messageIDs []string) error
}

// SeenReconciler watches the canonical message list and decides which
// messages to mark seen: not authored by the current user, not an optimistic
// placeholder, and not already bearing the user's seen entry. Eligible IDs
// are batched behind a settle delay so a burst of incoming messages costs
// one request, not one per message.
//
// Submission is fire-and-forget: local seen state changes only when the
// server broadcasts the batch back through the synchronizer, never here.
type SeenReconciler struct {
	sync   *Synchronizer
	submit SeenSubmitter
	selfID string
	settle time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewSeenReconciler wires the reconciler and subscribes it to synchronizer
// changes.
func NewSeenReconciler(sync *Synchronizer, submit SeenSubmitter, selfID string, settle time.Duration) *SeenReconciler {
	if settle == 0 {
		settle = DefaultSeenSettleDelay
	}
	r := &SeenReconciler{sync: sync, submit: submit, selfID: selfID, settle: settle}
	sync.OnChange(r.Observe)
	return r
}

// Observe notes a canonical-list change and re-arms the settle timer
// (cancel-then-reschedule). Eligibility is recomputed from a fresh snapshot
// at fire time, not captured now.
func (r *SeenReconciler) Observe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.settle, r.fire)
}

func (r *SeenReconciler) fire() {
	ids := r.Eligible()
	if len(ids) == 0 {
		return
	}
	groupID := r.sync.Group()
	if groupID == "" {
		return
	}
	if err := r.submit.MarkSeen(context.Background(), groupID, ids); err != nil {
		// Fire-and-forget: the next settle cycle or the presence resync of
		// history will catch up.
		glog.V(2).Infof("seen batch for group %s failed: %v", groupID, err)
	}
}

// Eligible returns the IDs currently eligible for seen-marking.
func (r *SeenReconciler) Eligible() []string {
	var ids []string
	for _, m := range r.sync.Snapshot() {
		if m.Optimistic || m.ID == "" {
			continue
		}
		if m.SenderID == r.selfID {
			continue
		}
		if m.SeenByUser(r.selfID) {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// Close cancels any armed settle timer. The reconciler submits nothing after
// Close.
func (r *SeenReconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
