package lattice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSettleDelay = 30 * time.Millisecond

type seenRecorder struct {
	mu      sync.Mutex
	batches [][]string
	groups  []string
}

func (r *seenRecorder) MarkSeen(ctx context.Context, groupID string, messageIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]string(nil), messageIDs...))
	r.groups = append(r.groups, groupID)
	return nil
}

func (r *seenRecorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...)
}

func TestSeenEligibility(t *testing.T) {
	s := NewSynchronizer(nil)
	s.SetActiveGroup("g1")
	r := NewSeenReconciler(s, &seenRecorder{}, "u1", time.Hour)
	defer r.Close()

	s.ApplyCreate(confirmed("m1", "g1", "u2", "unseen"))      // eligible
	s.ApplyCreate(confirmed("m2", "g1", "u1", "own message")) // authored by self
	already := confirmed("m3", "g1", "u2", "already seen")
	already.SeenBy = []SeenEntry{{UserID: "u1", At: time.Now()}}
	s.ApplyCreate(already)
	s.InsertOptimistic(&Message{ClientID: "local-1", Group: GroupRef{ID: "g1"}, SenderID: "u1", Content: "draft", Kind: KindText})

	assert.Equal(t, []string{"m1"}, r.Eligible())
}

func TestSeenBurstBatchedIntoOneSubmit(t *testing.T) {
	s := NewSynchronizer(nil)
	s.SetActiveGroup("g1")
	rec := &seenRecorder{}
	r := NewSeenReconciler(s, rec, "u1", testSettleDelay)
	defer r.Close()

	// A burst of arrivals inside the settle window.
	s.ApplyCreate(confirmed("m1", "g1", "u2", "a"))
	time.Sleep(testSettleDelay / 3)
	s.ApplyCreate(confirmed("m2", "g1", "u2", "b"))
	time.Sleep(testSettleDelay / 3)
	s.ApplyCreate(confirmed("m3", "g1", "u2", "c"))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, batches[0])

	// No further submissions without new changes.
	time.Sleep(3 * testSettleDelay)
	assert.Len(t, rec.snapshot(), 1)
}

func TestSeenSubmitDoesNotMutateLocal(t *testing.T) {
	s := NewSynchronizer(nil)
	s.SetActiveGroup("g1")
	rec := &seenRecorder{}
	r := NewSeenReconciler(s, rec, "u1", testSettleDelay)
	defer r.Close()

	s.ApplyCreate(confirmed("m1", "g1", "u2", "a"))
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	// Local seen state changes only when the server broadcast comes back.
	require.False(t, s.Snapshot()[0].SeenByUser("u1"))

	s.ApplySeenBatch([]string{"m1"}, "u1", time.Now())
	assert.True(t, s.Snapshot()[0].SeenByUser("u1"))
	assert.Empty(t, r.Eligible())
}

func TestSeenNothingEligibleNoSubmit(t *testing.T) {
	s := NewSynchronizer(nil)
	s.SetActiveGroup("g1")
	rec := &seenRecorder{}
	r := NewSeenReconciler(s, rec, "u1", testSettleDelay)
	defer r.Close()

	s.ApplyCreate(confirmed("m1", "g1", "u1", "own"))

	time.Sleep(3 * testSettleDelay)
	assert.Empty(t, rec.snapshot())
}

func TestSeenCloseCancelsPending(t *testing.T) {
	s := NewSynchronizer(nil)
	s.SetActiveGroup("g1")
	rec := &seenRecorder{}
	r := NewSeenReconciler(s, rec, "u1", testSettleDelay)

	s.ApplyCreate(confirmed("m1", "g1", "u2", "a"))
	r.Close()

	time.Sleep(3 * testSettleDelay)
	assert.Empty(t, rec.snapshot())

	// Changes after Close arm nothing.
	s.ApplyCreate(confirmed("m2", "g1", "u2", "b"))
	time.Sleep(3 * testSettleDelay)
	assert.Empty(t, rec.snapshot())
}
