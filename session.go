package lattice

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang/glog"
)

// ============================================================================
// Event payloads
// ============================================================================

// Inbound payload shapes, normalized at ingress. Group references in
// particular arrive as either a bare id or an object; GroupRef absorbs both
// so handlers never see the difference.

type messageEditedPayload struct {
	ID       string    `json:"id"`
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

type messageDeletedPayload struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deletedAt"`
}

type messageReactionPayload struct {
	ID        string     `json:"id"`
	Reactions []Reaction `json:"reactions"`
}

type messageSeenPayload struct {
	ID     string      `json:"id"`
	SeenBy []SeenEntry `json:"seenBy"`
}

type messagesSeenPayload struct {
	IDs    []string  `json:"ids"`
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

type userEventPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status,omitempty"`
}

type remoteTypingPayload struct {
	Group       GroupRef `json:"group"`
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName,omitempty"`
}

// ============================================================================
// Session
// ============================================================================

// SessionConfig carries the tunables for a session's components.
type SessionConfig struct {
	AckTimeout       time.Duration
	TypingTTL        time.Duration
	SeenSettleDelay  time.Duration
	PresenceInterval time.Duration
	HistoryLimit     int
}

func (c *SessionConfig) defaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.SeenSettleDelay == 0 {
		c.SeenSettleDelay = DefaultSeenSettleDelay
	}
	if c.PresenceInterval == 0 {
		c.PresenceInterval = DefaultPresenceInterval
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 50
	}
}

// SessionOption configures a Session.
type SessionOption func(*SessionConfig)

// WithAckTimeout bounds the wait for a live-send acknowledgement.
func WithAckTimeout(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.AckTimeout = d }
}

// WithTypingTTL sets the typing expiry window.
func WithTypingTTL(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.TypingTTL = d }
}

// WithSeenSettleDelay sets the seen-batch settle delay.
func WithSeenSettleDelay(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.SeenSettleDelay = d }
}

// WithPresenceInterval sets the presence full-refresh period.
func WithPresenceInterval(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.PresenceInterval = d }
}

// WithHistoryLimit sets the page size for history loads.
func WithHistoryLimit(n int) SessionOption {
	return func(c *SessionConfig) { c.HistoryLimit = n }
}

// Session wires the engine together: it subscribes every inbound transport
// event, normalizes the payload, and routes it to the owning component. All
// "current" state (active group, message list) is read through accessors at
// handler invocation time; handlers never capture values at registration
// time.
type Session struct {
	rest *Client
	conn Transport
	self Profile
	cfg  SessionConfig

	sync     *Synchronizer
	sender   *Sender
	typing   *TypingController
	presence *PresenceTracker
	seen     *SeenReconciler
	notify   *NotificationCenter

	cancel context.CancelFunc
}

// NewSession builds a session over an authenticated REST client and a live
// connection.
func NewSession(rest *Client, conn Transport, self Profile, opts ...SessionOption) *Session {
	cfg := SessionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()

	s := &Session{rest: rest, conn: conn, self: self, cfg: cfg}
	s.sync = NewSynchronizer(rest.Messages)
	s.sender = NewSender(s.sync, conn, rest.Messages, self, cfg.AckTimeout)
	s.typing = NewTypingController(conn, s.sync.Group, self, cfg.TypingTTL)
	s.presence = NewPresenceTracker(rest.Groups, s.sync.Group, cfg.PresenceInterval)
	s.seen = NewSeenReconciler(s.sync, &liveSeenSubmitter{conn: conn, rest: rest.Messages}, self.UserID, cfg.SeenSettleDelay)
	s.notify = NewNotificationCenter(rest.Notifications)

	s.subscribe()
	return s
}

// subscribe routes every inbound event to its component. Domain handlers run
// on the transport read loop, in arrival order.
func (s *Session) subscribe() {
	s.conn.On(EventMessageNew, func(_ string, raw json.RawMessage) {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			glog.Warningf("bad message:new payload: %v", err)
			return
		}
		s.sync.ApplyCreate(msg)
	})

	s.conn.On(EventMessageEdited, func(_ string, raw json.RawMessage) {
		var p messageEditedPayload
		if json.Unmarshal(raw, &p) == nil {
			s.sync.ApplyEdit(p.ID, p.Content, p.EditedAt)
		}
	})

	s.conn.On(EventMessageDeleted, func(_ string, raw json.RawMessage) {
		var p messageDeletedPayload
		if json.Unmarshal(raw, &p) == nil {
			s.sync.ApplyDelete(p.ID, p.DeletedAt)
		}
	})

	s.conn.On(EventMessageReaction, func(_ string, raw json.RawMessage) {
		var p messageReactionPayload
		if json.Unmarshal(raw, &p) == nil {
			s.sync.ApplyReactionSync(p.ID, p.Reactions)
		}
	})

	s.conn.On(EventMessageSeen, func(_ string, raw json.RawMessage) {
		var p messageSeenPayload
		if json.Unmarshal(raw, &p) == nil {
			s.sync.ApplySeenSync(p.ID, p.SeenBy)
		}
	})

	s.conn.On(EventMessagesSeen, func(_ string, raw json.RawMessage) {
		var p messagesSeenPayload
		if json.Unmarshal(raw, &p) == nil {
			s.sync.ApplySeenBatch(p.IDs, p.UserID, p.At)
		}
	})

	s.conn.On(EventTypingStart, func(_ string, raw json.RawMessage) {
		var p remoteTypingPayload
		if json.Unmarshal(raw, &p) == nil {
			s.typing.HandleStart(p.Group, p.UserID, p.DisplayName)
		}
	})

	s.conn.On(EventTypingStop, func(_ string, raw json.RawMessage) {
		var p remoteTypingPayload
		if json.Unmarshal(raw, &p) == nil {
			s.typing.HandleStop(p.UserID)
		}
	})

	s.conn.On(EventUserOnline, func(_ string, raw json.RawMessage) {
		var p userEventPayload
		if json.Unmarshal(raw, &p) == nil {
			s.presence.HandleOnline(p.UserID)
		}
	})

	s.conn.On(EventUserOffline, func(_ string, raw json.RawMessage) {
		var p userEventPayload
		if json.Unmarshal(raw, &p) == nil {
			s.presence.HandleOffline(p.UserID)
		}
	})

	s.conn.On(EventUserStatus, func(_ string, raw json.RawMessage) {
		var p userEventPayload
		if json.Unmarshal(raw, &p) == nil {
			s.presence.HandleStatus(p.UserID, p.Status)
		}
	})

	s.conn.On(EventNotification, func(_ string, raw json.RawMessage) {
		var entry NotificationEntry
		if json.Unmarshal(raw, &entry) == nil {
			s.notify.Ingest(entry)
		}
	})

	// Events that occurred while disconnected have no ordering relationship
	// with what follows; re-running the history load makes the server's view
	// win wholesale for the active group.
	s.conn.OnReconnect(func(attempt int) {
		groupID := s.sync.Group()
		if groupID == "" {
			return
		}
		glog.V(2).Infof("reconnected (attempt %d), reloading history for group %s", attempt, groupID)
		if err := s.sync.LoadHistory(context.Background(), groupID, HistoryParams{Limit: s.cfg.HistoryLimit}); err != nil {
			glog.Errorf("history reload after reconnect: %v", err)
		}
	})
}

// Start connects the transport and launches the presence refresher.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.presence.Start(runCtx)
	return s.conn.Connect(ctx)
}

// SwitchGroup makes groupID the active group: typing state is flushed, the
// live membership moves over (leaving the old group first), history replaces
// the canonical list, and presence refreshes.
func (s *Session) SwitchGroup(ctx context.Context, groupID string) error {
	s.typing.Reset()

	if err := s.conn.JoinGroup(ctx, groupID); err != nil {
		glog.V(2).Infof("live join of group %s failed (will rejoin on connect): %v", groupID, err)
	}
	if err := s.sync.LoadHistory(ctx, groupID, HistoryParams{Limit: s.cfg.HistoryLimit}); err != nil {
		return err
	}
	if err := s.presence.Refresh(ctx, groupID); err != nil {
		glog.V(2).Infof("presence refresh for group %s failed: %v", groupID, err)
	}
	return nil
}

// liveSeenSubmitter sends the seen batch over the live connection when it is
// up, REST otherwise. Either way the submission is fire-and-forget; the state
// change comes back through the event stream.
type liveSeenSubmitter struct {
	conn Transport
	rest SeenSubmitter
}

func (l *liveSeenSubmitter) MarkSeen(ctx context.Context, groupID string, messageIDs []string) error {
	if l.conn.State() == StateConnected {
		payload := map[string]any{"groupId": groupID, "ids": messageIDs}
		if err := l.conn.Emit(ctx, EventMessageSeen, payload); err == nil {
			return nil
		}
	}
	return l.rest.MarkSeen(ctx, groupID, messageIDs)
}

// Send delivers content to the active group, optimistically.
func (s *Session) Send(ctx context.Context, content string, file *FileInfo) (*SendReceipt, error) {
	return s.sender.Send(ctx, content, file)
}

// EditMessage replaces a message's content, live-first with a REST fallback.
// The local copy is updated when the server broadcasts the edit back.
func (s *Session) EditMessage(ctx context.Context, messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	payload := map[string]string{"id": messageID, "content": content}
	if s.conn.State() == StateConnected {
		err := s.conn.EmitWithAck(ctx, EventMessageEdit, payload, s.cfg.AckTimeout)
		if err == nil {
			return nil
		}
		glog.V(2).Infof("live edit of %s failed, falling back: %v", messageID, err)
	}
	return s.rest.Messages.Edit(ctx, messageID, content)
}

// DeleteMessage tombstones a message, live-first with a REST fallback.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	payload := map[string]string{"id": messageID}
	if s.conn.State() == StateConnected {
		err := s.conn.EmitWithAck(ctx, EventMessageDelete, payload, s.cfg.AckTimeout)
		if err == nil {
			return nil
		}
		glog.V(2).Infof("live delete of %s failed, falling back: %v", messageID, err)
	}
	return s.rest.Messages.Delete(ctx, messageID)
}

// ToggleReaction flips the current user's emoji reaction over REST and applies
// the server's authoritative reaction list immediately.
func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	reactions, err := s.rest.Messages.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return err
	}
	s.sync.ApplyReactionSync(messageID, reactions)
	return nil
}

// NotifyActivity feeds local input changes to the typing controller.
func (s *Session) NotifyActivity(text string) {
	s.typing.NotifyActivity(text)
}

// Messages returns a stable snapshot of the canonical message list.
func (s *Session) Messages() []Message {
	return s.sync.Snapshot()
}

// Typists returns the current remote typists.
func (s *Session) Typists() []string {
	return s.typing.Typists()
}

// Members returns the presence snapshot for the active group.
func (s *Session) Members() []Member {
	return s.presence.Members()
}

// OnlineCount returns the number of members online.
func (s *Session) OnlineCount() int {
	return s.presence.OnlineCount()
}

// Notifications returns the notification center.
func (s *Session) Notifications() *NotificationCenter {
	return s.notify
}

// Sync exposes the synchronizer for advanced callers and tests.
func (s *Session) Sync() *Synchronizer {
	return s.sync
}

// Stats returns the synchronizer's diagnostic counters.
func (s *Session) Stats() SyncStats {
	return s.sync.Stats()
}

// Close flushes typing state, stops every timer-driven component, and shuts
// the connection down.
func (s *Session) Close() error {
	s.typing.Reset()
	s.seen.Close()
	s.presence.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	return s.conn.Close()
}
