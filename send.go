package lattice

import (
	"context"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// sendState is the explicit per-attempt state machine. Starting directly in
// statePendingFallback is the normal path while disconnected, not a special
// case.
type sendState int

const (
	statePendingLive sendState = iota
	statePendingFallback
	stateConfirmed
	stateFailed
)

func (s sendState) String() string {
	switch s {
	case statePendingLive:
		return "pending-live"
	case statePendingFallback:
		return "pending-fallback"
	case stateConfirmed:
		return "confirmed"
	default:
		return "failed"
	}
}

// SendPath records which delivery path confirmed a send.
type SendPath string

const (
	PathLive     SendPath = "live"
	PathFallback SendPath = "fallback"
)

// SendReceipt is the outcome of a successful Send.
type SendReceipt struct {
	// ClientID is the temporary identifier the placeholder carried.
	ClientID string
	// Path is the delivery path that confirmed the send.
	Path SendPath
	// Message is the confirmed message when the fallback path was used. On
	// the live path the confirmed message arrives independently over the
	// event stream.
	Message *Message
}

// MessageCreator is the REST fallback for sends. *MessagesClient is the
// production implementation.
type MessageCreator interface {
	Create(ctx context.Context, groupID string, req *CreateMessageRequest) (*Message, error)
}

// Sender turns a user's send intent into an optimistic placeholder, attempts
// delivery over the live connection, and falls back to REST. The placeholder
// is reconciled or rolled back; the caller never ends up with both a
// placeholder and a confirmed copy, and never silently loses typed content.
type Sender struct {
	sync *Synchronizer
	conn Transport
	rest MessageCreator
	self Profile

	ackTimeout time.Duration
}

// NewSender wires the optimistic send controller.
func NewSender(sync *Synchronizer, conn Transport, rest MessageCreator, self Profile, ackTimeout time.Duration) *Sender {
	if ackTimeout == 0 {
		ackTimeout = 10 * time.Second
	}
	return &Sender{sync: sync, conn: conn, rest: rest, self: self, ackTimeout: ackTimeout}
}

type livePayload struct {
	GroupID  string    `json:"groupId"`
	Content  string    `json:"content"`
	Kind     string    `json:"kind"`
	File     *FileInfo `json:"file,omitempty"`
	ClientID string    `json:"clientId"`
}

// Send delivers content to the active group. A send with neither non-empty
// text nor a file is rejected with ErrEmptyMessage before any placeholder is
// built. On total failure the returned *SendError carries the original
// content for restoring the input field.
func (s *Sender) Send(ctx context.Context, content string, file *FileInfo) (*SendReceipt, error) {
	if strings.TrimSpace(content) == "" && file == nil {
		return nil, ErrEmptyMessage
	}
	groupID := s.sync.Group()
	if groupID == "" {
		return nil, ErrNoActiveGroup
	}

	kind := KindText
	if file != nil {
		kind = KindFile
		if strings.HasPrefix(file.MimeType, "image/") {
			kind = KindImage
		}
	}

	clientID := "local-" + uuid.NewString()
	placeholder := &Message{
		ClientID:   clientID,
		Group:      GroupRef{ID: groupID},
		SenderID:   s.self.UserID,
		SenderName: s.self.DisplayName,
		Content:    content,
		Kind:       kind,
		File:       file,
		CreatedAt:  time.Now(),
	}
	s.sync.InsertOptimistic(placeholder)

	state := statePendingFallback
	if s.conn.State() == StateConnected {
		state = statePendingLive
	}

	var liveErr error
	if state == statePendingLive {
		liveErr = s.conn.EmitWithAck(ctx, EventMessageSend, &livePayload{
			GroupID:  groupID,
			Content:  content,
			Kind:     kind,
			File:     file,
			ClientID: clientID,
		}, s.ackTimeout)

		// Affirmative ack: the placeholder's job is done; the confirmed
		// message arrives independently via message:new.
		s.sync.RemoveOptimistic(clientID)
		if liveErr == nil {
			state = stateConfirmed
			return &SendReceipt{ClientID: clientID, Path: PathLive}, nil
		}
		glog.V(2).Infof("live send %s failed, falling back: %v", clientID, liveErr)
		state = statePendingFallback
	}

	// REST fallback: the primary path while disconnected, a single retry
	// otherwise.
	msg, fbErr := s.rest.Create(ctx, groupID, &CreateMessageRequest{
		Content:  content,
		Kind:     kind,
		File:     file,
		ClientID: clientID,
	})
	if fbErr != nil {
		state = stateFailed
		glog.V(3).Infof("send %s: %s", clientID, state)
		s.sync.RemoveOptimistic(clientID)
		return nil, &SendError{Content: content, File: file, LiveErr: liveErr, Fallback: fbErr}
	}

	state = stateConfirmed
	glog.V(3).Infof("send %s: %s", clientID, state)
	s.sync.RemoveOptimistic(clientID)
	s.sync.ApplyCreate(*msg)
	return &SendReceipt{ClientID: clientID, Path: PathFallback, Message: msg}, nil
}
