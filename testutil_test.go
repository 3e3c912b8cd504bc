package lattice

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport for exercising the engine without
// a server. Deliver pushes an inbound event through the registered handlers
// the same way the read loop would: synchronously, in order.
type fakeTransport struct {
	mu       sync.Mutex
	state    ConnState
	joined   string
	emitted  []fakeEmit
	ackErr   error
	handlers map[string][]EventHandler

	onConnect    []func()
	onDisconnect []func(string)
	onReconnect  []func(int)
}

type fakeEmit struct {
	event   string
	payload json.RawMessage
	acked   bool
}

func newFakeTransport(state ConnState) *fakeTransport {
	return &fakeTransport{
		state:    state,
		handlers: make(map[string][]EventHandler),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.state = StateConnected
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.state = StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) setState(s ConnState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeTransport) JoinGroup(ctx context.Context, groupID string) error {
	f.mu.Lock()
	f.joined = groupID
	f.mu.Unlock()
	return f.Emit(ctx, EventGroupJoin, map[string]string{"groupId": groupID})
}

func (f *fakeTransport) LeaveGroup(ctx context.Context, groupID string) error {
	f.mu.Lock()
	if f.joined == groupID {
		f.joined = ""
	}
	f.mu.Unlock()
	return f.Emit(ctx, EventGroupLeave, map[string]string{"groupId": groupID})
}

func (f *fakeTransport) JoinedGroup() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined
}

func (f *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.emitted = append(f.emitted, fakeEmit{event: event, payload: raw})
	return nil
}

func (f *fakeTransport) EmitWithAck(ctx context.Context, event string, payload any, timeout time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.state != StateConnected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.emitted = append(f.emitted, fakeEmit{event: event, payload: raw, acked: true})
	ackErr := f.ackErr
	f.mu.Unlock()
	return ackErr
}

func (f *fakeTransport) On(event string, h EventHandler) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnect(h func())            { f.onConnect = append(f.onConnect, h) }
func (f *fakeTransport) OnDisconnect(h func(s string)) { f.onDisconnect = append(f.onDisconnect, h) }
func (f *fakeTransport) OnReconnect(h func(a int))     { f.onReconnect = append(f.onReconnect, h) }

// Deliver simulates an inbound event from the server.
func (f *fakeTransport) Deliver(event string, payload any) {
	raw, _ := json.Marshal(payload)
	f.mu.Lock()
	handlers := append([]EventHandler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(event, raw)
	}
}

// emits returns the payloads emitted for one event name.
func (f *fakeTransport) emits(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// loaderFunc adapts a function to HistoryLoader.
type loaderFunc func(ctx context.Context, groupID string, params HistoryParams) ([]Message, error)

func (f loaderFunc) History(ctx context.Context, groupID string, params HistoryParams) ([]Message, error) {
	return f(ctx, groupID, params)
}

// creatorFunc adapts a function to MessageCreator.
type creatorFunc func(ctx context.Context, groupID string, req *CreateMessageRequest) (*Message, error)

func (f creatorFunc) Create(ctx context.Context, groupID string, req *CreateMessageRequest) (*Message, error) {
	return f(ctx, groupID, req)
}

// submitterFunc adapts a function to SeenSubmitter.
type submitterFunc func(ctx context.Context, groupID string, messageIDs []string) error

func (f submitterFunc) MarkSeen(ctx context.Context, groupID string, messageIDs []string) error {
	return f(ctx, groupID, messageIDs)
}

// clearerFunc adapts a function to NotificationClearer.
type clearerFunc func(ctx context.Context) error

func (f clearerFunc) Clear(ctx context.Context) error { return f(ctx) }

// listerFunc adapts a function to MemberLister.
type listerFunc func(ctx context.Context, groupID string) (*MemberList, error)

func (f listerFunc) Members(ctx context.Context, groupID string) (*MemberList, error) {
	return f(ctx, groupID)
}

// confirmed builds a minimal confirmed message for tests.
func confirmed(id, group, sender, content string) Message {
	return Message{
		ID:        id,
		Group:     GroupRef{ID: group},
		SenderID:  sender,
		Content:   content,
		Kind:      KindText,
		CreatedAt: time.Now(),
	}
}

// staticLoader always returns the same page.
func staticLoader(msgs []Message) HistoryLoader {
	return loaderFunc(func(ctx context.Context, groupID string, params HistoryParams) ([]Message, error) {
		return msgs, nil
	})
}
