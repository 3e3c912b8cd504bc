package lattice

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic REST response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Group reference
// ============================================================================

// GroupRef identifies a group. The server is inconsistent about the shape of
// group references in event payloads: some events carry a bare id string,
// others an embedded object. Both shapes decode into this one type at the
// wire boundary so nothing past ingress ever branches on payload shape.
type GroupRef struct {
	ID   string
	Name string
}

type groupRefObject struct {
	ID    string `json:"id"`
	AltID string `json:"_id"`
	Name  string `json:"name"`
}

// UnmarshalJSON accepts either "grp-1" or {"id":"grp-1","name":"..."}.
func (g *GroupRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*g = GroupRef{}
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*g = GroupRef{ID: id}
		return nil
	}
	var obj groupRefObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	id := obj.ID
	if id == "" {
		id = obj.AltID
	}
	*g = GroupRef{ID: id, Name: obj.Name}
	return nil
}

// MarshalJSON always emits the canonical bare-id form.
func (g GroupRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.ID)
}

// ============================================================================
// Messages
// ============================================================================

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
)

// TombstoneContent replaces the content of a soft-deleted message.
const TombstoneContent = "This message was deleted"

// FileInfo describes an attached file.
type FileInfo struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Reaction is a single user+emoji pair. A user may react with several emoji,
// but each user+emoji pair appears at most once.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// SeenEntry marks that a user has seen (or received) a message.
type SeenEntry struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// Message is a chat message as held in the canonical local list.
//
// ID is server-assigned and globally unique once confirmed. ClientID is the
// locally generated temporary identifier carried by optimistic placeholders;
// the server echoes it back on the confirmed message so the two can be
// correlated. A placeholder is always removed before the confirmed message
// with the same ClientID is inserted.
type Message struct {
	ID          string      `json:"id,omitempty"`
	ClientID    string      `json:"clientId,omitempty"`
	Group       GroupRef    `json:"group"`
	SenderID    string      `json:"senderId"`
	SenderName  string      `json:"senderName,omitempty"`
	Content     string      `json:"content"`
	Kind        string      `json:"kind"`
	File        *FileInfo   `json:"file,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	EditedAt    *time.Time  `json:"editedAt,omitempty"`
	Reactions   []Reaction  `json:"reactions,omitempty"`
	SeenBy      []SeenEntry `json:"seenBy,omitempty"`
	DeliveredTo []SeenEntry `json:"deliveredTo,omitempty"`
	Deleted     bool        `json:"deleted,omitempty"`
	DeletedAt   *time.Time  `json:"deletedAt,omitempty"`

	// Optimistic marks a not-yet-confirmed local placeholder. Never sent or
	// received over the wire.
	Optimistic bool `json:"-"`
}

// SeenByUser reports whether userID already has a seen entry on the message.
func (m *Message) SeenByUser(userID string) bool {
	for _, e := range m.SeenBy {
		if e.UserID == userID {
			return true
		}
	}
	return false
}

// clone returns a deep copy safe to hand out as part of a snapshot.
func (m *Message) clone() Message {
	out := *m
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	out.SeenBy = append([]SeenEntry(nil), m.SeenBy...)
	out.DeliveredTo = append([]SeenEntry(nil), m.DeliveredTo...)
	return out
}

// ============================================================================
// Members & presence
// ============================================================================

// Member is a group member with presence state.
type Member struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	Online      bool      `json:"online"`
	Status      string    `json:"status,omitempty"`
	LastSeenAt  time.Time `json:"lastSeenAt,omitempty"`
}

// MemberList is the full membership snapshot for a group.
type MemberList struct {
	Members     []Member `json:"members"`
	OnlineCount int      `json:"onlineCount"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification kinds.
const (
	NotifyMessage    = "message"
	NotifyUserJoined = "user-joined"
	NotifyUserLeft   = "user-left"
)

// NotificationEntry is a single out-of-band event shown in the notification
// tray.
type NotificationEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// ============================================================================
// Identity
// ============================================================================

// Profile is the minimal user profile persisted alongside the credential.
type Profile struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// Credential is the persisted authentication state, read once at session
// start.
type Credential struct {
	Token   string    `json:"token"`
	Profile Profile   `json:"profile"`
	SavedAt time.Time `json:"savedAt"`
}

// sortMembers orders members by username for stable snapshots.
func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].Username < members[j].Username
	})
}
