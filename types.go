package convsync

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationType tags which kind of chat a conversation belongs to.
type ConversationType string

const (
	TypeTeam   ConversationType = "team"
	TypeClub   ConversationType = "club"
	TypeGroup  ConversationType = "group"
	TypeDirect ConversationType = "direct"
)

// Valid reports whether t is one of the known conversation types.
func (t ConversationType) Valid() bool {
	switch t {
	case TypeTeam, TypeClub, TypeGroup, TypeDirect:
		return true
	}
	return false
}

// ConversationKey identifies a conversation across every component.
// Its string form ("team:abc") is also the durable storage key.
type ConversationKey struct {
	Type ConversationType `json:"type"`
	ID   string           `json:"id"`
}

func (k ConversationKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// ParseConversationKey parses "type:id".
func ParseConversationKey(s string) (ConversationKey, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ConversationKey{}, fmt.Errorf("conversation key %q: want type:id", s)
	}
	k := ConversationKey{Type: ConversationType(typ), ID: id}
	if !k.Type.Valid() {
		return ConversationKey{}, fmt.Errorf("conversation key %q: unknown type %q", s, typ)
	}
	return k, nil
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryState is the send lifecycle of a message.
type DeliveryState string

const (
	DeliveryProvisional   DeliveryState = "provisional"
	DeliveryQueuedOffline DeliveryState = "queuedOffline"
	DeliveryConfirmed     DeliveryState = "confirmed"
	DeliveryFailed        DeliveryState = "failed"
)

// CanTransition reports whether a message may move from s to next.
// confirmed is terminal.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	switch s {
	case DeliveryProvisional:
		return next == DeliveryConfirmed || next == DeliveryQueuedOffline || next == DeliveryFailed
	case DeliveryQueuedOffline:
		return next == DeliveryConfirmed || next == DeliveryFailed
	case DeliveryFailed:
		return next == DeliveryProvisional
	}
	return false
}

// Pending reports whether the message has not reached the server yet.
func (s DeliveryState) Pending() bool {
	return s == DeliveryProvisional || s == DeliveryQueuedOffline
}

// ReplyPreview is the locally attached snippet of the message being replied to.
// The server never sends it back.
type ReplyPreview struct {
	AuthorID string `json:"authorId"`
	Text     string `json:"text"`
}

// Message is one entry of a conversation timeline.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	AuthorID       string        `json:"authorId"`
	Text           string        `json:"text"`
	ImageURL       string        `json:"imageUrl,omitempty"`
	ReplyToID      string        `json:"replyToId,omitempty"`
	ReplyPreview   *ReplyPreview `json:"replyPreview,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt,omitempty"`
	State          DeliveryState `json:"deliveryState,omitempty"`
}

func (m Message) equal(o Message) bool {
	if m.ID != o.ID || m.ClientID != o.ClientID || m.ConversationID != o.ConversationID ||
		m.AuthorID != o.AuthorID || m.Text != o.Text || m.ImageURL != o.ImageURL ||
		m.ReplyToID != o.ReplyToID || m.State != o.State {
		return false
	}
	if !m.CreatedAt.Equal(o.CreatedAt) || !m.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	switch {
	case m.ReplyPreview == nil && o.ReplyPreview == nil:
		return true
	case m.ReplyPreview == nil || o.ReplyPreview == nil:
		return false
	}
	return *m.ReplyPreview == *o.ReplyPreview
}

// withLocal fills fields the wire payload omitted from a local copy of the
// same logical message.
func (m Message) withLocal(local Message) Message {
	if m.ClientID == "" {
		m.ClientID = local.ClientID
	}
	if m.ConversationID == "" {
		m.ConversationID = local.ConversationID
	}
	if m.AuthorID == "" {
		m.AuthorID = local.AuthorID
	}
	if m.ImageURL == "" {
		m.ImageURL = local.ImageURL
	}
	if m.ReplyToID == "" {
		m.ReplyToID = local.ReplyToID
	}
	if m.ReplyPreview == nil && local.ReplyPreview != nil {
		p := *local.ReplyPreview
		m.ReplyPreview = &p
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = local.CreatedAt
	}
	return m
}

// ============================================================================
// Reactions and read receipts
// ============================================================================

// Reaction is unique per (MessageID, UserID, Type).
type Reaction struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Type      string `json:"reactionType"`
}

type reactionKey struct {
	userID string
	typ    string
}

// ReadReceipt records the first time a viewer saw a message.
type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	ViewerID  string    `json:"viewerId"`
	ReadAt    time.Time `json:"readAt"`
}

// ============================================================================
// Paging, offline queue, profiles
// ============================================================================

// Page is one slice of history, ascending by CreatedAt.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// PageQuery asks the server for up to Limit messages strictly older than
// (Before, BeforeID), newest first. A zero Before means "latest".
type PageQuery struct {
	Before   time.Time
	BeforeID string
	Limit    int
}

// Freshness is the lightweight server probe used after reconnecting.
type Freshness struct {
	NewestAt time.Time `json:"newestAt"`
	Count    int       `json:"count"`
}

// SendRequest is the payload for a message send. ClientID is echoed back
// by the server in the confirmed record when supported.
type SendRequest struct {
	ClientID  string `json:"clientId"`
	Text      string `json:"text"`
	ImageURL  string `json:"imageUrl,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// PendingMessage is a send waiting in the offline queue.
type PendingMessage struct {
	ClientID      string    `json:"clientId"`
	ProvisionalID string    `json:"provisionalId"`
	AuthorID      string    `json:"authorId"`
	Text          string    `json:"text"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	ReplyToID     string    `json:"replyToId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	Attempts      int       `json:"attempts"`
}

func pendingFrom(m Message) PendingMessage {
	return PendingMessage{
		ClientID:      m.ClientID,
		ProvisionalID: m.ID,
		AuthorID:      m.AuthorID,
		Text:          m.Text,
		ImageURL:      m.ImageURL,
		ReplyToID:     m.ReplyToID,
		CreatedAt:     m.CreatedAt,
	}
}

func (p PendingMessage) request() SendRequest {
	return SendRequest{ClientID: p.ClientID, Text: p.Text, ImageURL: p.ImageURL, ReplyToID: p.ReplyToID}
}

// Profile is the display data of a conversation member.
type Profile struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
