package convsync

import "context"

// NetworkAPI is the backend the sync core talks to. *Client implements it.
type NetworkAPI interface {
	// SendMessage returns the server-confirmed record.
	SendMessage(ctx context.Context, conv ConversationKey, req SendRequest) (Message, error)
	EditMessage(ctx context.Context, messageID, text string) error
	DeleteMessage(ctx context.Context, messageID string) error
	ToggleReaction(ctx context.Context, messageID, reactionType string) error
	// FetchMessages returns messages newest first.
	FetchMessages(ctx context.Context, conv ConversationKey, q PageQuery) ([]Message, error)
	Freshness(ctx context.Context, conv ConversationKey) (Freshness, error)
	MarkRead(ctx context.Context, conv ConversationKey, messageIDs []string) error
}

// Permissions is consumed, never implemented here.
type Permissions interface {
	CanPost(userID string, conv ConversationKey) bool
	CanDelete(userID, messageID string) bool
}

// ProfileResolver returns ok=false while a profile is still being fetched.
type ProfileResolver interface {
	Resolve(userID string) (Profile, bool)
}

// Handlers receive realtime feed events for one conversation. Nil fields
// are skipped.
type Handlers struct {
	OnInsert         func(Message)
	OnUpdate         func(Message)
	OnDelete         func(messageID string)
	OnReactionInsert func(Reaction)
	OnReactionDelete func(reactionID string)
	OnReceipt        func(ReadReceipt)
	// OnReconnect fires after the feed recovered from a connection loss.
	OnReconnect func()
}

// Transport is the realtime feed. *WSTransport implements it.
type Transport interface {
	Subscribe(ctx context.Context, conv ConversationKey, h Handlers) (Subscription, error)
}

// Subscription is the handle returned by Transport.Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Storage is durable key/value storage for cached pages and the offline queue.
type Storage interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Delete(key string) error
}

func messagesKey(k ConversationKey) string { return "messages/" + k.String() }
func outboxKey(k ConversationKey) string   { return "outbox/" + k.String() }
