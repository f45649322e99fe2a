package convsync

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for every realtime frame and webhook body.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// FeedEvent is the payload of every conversation event.
type FeedEvent struct {
	Conversation string       `json:"conversation"`
	Message      *Message     `json:"message,omitempty"`
	MessageID    string       `json:"messageId,omitempty"`
	Reaction     *Reaction    `json:"reaction,omitempty"`
	ReactionID   string       `json:"reactionId,omitempty"`
	Receipt      *ReadReceipt `json:"receipt,omitempty"`
}

const (
	EventAuthenticated  = "authenticated"
	EventMessageInsert  = "message.insert"
	EventMessageUpdate  = "message.update"
	EventMessageDelete  = "message.delete"
	EventReactionInsert = "reaction.insert"
	EventReactionDelete = "reaction.delete"
	EventReceiptInsert  = "receipt.insert"
	EventError          = "error"
)

func isFeedEvent(typ string) bool {
	switch typ {
	case EventMessageInsert, EventMessageUpdate, EventMessageDelete,
		EventReactionInsert, EventReactionDelete, EventReceiptInsert:
		return true
	}
	return false
}

// ============================================================================
// feedRouter
// ============================================================================

// feedRouter fans feed events out to the handlers subscribed to each
// conversation. Handlers run synchronously, in arrival order.
type feedRouter struct {
	log *zap.Logger

	mu   sync.Mutex
	subs map[string][]*feedSub
}

type feedSub struct {
	r      *feedRouter
	key    ConversationKey
	h      Handlers
	onLast func(ConversationKey) error
	once   sync.Once
}

func newFeedRouter(log *zap.Logger) *feedRouter {
	return &feedRouter{log: log, subs: make(map[string][]*feedSub)}
}

// add reports whether sub is the first for its conversation.
func (r *feedRouter) add(key ConversationKey, h Handlers, onLast func(ConversationKey) error) (*feedSub, bool) {
	sub := &feedSub{r: r, key: key, h: h, onLast: onLast}
	r.mu.Lock()
	defer r.mu.Unlock()
	first := len(r.subs[key.String()]) == 0
	r.subs[key.String()] = append(r.subs[key.String()], sub)
	return sub, first
}

// remove reports whether sub was the last for its conversation.
func (r *feedRouter) remove(sub *feedSub) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := sub.key.String()
	list := r.subs[k]
	for i, s := range list {
		if s == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, k)
		return true
	}
	r.subs[k] = list
	return false
}

func (s *feedSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.r.remove(s) && s.onLast != nil {
			err = s.onLast(s.key)
		}
	})
	return err
}

func (r *feedRouter) rooms() []ConversationKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConversationKey, 0, len(r.subs))
	for _, list := range r.subs {
		if len(list) > 0 {
			out = append(out, list[0].key)
		}
	}
	return out
}

func (r *feedRouter) all() []*feedSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*feedSub
	for _, list := range r.subs {
		out = append(out, list...)
	}
	return out
}

func (r *feedRouter) reconnected() {
	for _, s := range r.all() {
		if s.h.OnReconnect != nil {
			safeCall(r.log, s.h.OnReconnect)
		}
	}
}

// dispatch delivers one feed event. It reports whether any subscriber
// received it.
func (r *feedRouter) dispatch(env Envelope) (bool, error) {
	var ev FeedEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return false, err
	}
	r.mu.Lock()
	subs := append([]*feedSub(nil), r.subs[ev.Conversation]...)
	r.mu.Unlock()

	for _, s := range subs {
		h := s.h
		switch env.Type {
		case EventMessageInsert:
			if h.OnInsert != nil && ev.Message != nil {
				safeCall(r.log, func() { h.OnInsert(*ev.Message) })
			}
		case EventMessageUpdate:
			if h.OnUpdate != nil && ev.Message != nil {
				safeCall(r.log, func() { h.OnUpdate(*ev.Message) })
			}
		case EventMessageDelete:
			if h.OnDelete != nil && ev.MessageID != "" {
				safeCall(r.log, func() { h.OnDelete(ev.MessageID) })
			}
		case EventReactionInsert:
			if h.OnReactionInsert != nil && ev.Reaction != nil {
				safeCall(r.log, func() { h.OnReactionInsert(*ev.Reaction) })
			}
		case EventReactionDelete:
			if h.OnReactionDelete != nil && ev.ReactionID != "" {
				safeCall(r.log, func() { h.OnReactionDelete(ev.ReactionID) })
			}
		case EventReceiptInsert:
			if h.OnReceipt != nil && ev.Receipt != nil {
				safeCall(r.log, func() { h.OnReceipt(*ev.Receipt) })
			}
		}
	}
	return len(subs) > 0, nil
}

func safeCall(log *zap.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("feed_handler_panic", zap.Any("panic", r))
		}
	}()
	fn()
}
