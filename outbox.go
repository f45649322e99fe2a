package convsync

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Outbox
// ============================================================================

// Outbox is the durable FIFO of sends made while offline. It never touches
// the Store: a confirmed record is handed to onConfirmed, which routes it
// through the realtime ingest path.
type Outbox struct {
	key     ConversationKey
	api     NetworkAPI
	storage Storage
	limiter *rate.Limiter
	log     *zap.Logger
	metrics *Metrics

	mu    sync.Mutex
	items []PendingMessage

	flushMu sync.Mutex

	onConfirmed func(PendingMessage, Message)
	onPermanent func(PendingMessage, error)
}

// NewOutbox creates an empty queue. flushRate bounds sends per second
// during a flush; zero means unlimited.
func NewOutbox(key ConversationKey, api NetworkAPI, storage Storage, flushRate float64, log *zap.Logger, metrics *Metrics) *Outbox {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if flushRate > 0 {
		limit = rate.Limit(flushRate)
	}
	return &Outbox{
		key:     key,
		api:     api,
		storage: storage,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
		metrics: metrics,
	}
}

// Load replaces the in-memory queue with the persisted one.
func (o *Outbox) Load() error {
	if o.storage == nil {
		return nil
	}
	data, ok, err := o.storage.Get(outboxKey(o.key))
	if err != nil || !ok {
		return err
	}
	var items []PendingMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	o.mu.Lock()
	o.items = items
	o.mu.Unlock()
	o.metrics.outboxDepth(o.key, len(items))
	return nil
}

// Enqueue appends p unless a message with the same ClientID is queued.
// The queue is persisted before Enqueue returns; on a storage failure the
// item is not kept.
func (o *Outbox) Enqueue(p PendingMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range o.items {
		if it.ClientID == p.ClientID {
			return nil
		}
	}
	o.items = append(o.items, p)
	if err := o.persistLocked(); err != nil {
		o.items = o.items[:len(o.items)-1]
		return err
	}
	o.log.Debug("outbox_enqueued",
		zap.String("conversation", o.key.String()),
		zap.String("client_id", p.ClientID),
		zap.Int("depth", len(o.items)))
	return nil
}

// Remove drops the queued message with clientID.
func (o *Outbox) Remove(clientID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, it := range o.items {
		if it.ClientID == clientID {
			o.items = append(o.items[:i], o.items[i+1:]...)
			if err := o.persistLocked(); err != nil {
				o.log.Warn("outbox_persist_failed", zap.String("conversation", o.key.String()), zap.Error(err))
			}
			return true
		}
	}
	return false
}

// ListPending returns the queue in send order.
func (o *Outbox) ListPending() []PendingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PendingMessage(nil), o.items...)
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) Contains(clientID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range o.items {
		if it.ClientID == clientID {
			return true
		}
	}
	return false
}

func (o *Outbox) persistLocked() error {
	o.metrics.outboxDepth(o.key, len(o.items))
	if o.storage == nil {
		return nil
	}
	if len(o.items) == 0 {
		return o.storage.Delete(outboxKey(o.key))
	}
	data, err := json.Marshal(o.items)
	if err != nil {
		return err
	}
	return o.storage.Set(outboxKey(o.key), data)
}

func (o *Outbox) head() (PendingMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return PendingMessage{}, false
	}
	return o.items[0], true
}

// popHead removes the head only if it is still clientID; a concurrent Cancel
// may have removed it while the send was in flight.
func (o *Outbox) popHead(clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 || o.items[0].ClientID != clientID {
		return
	}
	o.items = o.items[1:]
	if err := o.persistLocked(); err != nil {
		o.log.Warn("outbox_persist_failed", zap.String("conversation", o.key.String()), zap.Error(err))
	}
}

func (o *Outbox) bumpAttempts(clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) > 0 && o.items[0].ClientID == clientID {
		o.items[0].Attempts++
		if err := o.persistLocked(); err != nil {
			o.log.Warn("outbox_persist_failed", zap.String("conversation", o.key.String()), zap.Error(err))
		}
	}
}

// Flush sends queued messages strictly in order. It stops at the first
// failure and keeps that item and everything after it. A flush already in
// progress makes this call a no-op.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	if !o.flushMu.TryLock() {
		return 0, nil
	}
	defer o.flushMu.Unlock()

	sent := 0
	for {
		p, ok := o.head()
		if !ok {
			return sent, nil
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return sent, newError(KindNetwork, "outbox.flush", p.ProvisionalID, err)
		}

		msg, err := o.api.SendMessage(ctx, o.key, p.request())
		if err != nil {
			if IsNetwork(err) || ctx.Err() != nil {
				o.bumpAttempts(p.ClientID)
				o.metrics.send("retry")
				o.log.Info("outbox_flush_stopped",
					zap.String("conversation", o.key.String()),
					zap.String("client_id", p.ClientID),
					zap.Int("remaining", o.Len()),
					zap.Error(err))
				return sent, err
			}
			o.popHead(p.ClientID)
			o.metrics.send("failed")
			o.log.Warn("outbox_send_rejected",
				zap.String("conversation", o.key.String()),
				zap.String("client_id", p.ClientID),
				zap.Error(err))
			if o.onPermanent != nil {
				o.onPermanent(p, err)
			}
			return sent, err
		}

		if msg.ClientID == "" {
			msg.ClientID = p.ClientID
		}
		if msg.AuthorID == "" {
			msg.AuthorID = p.AuthorID
		}
		msg.State = DeliveryConfirmed
		o.popHead(p.ClientID)
		o.metrics.send("ok")
		sent++
		if o.onConfirmed != nil {
			o.onConfirmed(p, msg)
		}
	}
}
