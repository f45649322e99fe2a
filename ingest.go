package convsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Ingestor
// ============================================================================

// Ingestor merges realtime feed events into the Store. The feed is
// at-least-once and unordered: duplicates are no-ops, updates that beat
// their insert are held for a TTL, and deleted ids are remembered for the
// same TTL so a late duplicate insert cannot resurrect them.
type Ingestor struct {
	key     ConversationKey
	store   *Store
	api     NetworkAPI
	history *History
	signals *signalEmitter
	ttl     time.Duration
	now     func() time.Time
	log     *zap.Logger
	metrics *Metrics

	mu         sync.Mutex
	pending    map[string]bufferedUpdate
	tombstones map[string]time.Time
}

type bufferedUpdate struct {
	msg     Message
	expires time.Time
}

func (i *Ingestor) init() {
	i.pending = make(map[string]bufferedUpdate)
	i.tombstones = make(map[string]time.Time)
}

// Handlers returns the feed callbacks bound to this ingestor.
func (i *Ingestor) Handlers(onReconnect func()) Handlers {
	return Handlers{
		OnInsert:         i.OnInsert,
		OnUpdate:         i.OnUpdate,
		OnDelete:         i.OnDelete,
		OnReactionInsert: i.OnReactionInsert,
		OnReactionDelete: i.OnReactionDelete,
		OnReceipt:        i.OnReceipt,
		OnReconnect:      onReconnect,
	}
}

func (i *Ingestor) OnInsert(m Message) {
	if m.ID == "" {
		i.metrics.dropped("missing_id")
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sweepLocked()

	if _, dead := i.tombstones[m.ID]; dead {
		i.metrics.dropped("deleted")
		return
	}
	m.State = DeliveryConfirmed
	if i.store.Insert(m) {
		i.metrics.applied("insert")
	} else {
		i.metrics.dropped("duplicate")
	}

	if u, ok := i.pending[m.ID]; ok {
		delete(i.pending, m.ID)
		i.metrics.buffered(-1)
		i.store.Update(u.msg)
		i.metrics.applied("update")
		i.log.Debug("buffered_update_applied", zap.String("conversation", i.key.String()), zap.String("id", m.ID))
	}
}

func (i *Ingestor) OnUpdate(m Message) {
	if m.ID == "" {
		i.metrics.dropped("missing_id")
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sweepLocked()

	if _, dead := i.tombstones[m.ID]; dead {
		i.metrics.dropped("deleted")
		return
	}
	if i.store.Update(m) {
		i.metrics.applied("update")
		return
	}

	prev, held := i.pending[m.ID]
	if held && staleUpdate(prev.msg, m) {
		return
	}
	if !held {
		i.metrics.buffered(1)
	}
	i.pending[m.ID] = bufferedUpdate{msg: m, expires: i.now().Add(i.ttl)}
	i.log.Debug("update_buffered", zap.String("conversation", i.key.String()), zap.String("id", m.ID))
}

func (i *Ingestor) OnDelete(id string) {
	if id == "" {
		i.metrics.dropped("missing_id")
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sweepLocked()

	if _, ok := i.pending[id]; ok {
		delete(i.pending, id)
		i.metrics.buffered(-1)
	}
	i.tombstones[id] = i.now().Add(i.ttl)
	i.store.Remove(id)
	i.metrics.applied("delete")
}

func (i *Ingestor) OnReactionInsert(r Reaction) {
	if i.store.ApplyReaction(r) {
		i.metrics.applied("reaction_insert")
	}
}

func (i *Ingestor) OnReactionDelete(id string) {
	if i.store.RemoveReaction(id) {
		i.metrics.applied("reaction_delete")
	}
}

func (i *Ingestor) OnReceipt(r ReadReceipt) {
	if i.store.ApplyReceipt(r) {
		i.metrics.applied("receipt")
	}
}

// Sweep evicts buffered updates and tombstones past their TTL.
func (i *Ingestor) Sweep() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sweepLocked()
}

// Buffered returns the number of updates waiting for their insert.
func (i *Ingestor) Buffered() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

func (i *Ingestor) sweepLocked() {
	now := i.now()
	for id, u := range i.pending {
		if now.After(u.expires) {
			delete(i.pending, id)
			i.metrics.buffered(-1)
			i.metrics.dropped("update_expired")
			i.log.Debug("buffered_update_expired", zap.String("conversation", i.key.String()), zap.String("id", id))
		}
	}
	for id, exp := range i.tombstones {
		if now.After(exp) {
			delete(i.tombstones, id)
		}
	}
}

// janitor sweeps periodically so expired updates are evicted even when the
// feed goes quiet.
func (i *Ingestor) janitor(ctx context.Context) {
	interval := i.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.Sweep()
		}
	}
}

// Recover checks the Store against the server after a connection loss and
// refetches the latest page when the feed cannot be trusted to have caught
// it up.
func (i *Ingestor) Recover(ctx context.Context) error {
	fresh, err := i.api.Freshness(ctx, i.key)
	if err != nil {
		i.log.Warn("freshness_probe_failed", zap.String("conversation", i.key.String()), zap.Error(err))
		return err
	}

	reason := i.staleReason(fresh)
	if reason == "" {
		return nil
	}
	i.log.Info("store_stale_refetching",
		zap.String("conversation", i.key.String()),
		zap.String("reason", reason),
		zap.Time("server_newest", fresh.NewestAt),
		zap.Int("server_count", fresh.Count))
	i.metrics.refetched()
	if _, err := i.history.LoadLatest(ctx); err != nil {
		return err
	}
	i.signals.emit(Signal{Kind: SignalRefetched, Conversation: i.key})
	return nil
}

func (i *Ingestor) staleReason(fresh Freshness) string {
	newest, ok := i.store.NewestConfirmed()
	switch {
	case !ok && fresh.Count > 0:
		return "empty"
	case !ok && i.store.HadContent():
		return "dropped_to_zero"
	case !ok:
		return ""
	case fresh.Count == 0:
		return "server_empty"
	case fresh.NewestAt.After(newest.CreatedAt):
		return "behind"
	case !fresh.NewestAt.IsZero() && newest.CreatedAt.After(fresh.NewestAt):
		return "ahead"
	}
	return ""
}
