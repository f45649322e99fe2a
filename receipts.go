package convsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SeenCache remembers which (viewer, message) pairs were already marked
// read during a session. It is owned by the Session and shared by every
// conversation.
type SeenCache struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewSeenCache() *SeenCache {
	return &SeenCache{seen: make(map[string]struct{})}
}

func seenKey(viewerID, messageID string) string { return viewerID + "\x00" + messageID }

// claim reports whether the pair was not yet marked, marking it.
func (c *SeenCache) claim(viewerID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := seenKey(viewerID, messageID)
	if _, ok := c.seen[k]; ok {
		return false
	}
	c.seen[k] = struct{}{}
	return true
}

func (c *SeenCache) release(viewerID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, seenKey(viewerID, messageID))
}

func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Reset forgets every mark, e.g. on sign-out.
func (c *SeenCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]struct{})
}

// ============================================================================
// ReadTracker
// ============================================================================

// ReadTracker batches read marks into debounced MarkRead calls.
type ReadTracker struct {
	key      ConversationKey
	viewerID string
	store    *Store
	api      NetworkAPI
	seen     *SeenCache
	debounce time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	batch  []string
	timer  *time.Timer
	closed bool
}

// MarkRead queues ids for the next batched write. Unknown, unconfirmed and
// own messages are skipped, as are pairs already marked this session.
func (t *ReadTracker) MarkRead(ids ...string) {
	var claimed []string
	for _, id := range ids {
		m, ok := t.store.Get(id)
		if !ok || m.State != DeliveryConfirmed || m.AuthorID == t.viewerID {
			continue
		}
		if t.seen.claim(t.viewerID, id) {
			claimed = append(claimed, id)
		}
	}
	if len(claimed) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		for _, id := range claimed {
			t.seen.release(t.viewerID, id)
		}
		return
	}
	t.batch = append(t.batch, claimed...)
	if t.timer == nil {
		t.timer = time.AfterFunc(t.debounce, t.flushAsync)
	} else {
		t.timer.Reset(t.debounce)
	}
}

func (t *ReadTracker) flushAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	_ = t.Flush(ctx)
}

// Flush writes the pending batch now. On failure the ids are released so a
// later MarkRead can retry them.
func (t *ReadTracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	ids := t.batch
	t.batch = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	if err := t.api.MarkRead(ctx, t.key, ids); err != nil {
		for _, id := range ids {
			t.seen.release(t.viewerID, id)
		}
		t.log.Warn("mark_read_failed", zap.String("conversation", t.key.String()), zap.Int("count", len(ids)), zap.Error(err))
		return err
	}
	t.log.Debug("mark_read_flushed", zap.String("conversation", t.key.String()), zap.Int("count", len(ids)))
	return nil
}

// ReadCountFor returns how many viewers have read the message.
func (t *ReadTracker) ReadCountFor(messageID string) int {
	return t.store.ReadCount(messageID)
}

// Close flushes the pending batch and rejects further marks.
func (t *ReadTracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.Flush(ctx)
}
