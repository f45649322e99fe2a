package convsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// History loads pages from the server into the Store.
type History struct {
	key      ConversationKey
	store    *Store
	api      NetworkAPI
	signals  *signalEmitter
	pageSize int
	timeout  time.Duration
	log      *zap.Logger

	// base is cancelled when the last handle on the conversation closes,
	// abandoning any in-flight page request.
	baseMu sync.Mutex
	base   context.Context
	group  singleflight.Group

	mu    sync.RWMutex
	query string
}

// LoadLatest fetches the newest page and merges it into the Store.
func (h *History) LoadLatest(ctx context.Context) (Page, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	msgs, err := h.api.FetchMessages(ctx, h.key, PageQuery{Limit: h.pageSize + 1})
	if err != nil {
		return Page{}, h.fail("history.latest", err)
	}
	page := pageFrom(msgs, h.pageSize)
	h.store.MergeLatest(page.Messages, page.HasMore)
	h.log.Debug("history_latest_loaded",
		zap.String("conversation", h.key.String()),
		zap.Int("count", len(page.Messages)),
		zap.Bool("has_more", page.HasMore))
	return page, nil
}

// LoadOlder fetches the page before the oldest loaded message. Concurrent
// calls share one request. It fails with ErrSearchActive while a search
// filter is set.
func (h *History) LoadOlder(ctx context.Context) (Page, error) {
	if h.SearchActive() {
		return Page{}, ErrSearchActive
	}
	ch := h.group.DoChan("older", func() (any, error) {
		return h.loadOlder()
	})
	select {
	case <-ctx.Done():
		return Page{}, newError(KindNetwork, "history.older", "", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Page{}, res.Err
		}
		return res.Val.(Page), nil
	}
}

func (h *History) setBase(ctx context.Context) {
	h.baseMu.Lock()
	h.base = ctx
	h.baseMu.Unlock()
}

func (h *History) baseCtx() context.Context {
	h.baseMu.Lock()
	defer h.baseMu.Unlock()
	return h.base
}

func (h *History) loadOlder() (Page, error) {
	base := h.baseCtx()
	oldest, ok := h.store.OldestConfirmed()
	if !ok {
		return h.LoadLatest(base)
	}
	if !h.store.HasOlderMessages() {
		return Page{}, nil
	}

	ctx, cancel := context.WithTimeout(base, h.timeout)
	defer cancel()
	msgs, err := h.api.FetchMessages(ctx, h.key, PageQuery{
		Before:   oldest.CreatedAt,
		BeforeID: oldest.ID,
		Limit:    h.pageSize + 1,
	})
	if err != nil {
		return Page{}, h.fail("history.older", err)
	}
	page := pageFrom(msgs, h.pageSize)
	added := h.store.PrependPage(page.Messages, page.HasMore)
	h.log.Debug("history_older_loaded",
		zap.String("conversation", h.key.String()),
		zap.Int("count", len(page.Messages)),
		zap.Int("added", added),
		zap.Bool("has_more", page.HasMore))
	return page, nil
}

// fail leaves the Store untouched so the UI keeps showing what is cached.
func (h *History) fail(op string, err error) error {
	if KindOf(err) == 0 {
		err = newError(KindNetwork, op, "", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	h.log.Warn("history_load_failed", zap.String("conversation", h.key.String()), zap.String("op", op), zap.Error(err))
	h.signals.emit(Signal{Kind: SignalHistoryFailed, Conversation: h.key, Err: err, Retryable: IsNetwork(err)})
	return err
}

// SetSearch sets the text filter. An empty query returns to paging mode.
func (h *History) SetSearch(query string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.query = strings.TrimSpace(query)
}

func (h *History) SearchActive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.query != ""
}

// Search returns the cached messages matching the current filter, or all
// of them when no filter is set.
func (h *History) Search() []Message {
	h.mu.RLock()
	q := h.query
	h.mu.RUnlock()
	if q == "" {
		return h.store.List()
	}
	return h.store.Search(q)
}

// pageFrom turns a newest-first fetch of size+1 into an ascending page.
func pageFrom(newestFirst []Message, size int) Page {
	hasMore := len(newestFirst) > size
	if hasMore {
		newestFirst = newestFirst[:size]
	}
	msgs := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		m.State = DeliveryConfirmed
		msgs[len(newestFirst)-1-i] = m
	}
	return Page{Messages: msgs, HasMore: hasMore}
}
