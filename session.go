package convsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Options
// ============================================================================

const (
	DefaultPageSize          = 15
	DefaultUpdateTTL         = 5 * time.Second
	DefaultPaginationTimeout = 8 * time.Second
	DefaultFlushTimeout      = 10 * time.Second
	DefaultSendTimeout       = 10 * time.Second
	DefaultReadDebounce      = 750 * time.Millisecond
	DefaultFlushRate         = 10
	DefaultMaxMessageLength  = 4000
)

// Options configures a Session. UserID, API and Transport are required.
type Options struct {
	UserID    string
	API       NetworkAPI
	Transport Transport

	// Storage defaults to a MemoryStorage.
	Storage     Storage
	Permissions Permissions
	Profiles    ProfileResolver
	Logger      *zap.Logger
	Metrics     *Metrics

	PageSize          int
	UpdateTTL         time.Duration
	PaginationTimeout time.Duration
	FlushTimeout      time.Duration
	SendTimeout       time.Duration
	ReadDebounce      time.Duration
	// FlushRate caps outbox sends per second.
	FlushRate        float64
	MaxMessageLength int

	// StartOffline makes the session assume no connectivity until SetOnline(true).
	StartOffline bool
	Now          func() time.Time
}

func (o *Options) defaults() {
	if o.Storage == nil {
		o.Storage = NewMemoryStorage()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.UpdateTTL <= 0 {
		o.UpdateTTL = DefaultUpdateTTL
	}
	if o.PaginationTimeout <= 0 {
		o.PaginationTimeout = DefaultPaginationTimeout
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.ReadDebounce <= 0 {
		o.ReadDebounce = DefaultReadDebounce
	}
	if o.FlushRate == 0 {
		o.FlushRate = DefaultFlushRate
	}
	if o.MaxMessageLength == 0 {
		o.MaxMessageLength = DefaultMaxMessageLength
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is one signed-in user's sync state. It owns the connectivity flag,
// the read-mark cache and one shared core per open conversation.
type Session struct {
	opts   Options
	log    *zap.Logger
	seen   *SeenCache
	online atomic.Bool

	bg sync.WaitGroup

	mu     sync.Mutex
	cores  map[string]*core
	closed bool
}

// NewSession creates a session. It panics if a required option is missing.
func NewSession(opts Options) *Session {
	if opts.UserID == "" || opts.API == nil || opts.Transport == nil {
		panic("convsync: Options.UserID, API and Transport are required")
	}
	opts.defaults()
	s := &Session{
		opts:  opts,
		log:   opts.Logger,
		seen:  NewSeenCache(),
		cores: make(map[string]*core),
	}
	s.online.Store(!opts.StartOffline)
	return s
}

// Online reports the connectivity the session currently assumes.
func (s *Session) Online() bool {
	return s.online.Load()
}

// Seen returns the session-wide read-mark cache.
func (s *Session) Seen() *SeenCache {
	return s.seen
}

// Open returns a handle on the shared instance for key, creating and
// starting it on first use. Every handle must be closed.
func (s *Session) Open(ctx context.Context, key ConversationKey) (*Conversation, error) {
	if !key.Type.Valid() || key.ID == "" {
		return nil, validationError("open", "invalid conversation %q", key.String())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	c, ok := s.cores[key.String()]
	if ok {
		c.refs++
		// a core with no handles stays registered while sends drain
		revive := c.refs == 1
		s.mu.Unlock()
		<-c.ready
		if revive {
			c.revive(ctx)
		}
		return &Conversation{c: c}, nil
	}
	c = s.newCore(key)
	c.refs = 1
	s.cores[key.String()] = c
	s.mu.Unlock()

	c.start(ctx)
	close(c.ready)
	return &Conversation{c: c}, nil
}

// SetOnline records a connectivity change. Going online flushes every open
// outbox and checks each store for events missed while offline.
func (s *Session) SetOnline(online bool) {
	was := s.online.Swap(online)
	if !online || was {
		return
	}
	s.log.Info("session_online", zap.Int("conversations", len(s.openCores())))
	for _, c := range s.openCores() {
		done := c.hold()
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			defer done()
			c.resume()
		}()
	}
}

func (s *Session) openCores() []*core {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core, 0, len(s.cores))
	for _, c := range s.cores {
		out = append(out, c)
	}
	return out
}

// Close shuts down every open conversation and waits for background sends,
// flushes and read marks to finish.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cores := make([]*core, 0, len(s.cores))
	for k, c := range s.cores {
		cores = append(cores, c)
		delete(s.cores, k)
	}
	s.mu.Unlock()

	for _, c := range cores {
		<-c.ready
		c.shutdown()
	}
	for _, c := range cores {
		c.sender.Wait()
	}
	s.bg.Wait()
	return nil
}

// release drops a handle. The last one parks the core; it is retired once
// no send or flush is running, so a reopen in between reuses it.
func (s *Session) release(c *core) {
	s.mu.Lock()
	c.refs--
	last := c.refs == 0
	retire := last && c.busy == 0 && s.cores[c.key.String()] == c
	if retire {
		delete(s.cores, c.key.String())
	}
	s.mu.Unlock()
	if !last {
		return
	}
	c.park()
	if retire {
		c.shutdown()
	}
}

// ============================================================================
// core
// ============================================================================

// core is the single shared instance behind every handle on one conversation.
type core struct {
	key   ConversationKey
	s     *Session
	log   *zap.Logger
	refs  int // guarded by s.mu
	busy  int // running sends and flushes, guarded by s.mu
	ready chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// life serializes park and revive
	life       sync.Mutex
	viewCancel context.CancelFunc

	signals signalEmitter
	store   *Store
	outbox  *Outbox
	sender  *Sender
	ingest  *Ingestor
	history *History
	reads   *ReadTracker

	mu     sync.Mutex
	sub    Subscription
	parked bool
	down   bool
}

func (s *Session) newCore(key ConversationKey) *core {
	o := s.opts
	ctx, cancel := context.WithCancel(context.Background())
	view, viewCancel := context.WithCancel(ctx)
	c := &core{
		key:        key,
		s:          s,
		log:        o.Logger,
		ready:      make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		viewCancel: viewCancel,
	}
	c.store = NewStore(key, o.Storage, o.Logger, o.Metrics)
	c.outbox = NewOutbox(key, o.API, o.Storage, o.FlushRate, o.Logger, o.Metrics)
	c.history = &History{
		key:      key,
		store:    c.store,
		api:      o.API,
		signals:  &c.signals,
		pageSize: o.PageSize,
		timeout:  o.PaginationTimeout,
		log:      o.Logger,
		base:     view,
	}
	c.ingest = &Ingestor{
		key:     key,
		store:   c.store,
		api:     o.API,
		history: c.history,
		signals: &c.signals,
		ttl:     o.UpdateTTL,
		now:     o.Now,
		log:     o.Logger,
		metrics: o.Metrics,
	}
	c.ingest.init()
	c.sender = &Sender{
		key:     key,
		userID:  o.UserID,
		store:   c.store,
		outbox:  c.outbox,
		api:     o.API,
		perms:   o.Permissions,
		signals: &c.signals,
		online:  s.online.Load,
		now:     o.Now,
		timeout: o.SendTimeout,
		maxLen:  o.MaxMessageLength,
		log:     o.Logger,
		metrics: o.Metrics,
	}
	c.reads = &ReadTracker{
		key:      key,
		viewerID: o.UserID,
		store:    c.store,
		api:      o.API,
		seen:     s.seen,
		debounce: o.ReadDebounce,
		timeout:  o.SendTimeout,
		log:      o.Logger,
	}

	// confirmed outbox sends settle through the same path as feed inserts
	c.outbox.onConfirmed = func(_ PendingMessage, m Message) { c.ingest.OnInsert(m) }
	c.outbox.onPermanent = func(p PendingMessage, err error) {
		c.sender.fail(Message{ID: p.ProvisionalID}, err)
	}
	c.sender.track = c.hold
	c.sender.settle = c.settle
	return c
}

// hold marks background work on the core and returns the func ending it.
// The last one to end on a parked core retires it.
func (c *core) hold() func() {
	c.s.mu.Lock()
	c.busy++
	c.s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.s.mu.Lock()
			c.busy--
			retire := c.busy == 0 && c.refs == 0 && c.s.cores[c.key.String()] == c
			if retire {
				delete(c.s.cores, c.key.String())
			}
			c.s.mu.Unlock()
			if retire {
				c.shutdown()
			}
		})
	}
}

// settle applies a send confirmation when no feed is attached to deliver
// it, e.g. after the last view closed mid-send.
func (c *core) settle(m Message) {
	c.mu.Lock()
	detached := c.sub == nil
	c.mu.Unlock()
	if detached {
		c.ingest.OnInsert(m)
	}
}

func (c *core) active() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.refs > 0
}

func (c *core) start(ctx context.Context) {
	c.store.Restore()
	if err := c.outbox.Load(); err != nil {
		c.log.Warn("outbox_load_failed", zap.String("conversation", c.key.String()), zap.Error(err))
	}
	c.reconcileRestored()

	if c.s.Online() {
		c.subscribe(ctx)
		if _, err := c.history.LoadLatest(ctx); err != nil {
			c.log.Info("latest_page_unavailable", zap.String("conversation", c.key.String()), zap.Error(err))
		}
	}

	go c.ingest.janitor(c.ctx)

	if c.s.Online() && c.outbox.Len() > 0 {
		c.goFlush()
	}
	c.log.Debug("conversation_opened",
		zap.String("conversation", c.key.String()),
		zap.Int("cached", c.store.Len()),
		zap.Int("queued", c.outbox.Len()))
}

// reconcileRestored settles messages left mid-send by a previous process:
// anything still in the outbox is queued, anything else pending has failed.
func (c *core) reconcileRestored() {
	queued := make(map[string]PendingMessage)
	for _, p := range c.outbox.ListPending() {
		queued[p.ClientID] = p
	}
	for _, m := range c.store.List() {
		if !m.State.Pending() {
			continue
		}
		_, inQueue := queued[m.ClientID]
		switch {
		case inQueue && m.State == DeliveryProvisional:
			c.store.SetDeliveryState(m.ID, DeliveryQueuedOffline)
		case !inQueue:
			c.store.SetDeliveryState(m.ID, DeliveryFailed)
		}
	}
	for _, p := range queued {
		if _, ok := c.store.Get(p.ProvisionalID); ok {
			continue
		}
		c.store.Upsert(Message{
			ID:             p.ProvisionalID,
			ClientID:       p.ClientID,
			ConversationID: c.key.ID,
			AuthorID:       p.AuthorID,
			Text:           p.Text,
			ImageURL:       p.ImageURL,
			ReplyToID:      p.ReplyToID,
			CreatedAt:      p.CreatedAt,
			State:          DeliveryQueuedOffline,
		})
	}
}

func (c *core) subscribe(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil || c.parked || c.down {
		return
	}
	sub, err := c.s.opts.Transport.Subscribe(ctx, c.key, c.ingest.Handlers(c.onReconnect))
	if err != nil {
		c.log.Warn("realtime_subscribe_failed", zap.String("conversation", c.key.String()), zap.Error(err))
		return
	}
	c.sub = sub
}

func (c *core) onReconnect() {
	ctx, cancel := context.WithTimeout(c.ctx, c.s.opts.PaginationTimeout)
	defer cancel()
	_ = c.ingest.Recover(ctx)
}

// resume runs when the session comes back online. A parked core only
// flushes its queue.
func (c *core) resume() {
	c.mu.Lock()
	parked := c.parked
	c.mu.Unlock()
	if !parked {
		c.subscribe(c.ctx)
	}
	c.flush()
	if parked {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.s.opts.PaginationTimeout)
	defer cancel()
	_ = c.ingest.Recover(ctx)
}

// flush is detached from the conversation lifetime: closing the view must
// not orphan a queued message mid-send.
func (c *core) flush() {
	done := c.hold()
	defer done()
	ctx, cancel := context.WithTimeout(context.Background(), c.s.opts.FlushTimeout)
	defer cancel()
	sent, err := c.outbox.Flush(ctx)
	if err != nil && IsNetwork(err) {
		c.signals.emit(Signal{Kind: SignalFlushStopped, Conversation: c.key, Err: err, Retryable: true})
	}
	if sent > 0 {
		c.log.Info("outbox_flushed", zap.String("conversation", c.key.String()), zap.Int("sent", sent), zap.Int("remaining", c.outbox.Len()))
	}
}

func (c *core) goFlush() {
	done := c.hold()
	c.s.bg.Add(1)
	go func() {
		defer c.s.bg.Done()
		defer done()
		c.flush()
	}()
}

// park runs when the last handle closes: the feed is dropped and pagination
// abandoned while sends and flushes carry on.
func (c *core) park() {
	c.life.Lock()
	defer c.life.Unlock()
	if c.active() {
		return
	}
	c.mu.Lock()
	if c.parked || c.down {
		c.mu.Unlock()
		return
	}
	c.parked = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	c.viewCancel()
	c.signals.removeAll()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.log.Debug("realtime_unsubscribe_failed", zap.String("conversation", c.key.String()), zap.Error(err))
		}
	}
	c.s.bg.Add(1)
	go func() {
		defer c.s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.s.opts.SendTimeout)
		defer cancel()
		_ = c.reads.Flush(ctx)
	}()
	c.log.Debug("conversation_parked", zap.String("conversation", c.key.String()))
}

// revive reattaches a parked core to a new handle.
func (c *core) revive(ctx context.Context) {
	c.life.Lock()
	defer c.life.Unlock()
	if !c.active() {
		return
	}
	c.mu.Lock()
	if !c.parked || c.down {
		c.mu.Unlock()
		return
	}
	c.parked = false
	c.mu.Unlock()

	view, cancel := context.WithCancel(c.ctx)
	c.viewCancel = cancel
	c.history.setBase(view)

	if c.s.Online() {
		c.subscribe(ctx)
		if _, err := c.history.LoadLatest(ctx); err != nil {
			c.log.Info("latest_page_unavailable", zap.String("conversation", c.key.String()), zap.Error(err))
		}
		if c.outbox.Len() > 0 {
			c.goFlush()
		}
	}
	c.log.Debug("conversation_revived", zap.String("conversation", c.key.String()))
}

func (c *core) shutdown() {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return
	}
	c.down = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	c.cancel()
	c.signals.removeAll()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.log.Debug("realtime_unsubscribe_failed", zap.String("conversation", c.key.String()), zap.Error(err))
		}
	}
	c.s.bg.Add(1)
	go func() {
		defer c.s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.s.opts.SendTimeout)
		defer cancel()
		_ = c.reads.Close(ctx)
	}()
	c.log.Debug("conversation_closed", zap.String("conversation", c.key.String()))
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is a handle on a shared conversation instance. Handles on
// the same key observe one Store.
type Conversation struct {
	c    *core
	once sync.Once
}

func (h *Conversation) Key() ConversationKey { return h.c.key }

// Store exposes the underlying store for read access and change watching.
func (h *Conversation) Store() *Store { return h.c.store }

// Messages returns the timeline ascending by createdAt.
func (h *Conversation) Messages() []Message { return h.c.store.List() }

func (h *Conversation) HasOlderMessages() bool { return h.c.store.HasOlderMessages() }

func (h *Conversation) LoadOlder(ctx context.Context) (Page, error) {
	return h.c.history.LoadOlder(ctx)
}

func (h *Conversation) LoadLatest(ctx context.Context) (Page, error) {
	return h.c.history.LoadLatest(ctx)
}

func (h *Conversation) EnqueueSend(text, imageURL, replyToID string) (string, error) {
	return h.c.sender.EnqueueSend(text, imageURL, replyToID)
}

func (h *Conversation) Retry(id string) error  { return h.c.sender.Retry(id) }
func (h *Conversation) Cancel(id string) error { return h.c.sender.Cancel(id) }

func (h *Conversation) Edit(ctx context.Context, id, text string) error {
	return h.c.sender.Edit(ctx, id, text)
}

func (h *Conversation) Delete(ctx context.Context, id string) error {
	return h.c.sender.Delete(ctx, id)
}

func (h *Conversation) ToggleReaction(ctx context.Context, messageID, reactionType string) error {
	return h.c.sender.ToggleReaction(ctx, messageID, reactionType)
}

func (h *Conversation) Reactions(messageID string) []Reaction {
	return h.c.store.Reactions(messageID)
}

func (h *Conversation) MarkRead(ids ...string) { h.c.reads.MarkRead(ids...) }

func (h *Conversation) FlushReads(ctx context.Context) error { return h.c.reads.Flush(ctx) }

func (h *Conversation) ReadCountFor(messageID string) int { return h.c.reads.ReadCountFor(messageID) }

func (h *Conversation) PendingOfflineCount() int { return h.c.outbox.Len() }

func (h *Conversation) PendingOffline() []PendingMessage { return h.c.outbox.ListPending() }

// FlushOutbox sends queued messages now.
func (h *Conversation) FlushOutbox(ctx context.Context) (int, error) {
	if !h.c.s.Online() {
		return 0, newError(KindNetwork, "outbox.flush", "", fmt.Errorf("offline"))
	}
	done := h.c.hold()
	defer done()
	return h.c.outbox.Flush(ctx)
}

func (h *Conversation) SetSearch(query string) { h.c.history.SetSearch(query) }

func (h *Conversation) Search() []Message { return h.c.history.Search() }

func (h *Conversation) Changes() (<-chan struct{}, func()) { return h.c.store.Changes() }

func (h *Conversation) OnSignal(fn SignalHandler) { h.c.signals.OnSignal(fn) }

// Author resolves a display profile; ok is false while it is being fetched.
func (h *Conversation) Author(userID string) (Profile, bool) {
	if h.c.s.opts.Profiles == nil {
		return Profile{DisplayName: userID}, true
	}
	return h.c.s.opts.Profiles.Resolve(userID)
}

// Close releases the handle. The last Close on a conversation unsubscribes
// the feed and abandons pagination; sends and flushes keep running.
func (h *Conversation) Close() error {
	h.once.Do(func() { h.c.s.release(h.c) })
	return nil
}
