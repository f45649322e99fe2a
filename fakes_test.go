package convsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	testKey  = ConversationKey{Type: TypeTeam, ID: "t-1"}
	testBase = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
)

// at returns testBase plus n minutes.
func at(n int) time.Time { return testBase.Add(time.Duration(n) * time.Minute) }

func confirmed(id string, n int) Message {
	return Message{
		ID:             id,
		ConversationID: testKey.ID,
		AuthorID:       "u-other",
		Text:           "message " + id,
		CreatedAt:      at(n),
		State:          DeliveryConfirmed,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(t *testing.T, got []Message, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("ids = %v, want %v", g, want)
	}
	for i := range g {
		if g[i] != want[i] {
			t.Fatalf("ids = %v, want %v", g, want)
		}
	}
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func netErr(op string) error {
	return newError(KindNetwork, op, "", errors.New("connection refused"))
}

// ============================================================================
// fakeAPI
// ============================================================================

// fakeAPI is an in-memory backend. Hooks override the default behaviour.
type fakeAPI struct {
	mu sync.Mutex

	// server-side history, any order
	history []Message
	seq     int

	sendFn  func(req SendRequest) (Message, error)
	fetchFn func(q PageQuery) ([]Message, error)

	sent    []SendRequest
	fetches []PageQuery
	edits   map[string]string
	deletes []string
	reacts  []string
	reads   [][]string

	editErr   error
	deleteErr error
	reactErr  error
	readErr   error
	fresh     *Freshness
	freshErr  error
}

func newFakeAPI(history ...Message) *fakeAPI {
	return &fakeAPI{history: history, edits: make(map[string]string)}
}

func (a *fakeAPI) SendMessage(_ context.Context, _ ConversationKey, req SendRequest) (Message, error) {
	a.mu.Lock()
	a.sent = append(a.sent, req)
	fn := a.sendFn
	a.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	m := Message{
		ID:             fmt.Sprintf("srv-%d", a.seq),
		ClientID:       req.ClientID,
		ConversationID: testKey.ID,
		Text:           req.Text,
		ImageURL:       req.ImageURL,
		ReplyToID:      req.ReplyToID,
		CreatedAt:      time.Now().UTC(),
		State:          DeliveryConfirmed,
	}
	a.history = append(a.history, m)
	return m, nil
}

func (a *fakeAPI) EditMessage(_ context.Context, id, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.editErr != nil {
		return a.editErr
	}
	a.edits[id] = text
	return nil
}

func (a *fakeAPI) DeleteMessage(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleteErr != nil {
		return a.deleteErr
	}
	a.deletes = append(a.deletes, id)
	return nil
}

func (a *fakeAPI) ToggleReaction(_ context.Context, id, typ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reactErr != nil {
		return a.reactErr
	}
	a.reacts = append(a.reacts, id+"/"+typ)
	return nil
}

// FetchMessages returns up to q.Limit messages strictly older than
// (Before, BeforeID), newest first.
func (a *fakeAPI) FetchMessages(ctx context.Context, _ ConversationKey, q PageQuery) ([]Message, error) {
	a.mu.Lock()
	a.fetches = append(a.fetches, q)
	fn := a.fetchFn
	a.mu.Unlock()
	if fn != nil {
		return fn(q)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.page(q), nil
}

// page is the default FetchMessages behaviour, usable from fetchFn hooks.
func (a *fakeAPI) page(q PageQuery) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	all := append([]Message(nil), a.history...)
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	var out []Message
	for _, m := range all {
		if !q.Before.IsZero() {
			if m.CreatedAt.After(q.Before) {
				continue
			}
			if m.CreatedAt.Equal(q.Before) && m.ID >= q.BeforeID {
				continue
			}
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

func (a *fakeAPI) Freshness(context.Context, ConversationKey) (Freshness, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freshErr != nil {
		return Freshness{}, a.freshErr
	}
	if a.fresh != nil {
		return *a.fresh, nil
	}
	var f Freshness
	for _, m := range a.history {
		f.Count++
		if m.CreatedAt.After(f.NewestAt) {
			f.NewestAt = m.CreatedAt
		}
	}
	return f, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, _ ConversationKey, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.readErr != nil {
		return a.readErr
	}
	a.reads = append(a.reads, append([]string(nil), ids...))
	return nil
}

func (a *fakeAPI) setHistory(msgs ...Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = msgs
}

func (a *fakeAPI) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *fakeAPI) sentRequests() []SendRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SendRequest(nil), a.sent...)
}

func (a *fakeAPI) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fetches)
}

func (a *fakeAPI) readBatches() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]string(nil), a.reads...)
}

// ============================================================================
// fakeTransport
// ============================================================================

type fakeTransport struct {
	mu   sync.Mutex
	subs map[string][]*fakeSub
	err  error
}

type fakeSub struct {
	t   *fakeTransport
	key ConversationKey
	h   Handlers
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string][]*fakeSub)}
}

func (t *fakeTransport) Subscribe(_ context.Context, conv ConversationKey, h Handlers) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	s := &fakeSub{t: t, key: conv, h: h}
	t.subs[conv.String()] = append(t.subs[conv.String()], s)
	return s, nil
}

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	list := s.t.subs[s.key.String()]
	for i, cur := range list {
		if cur == s {
			s.t.subs[s.key.String()] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (t *fakeTransport) active(conv ConversationKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[conv.String()])
}

// handlers returns the handlers of the single subscriber on conv.
func (t *fakeTransport) handlers(tb testing.TB, conv ConversationKey) Handlers {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.subs[conv.String()]
	if len(list) != 1 {
		tb.Fatalf("subscribers on %s = %d, want 1", conv, len(list))
	}
	return list[0].h
}

// ============================================================================
// Misc fakes
// ============================================================================

type fakePerms struct {
	post   bool
	delete bool
}

func (p fakePerms) CanPost(string, ConversationKey) bool { return p.post }
func (p fakePerms) CanDelete(string, string) bool        { return p.delete }

// failingStorage rejects every write.
type failingStorage struct{ *MemoryStorage }

func (failingStorage) Set(string, []byte) error { return errors.New("disk full") }

// signalRecorder collects emitted signals.
type signalRecorder struct {
	mu   sync.Mutex
	sigs []Signal
}

func (r *signalRecorder) record(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, s)
}

func (r *signalRecorder) kinds() []SignalKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SignalKind, len(r.sigs))
	for i, s := range r.sigs {
		out[i] = s.Kind
	}
	return out
}

func (r *signalRecorder) has(k SignalKind) bool {
	for _, got := range r.kinds() {
		if got == k {
			return true
		}
	}
	return false
}

// ============================================================================
// Session fixture
// ============================================================================

type fixture struct {
	api       *fakeAPI
	transport *fakeTransport
	storage   *MemoryStorage
	session   *Session
	conv      *Conversation
	signals   *signalRecorder
}

// newFixture opens testKey on a session for user "u-me".
func newFixture(t *testing.T, api *fakeAPI, tweak func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		api:       api,
		transport: newFakeTransport(),
		storage:   NewMemoryStorage(),
		signals:   &signalRecorder{},
	}
	opts := Options{
		UserID:       "u-me",
		API:          api,
		Transport:    f.transport,
		Storage:      f.storage,
		ReadDebounce: 10 * time.Millisecond,
		FlushRate:    -1,
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.session = NewSession(opts)
	t.Cleanup(func() { f.session.Close() })

	conv, err := f.session.Open(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conv.OnSignal(f.signals.record)
	f.conv = conv
	return f
}

// feed delivers events as the realtime feed would.
func (f *fixture) feed(t *testing.T) Handlers {
	t.Helper()
	return f.transport.handlers(t, testKey)
}
