package convsync

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Store
// ============================================================================

// Store is the authoritative view of one conversation: messages ordered by
// createdAt (ties by arrival), reactions and read receipts.
//
// Every mutation is expressed as an action and applied by reduce under a
// single lock, so concurrent ingest, send and pagination calls are applied
// one at a time in a deterministic order. Store methods never return errors:
// malformed input is dropped and persistence failures are only logged.
type Store struct {
	key     ConversationKey
	storage Storage
	log     *zap.Logger
	metrics *Metrics

	mu         sync.RWMutex
	entries    []*entry
	byID       map[string]*entry
	reactions  map[string]map[reactionKey]Reaction
	receipts   map[string]map[string]time.Time
	hasOlder   bool
	hadContent bool
	seq        uint64
	version    uint64

	persistMu sync.Mutex
	persisted uint64

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

type entry struct {
	msg Message
	seq uint64 // arrival order, breaks createdAt ties
}

type storeSnapshot struct {
	Messages   []Message     `json:"messages"`
	Reactions  []Reaction    `json:"reactions,omitempty"`
	Receipts   []ReadReceipt `json:"receipts,omitempty"`
	HasOlder   bool          `json:"hasOlder"`
	HadContent bool          `json:"hadContent,omitempty"`
}

// NewStore creates an empty store. storage may be nil for a purely
// in-memory store.
func NewStore(key ConversationKey, storage Storage, log *zap.Logger, metrics *Metrics) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		key:       key,
		storage:   storage,
		log:       log,
		metrics:   metrics,
		byID:      make(map[string]*entry),
		reactions: make(map[string]map[reactionKey]Reaction),
		receipts:  make(map[string]map[string]time.Time),
		watchers:  make(map[chan struct{}]struct{}),
	}
}

// ============================================================================
// Actions
// ============================================================================

type action interface{ isAction() }

type upsertAction struct {
	msg           Message
	skipConfirmed bool
}

type updateAction struct {
	msg   Message
	cond  func(cur Message) bool
	found bool
}

type removeAction struct{ id string }

type stateAction struct {
	id    string
	state DeliveryState
}

type reactionAction struct{ r Reaction }

type removeReactionAction struct{ id string }

type toggleReactionAction struct {
	messageID, userID, typ string
	added                  bool
	result                 Reaction
}

type receiptAction struct{ r ReadReceipt }

type prependAction struct {
	msgs    []Message
	hasMore bool
	added   int
}

type mergeLatestAction struct {
	msgs    []Message // newest first or any order
	hasMore bool
}

type restoreAction struct{ snap storeSnapshot }

func (*upsertAction) isAction()         {}
func (*updateAction) isAction()         {}
func (*removeAction) isAction()         {}
func (*stateAction) isAction()          {}
func (*reactionAction) isAction()       {}
func (*removeReactionAction) isAction() {}
func (*toggleReactionAction) isAction() {}
func (*receiptAction) isAction()        {}
func (*prependAction) isAction()        {}
func (*mergeLatestAction) isAction()    {}
func (*restoreAction) isAction()        {}

func (s *Store) dispatch(a action) bool {
	s.mu.Lock()
	changed := s.reduce(a)
	var (
		snap    storeSnapshot
		version uint64
	)
	if changed {
		sort.Slice(s.entries, func(i, j int) bool {
			a, b := s.entries[i], s.entries[j]
			if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
				return a.msg.CreatedAt.Before(b.msg.CreatedAt)
			}
			return a.seq < b.seq
		})
		if !s.hadContent && s.confirmedLenLocked() > 0 {
			s.hadContent = true
		}
		s.version++
		version = s.version
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		if _, restoring := a.(*restoreAction); !restoring {
			s.persist(version, snap)
		}
		s.notify()
	}
	return changed
}

func (s *Store) reduce(a action) bool {
	switch a := a.(type) {
	case *upsertAction:
		return s.upsertLocked(a.msg, a.skipConfirmed)
	case *updateAction:
		return s.updateLocked(a)
	case *removeAction:
		return s.removeLocked(a.id)
	case *stateAction:
		e, ok := s.byID[a.id]
		if !ok || !e.msg.State.CanTransition(a.state) {
			return false
		}
		e.msg.State = a.state
		return true
	case *reactionAction:
		return s.applyReactionLocked(a.r)
	case *removeReactionAction:
		for msgID, set := range s.reactions {
			for k, r := range set {
				if r.ID == a.id {
					delete(set, k)
					if len(set) == 0 {
						delete(s.reactions, msgID)
					}
					return true
				}
			}
		}
		return false
	case *toggleReactionAction:
		return s.toggleReactionLocked(a)
	case *receiptAction:
		return s.applyReceiptLocked(a.r)
	case *prependAction:
		for _, m := range a.msgs {
			if m.ID == "" {
				s.metrics.dropped("missing_id")
				continue
			}
			if _, ok := s.byID[m.ID]; ok {
				continue
			}
			if m.State == "" {
				m.State = DeliveryConfirmed
			}
			s.appendLocked(m)
			a.added++
		}
		changed := a.added > 0 || s.hasOlder != a.hasMore
		s.hasOlder = a.hasMore
		return changed
	case *mergeLatestAction:
		return s.mergeLatestLocked(a)
	case *restoreAction:
		s.entries = s.entries[:0]
		s.byID = make(map[string]*entry)
		for _, m := range a.snap.Messages {
			if m.ID != "" {
				s.appendLocked(m)
			}
		}
		s.reactions = make(map[string]map[reactionKey]Reaction)
		for _, r := range a.snap.Reactions {
			s.applyReactionLocked(r)
		}
		s.receipts = make(map[string]map[string]time.Time)
		for _, r := range a.snap.Receipts {
			s.applyReceiptLocked(r)
		}
		s.hasOlder = a.snap.HasOlder
		s.hadContent = a.snap.HadContent
		return true
	}
	return false
}

func (s *Store) appendLocked(m Message) *entry {
	s.seq++
	e := &entry{msg: m, seq: s.seq}
	s.entries = append(s.entries, e)
	s.byID[m.ID] = e
	return e
}

func (s *Store) upsertLocked(m Message, skipConfirmed bool) bool {
	if m.ID == "" {
		s.metrics.dropped("missing_id")
		return false
	}
	if m.State == "" {
		m.State = DeliveryConfirmed
	}

	if e, ok := s.byID[m.ID]; ok {
		cur := e.msg
		if cur.State == DeliveryConfirmed {
			if skipConfirmed || m.State != DeliveryConfirmed {
				return false
			}
			if staleUpdate(cur, m) {
				return false
			}
		}
		next := m.withLocal(cur)
		if next.equal(cur) {
			return false
		}
		e.msg = next
		return true
	}

	if m.State == DeliveryConfirmed {
		if e := s.matchLocked(m); e != nil {
			prev := e.msg
			delete(s.byID, prev.ID)
			e.msg = m.withLocal(prev)
			s.byID[m.ID] = e
			s.metrics.reconciled()
			s.log.Debug("message_reconciled",
				zap.String("conversation", s.key.String()),
				zap.String("provisional_id", prev.ID),
				zap.String("id", m.ID))
			return true
		}
	}

	s.appendLocked(m)
	return true
}

// matchLocked finds the local message a confirmed record settles. An echoed
// client id matches exactly. Without one, the oldest pending message by the
// same author is used, preferring one with identical text; this is best
// effort when an author sends several messages in quick succession.
func (s *Store) matchLocked(m Message) *entry {
	if m.ClientID != "" {
		for _, e := range s.entries {
			if e.msg.ClientID == m.ClientID && e.msg.State != DeliveryConfirmed {
				return e
			}
		}
		return nil
	}
	if m.AuthorID == "" {
		return nil
	}
	var sameText, oldest *entry
	for _, e := range s.entries {
		if !e.msg.State.Pending() || e.msg.AuthorID != m.AuthorID {
			continue
		}
		if oldest == nil || e.seq < oldest.seq {
			oldest = e
		}
		if e.msg.Text == m.Text && (sameText == nil || e.seq < sameText.seq) {
			sameText = e
		}
	}
	if sameText != nil {
		return sameText
	}
	return oldest
}

func staleUpdate(cur, next Message) bool {
	return !next.UpdatedAt.IsZero() && !cur.UpdatedAt.IsZero() && next.UpdatedAt.Before(cur.UpdatedAt)
}

func (s *Store) updateLocked(a *updateAction) bool {
	e, ok := s.byID[a.msg.ID]
	if !ok {
		return false
	}
	a.found = true
	cur := e.msg
	switch {
	case a.cond != nil:
		// cond replaces the timestamp check so rollbacks can restore an older copy
		if !a.cond(cur) {
			return false
		}
	case staleUpdate(cur, a.msg):
		return false
	}
	m := a.msg
	m.State = cur.State
	next := m.withLocal(cur)
	if next.equal(cur) {
		return false
	}
	e.msg = next
	return true
}

func (s *Store) removeLocked(id string) bool {
	changed := false
	if _, ok := s.reactions[id]; ok {
		delete(s.reactions, id)
		changed = true
	}
	if _, ok := s.receipts[id]; ok {
		delete(s.receipts, id)
		changed = true
	}
	e, ok := s.byID[id]
	if !ok {
		return changed
	}
	delete(s.byID, id)
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return true
}

func (s *Store) applyReactionLocked(r Reaction) bool {
	if r.MessageID == "" || r.UserID == "" || r.Type == "" {
		s.metrics.dropped("malformed_reaction")
		return false
	}
	if r.ID == "" {
		r.ID = "local-" + uuid.NewString()
	}
	set := s.reactions[r.MessageID]
	if set == nil {
		set = make(map[reactionKey]Reaction)
		s.reactions[r.MessageID] = set
	}
	k := reactionKey{userID: r.UserID, typ: r.Type}
	if cur, ok := set[k]; ok && cur.ID == r.ID {
		return false
	}
	set[k] = r
	return true
}

func (s *Store) toggleReactionLocked(a *toggleReactionAction) bool {
	k := reactionKey{userID: a.userID, typ: a.typ}
	set := s.reactions[a.messageID]
	if r, ok := set[k]; ok {
		delete(set, k)
		if len(set) == 0 {
			delete(s.reactions, a.messageID)
		}
		a.added, a.result = false, r
		return true
	}
	r := Reaction{ID: "local-" + uuid.NewString(), MessageID: a.messageID, UserID: a.userID, Type: a.typ}
	if !s.applyReactionLocked(r) {
		return false
	}
	a.added, a.result = true, r
	return true
}

func (s *Store) applyReceiptLocked(r ReadReceipt) bool {
	if r.MessageID == "" || r.ViewerID == "" {
		s.metrics.dropped("malformed_receipt")
		return false
	}
	set := s.receipts[r.MessageID]
	if set == nil {
		set = make(map[string]time.Time)
		s.receipts[r.MessageID] = set
	}
	prev, ok := set[r.ViewerID]
	if ok && (r.ReadAt.IsZero() || !r.ReadAt.Before(prev)) {
		return false
	}
	set[r.ViewerID] = r.ReadAt
	return true
}

// mergeLatestLocked merges a freshly fetched latest page. Confirmed messages
// inside the page's time window that the server no longer returns were
// deleted while the feed was down and are dropped.
func (s *Store) mergeLatestLocked(a *mergeLatestAction) bool {
	oldestBefore, hadOlder := s.oldestConfirmedLocked()

	changed := false
	ids := make(map[string]struct{}, len(a.msgs))
	var lo, hi time.Time
	for i, m := range a.msgs {
		if m.ID == "" {
			continue
		}
		m.State = DeliveryConfirmed
		ids[m.ID] = struct{}{}
		if i == 0 || m.CreatedAt.Before(lo) {
			lo = m.CreatedAt
		}
		if i == 0 || m.CreatedAt.After(hi) {
			hi = m.CreatedAt
		}
		if s.upsertLocked(m, false) {
			changed = true
		}
	}

	var stale []string
	for _, e := range s.entries {
		if e.msg.State != DeliveryConfirmed {
			continue
		}
		if _, ok := ids[e.msg.ID]; ok {
			continue
		}
		prune := false
		switch {
		case len(ids) == 0:
			prune = !a.hasMore
		case e.msg.CreatedAt.After(hi):
			// newer than the page; arrived after the fetch
		case a.hasMore:
			prune = e.msg.CreatedAt.After(lo)
		default:
			prune = true
		}
		if prune {
			stale = append(stale, e.msg.ID)
		}
	}
	for _, id := range stale {
		s.removeLocked(id)
		changed = true
	}

	if !hadOlder || len(ids) == 0 || !lo.After(oldestBefore.CreatedAt) {
		if s.hasOlder != a.hasMore {
			s.hasOlder = a.hasMore
			changed = true
		}
	}
	return changed
}

func (s *Store) snapshotLocked() storeSnapshot {
	snap := storeSnapshot{
		Messages:   make([]Message, 0, len(s.entries)),
		HasOlder:   s.hasOlder,
		HadContent: s.hadContent,
	}
	for _, e := range s.entries {
		snap.Messages = append(snap.Messages, e.msg)
	}
	for _, set := range s.reactions {
		for _, r := range set {
			snap.Reactions = append(snap.Reactions, r)
		}
	}
	for msgID, set := range s.receipts {
		for viewer, at := range set {
			snap.Receipts = append(snap.Receipts, ReadReceipt{MessageID: msgID, ViewerID: viewer, ReadAt: at})
		}
	}
	return snap
}

// persist writes the snapshot through to storage. A snapshot older than
// the last one written is skipped.
func (s *Store) persist(version uint64, snap storeSnapshot) {
	if s.storage == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if version <= s.persisted {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Warn("store_snapshot_encode_failed", zap.String("conversation", s.key.String()), zap.Error(err))
		return
	}
	if err := s.storage.Set(messagesKey(s.key), data); err != nil {
		s.log.Warn("store_persist_failed", zap.String("conversation", s.key.String()), zap.Error(err))
		return
	}
	s.persisted = version
}

// Restore loads the last persisted snapshot. It reports whether one was found.
func (s *Store) Restore() bool {
	if s.storage == nil {
		return false
	}
	data, ok, err := s.storage.Get(messagesKey(s.key))
	if err != nil {
		s.log.Warn("store_restore_failed", zap.String("conversation", s.key.String()), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	var snap storeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("store_snapshot_decode_failed", zap.String("conversation", s.key.String()), zap.Error(err))
		return false
	}
	s.dispatch(&restoreAction{snap: snap})
	s.log.Debug("store_restored", zap.String("conversation", s.key.String()), zap.Int("messages", len(snap.Messages)))
	return true
}

// ============================================================================
// Mutations
// ============================================================================

// Upsert inserts m or merges it into the existing entry with the same id.
// A confirmed message matching a pending local one replaces it.
func (s *Store) Upsert(m Message) bool {
	return s.dispatch(&upsertAction{msg: m})
}

// Insert is Upsert, except that it is a no-op when a confirmed copy with the
// same id is already present.
func (s *Store) Insert(m Message) bool {
	return s.dispatch(&upsertAction{msg: m, skipConfirmed: true})
}

// Update merges m into an existing entry and reports whether the id was present.
func (s *Store) Update(m Message) bool {
	a := &updateAction{msg: m}
	s.dispatch(a)
	return a.found
}

// UpdateIf is Update guarded by cond, evaluated against the current entry.
func (s *Store) UpdateIf(m Message, cond func(cur Message) bool) bool {
	a := &updateAction{msg: m, cond: cond}
	return s.dispatch(a)
}

// Remove deletes a message along with its reactions and read receipts.
func (s *Store) Remove(id string) bool {
	return s.dispatch(&removeAction{id: id})
}

// SetDeliveryState moves a message along the delivery state machine.
// Illegal transitions are ignored.
func (s *Store) SetDeliveryState(id string, state DeliveryState) bool {
	return s.dispatch(&stateAction{id: id, state: state})
}

func (s *Store) ApplyReaction(r Reaction) bool {
	return s.dispatch(&reactionAction{r: r})
}

func (s *Store) RemoveReaction(id string) bool {
	return s.dispatch(&removeReactionAction{id: id})
}

// ToggleReaction adds the reaction if absent, removes it otherwise.
func (s *Store) ToggleReaction(messageID, userID, reactionType string) (Reaction, bool) {
	a := &toggleReactionAction{messageID: messageID, userID: userID, typ: reactionType}
	s.dispatch(a)
	return a.result, a.added
}

// ApplyReceipt keeps the earliest read time per (message, viewer).
func (s *Store) ApplyReceipt(r ReadReceipt) bool {
	return s.dispatch(&receiptAction{r: r})
}

// PrependPage merges an older page. Ids already present are left untouched.
// It returns how many messages were added.
func (s *Store) PrependPage(older []Message, hasMore bool) int {
	a := &prependAction{msgs: older, hasMore: hasMore}
	s.dispatch(a)
	return a.added
}

// MergeLatest merges the newest page fetched from the server.
func (s *Store) MergeLatest(latest []Message, hasMore bool) bool {
	return s.dispatch(&mergeLatestAction{msgs: latest, hasMore: hasMore})
}

// ============================================================================
// Reads
// ============================================================================

// List returns the messages ascending by createdAt.
func (s *Store) List() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.msg)
	}
	return out
}

func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return e.msg, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) HasOlderMessages() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasOlder
}

// HadContent reports whether the store ever held a confirmed message.
func (s *Store) HadContent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hadContent
}

func (s *Store) ConfirmedLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmedLenLocked()
}

func (s *Store) confirmedLenLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.msg.State == DeliveryConfirmed {
			n++
		}
	}
	return n
}

func (s *Store) NewestConfirmed() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].msg.State == DeliveryConfirmed {
			return s.entries[i].msg, true
		}
	}
	return Message{}, false
}

func (s *Store) OldestConfirmed() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.oldestConfirmedLocked()
}

func (s *Store) oldestConfirmedLocked() (Message, bool) {
	for _, e := range s.entries {
		if e.msg.State == DeliveryConfirmed {
			return e.msg, true
		}
	}
	return Message{}, false
}

// Reactions returns the reactions on a message ordered by type then user.
func (s *Store) Reactions(messageID string) []Reaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.reactions[messageID]
	out := make([]Reaction, 0, len(set))
	for _, r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Store) ReadCount(messageID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.receipts[messageID])
}

// Search returns messages whose text contains query, case-insensitively.
func (s *Store) Search(query string) []Message {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, e := range s.entries {
		if q == "" || strings.Contains(strings.ToLower(e.msg.Text), q) {
			out = append(out, e.msg)
		}
	}
	return out
}

// Changes returns a channel that receives a value after mutations. Bursts
// are coalesced; readers re-read the store on each receive.
func (s *Store) Changes() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, ch)
			s.watchMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
