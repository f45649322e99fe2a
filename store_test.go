package convsync

import (
	"strings"
	"testing"
)

// ============================================================================
// Ordering and idempotency
// ============================================================================

func TestStoreOrdering(t *testing.T) {
	t.Run("sorted by createdAt", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		s.Upsert(confirmed("c", 3))
		s.Upsert(confirmed("a", 1))
		s.Upsert(confirmed("b", 2))
		equalIDs(t, s.List(), "a", "b", "c")
	})

	t.Run("ties keep arrival order", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		s.Upsert(confirmed("second", 1))
		s.Upsert(confirmed("first", 0))
		s.Upsert(confirmed("third", 1))
		equalIDs(t, s.List(), "first", "second", "third")
	})

	t.Run("missing id dropped", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		if s.Upsert(Message{Text: "no id"}) {
			t.Fatal("expected no change")
		}
		if s.Len() != 0 {
			t.Fatalf("Len = %d, want 0", s.Len())
		}
	})
}

func TestStoreUpsertIdempotent(t *testing.T) {
	s := NewStore(testKey, nil, nil, nil)
	m := confirmed("a", 1)
	if !s.Upsert(m) {
		t.Fatal("first upsert should change the store")
	}
	if s.Upsert(m) {
		t.Fatal("second identical upsert should be a no-op")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}

	t.Run("insert ignores confirmed duplicate", func(t *testing.T) {
		dup := m
		dup.Text = "other"
		if s.Insert(dup) {
			t.Fatal("Insert over a confirmed message should be a no-op")
		}
		got, _ := s.Get("a")
		if got.Text != m.Text {
			t.Fatalf("text = %q, want %q", got.Text, m.Text)
		}
	})

	t.Run("stale update rejected", func(t *testing.T) {
		newer := m
		newer.Text = "v2"
		newer.UpdatedAt = at(10)
		if !s.Update(newer) {
			t.Fatal("Update should find the message")
		}
		older := m
		older.Text = "v1"
		older.UpdatedAt = at(5)
		s.Update(older)
		got, _ := s.Get("a")
		if got.Text != "v2" {
			t.Fatalf("text = %q, want v2", got.Text)
		}
	})

	t.Run("update of unknown id", func(t *testing.T) {
		if s.Update(confirmed("zz", 1)) {
			t.Fatal("Update should report missing id")
		}
	})
}

// ============================================================================
// Reconciliation
// ============================================================================

func TestStoreReconcile(t *testing.T) {
	provisional := func(id, clientID, text string, n int) Message {
		return Message{
			ID:        id,
			ClientID:  clientID,
			AuthorID:  "u-me",
			Text:      text,
			CreatedAt: at(n),
			State:     DeliveryProvisional,
		}
	}

	t.Run("by client id", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		p := provisional("local-1", "c-1", "hi", 1)
		p.ReplyToID = "parent"
		p.ReplyPreview = &ReplyPreview{AuthorID: "u-other", Text: "parent text"}
		s.Upsert(p)

		s.Upsert(Message{ID: "srv-1", ClientID: "c-1", AuthorID: "u-me", Text: "hi", CreatedAt: at(2), State: DeliveryConfirmed})

		if s.Len() != 1 {
			t.Fatalf("Len = %d, want 1", s.Len())
		}
		if _, ok := s.Get("local-1"); ok {
			t.Fatal("provisional id should be gone")
		}
		got, ok := s.Get("srv-1")
		if !ok || got.State != DeliveryConfirmed {
			t.Fatalf("confirmed message = %+v, %v", got, ok)
		}
		if got.ReplyPreview == nil || got.ReplyPreview.Text != "parent text" {
			t.Fatalf("reply preview lost: %+v", got.ReplyPreview)
		}
	})

	t.Run("client id does not match confirmed", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		s.Upsert(Message{ID: "srv-1", ClientID: "c-1", AuthorID: "u-me", CreatedAt: at(1), State: DeliveryConfirmed})
		s.Upsert(Message{ID: "srv-2", ClientID: "c-1", AuthorID: "u-me", CreatedAt: at(2), State: DeliveryConfirmed})
		if s.Len() != 2 {
			t.Fatalf("Len = %d, want 2", s.Len())
		}
	})

	t.Run("fallback prefers identical text", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		s.Upsert(provisional("local-a", "c-a", "first", 1))
		s.Upsert(provisional("local-b", "c-b", "second", 2))

		s.Upsert(Message{ID: "srv-b", AuthorID: "u-me", Text: "second", CreatedAt: at(3), State: DeliveryConfirmed})

		if _, ok := s.Get("local-b"); ok {
			t.Fatal("local-b should have been replaced")
		}
		if _, ok := s.Get("local-a"); !ok {
			t.Fatal("local-a should remain pending")
		}
		got, _ := s.Get("srv-b")
		if got.ClientID != "c-b" {
			t.Fatalf("ClientID = %q, want c-b", got.ClientID)
		}
	})

	t.Run("fallback uses oldest pending", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		s.Upsert(provisional("local-a", "c-a", "first", 1))
		s.Upsert(provisional("local-b", "c-b", "second", 2))

		s.Upsert(Message{ID: "srv-x", AuthorID: "u-me", Text: "rewritten by server", CreatedAt: at(3), State: DeliveryConfirmed})

		if _, ok := s.Get("local-a"); ok {
			t.Fatal("oldest pending should have been replaced")
		}
		if s.Len() != 2 {
			t.Fatalf("Len = %d, want 2", s.Len())
		}
	})

	t.Run("other author never matches", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		s.Upsert(provisional("local-a", "c-a", "hi", 1))
		s.Upsert(Message{ID: "srv-x", AuthorID: "u-other", Text: "hi", CreatedAt: at(2), State: DeliveryConfirmed})
		if s.Len() != 2 {
			t.Fatalf("Len = %d, want 2", s.Len())
		}
	})

	t.Run("confirmed moves to server timestamp", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		s.Upsert(provisional("local-a", "c-a", "mine", 10))
		s.Upsert(confirmed("m1", 5))
		s.Upsert(Message{ID: "srv-a", ClientID: "c-a", AuthorID: "u-me", Text: "mine", CreatedAt: at(1), State: DeliveryConfirmed})
		equalIDs(t, s.List(), "srv-a", "m1")
	})
}

// ============================================================================
// Delivery state machine
// ============================================================================

func TestDeliveryStateTransitions(t *testing.T) {
	tests := []struct {
		from, to DeliveryState
		ok       bool
	}{
		{DeliveryProvisional, DeliveryConfirmed, true},
		{DeliveryProvisional, DeliveryQueuedOffline, true},
		{DeliveryProvisional, DeliveryFailed, true},
		{DeliveryQueuedOffline, DeliveryConfirmed, true},
		{DeliveryQueuedOffline, DeliveryFailed, true},
		{DeliveryQueuedOffline, DeliveryProvisional, false},
		{DeliveryFailed, DeliveryProvisional, true},
		{DeliveryFailed, DeliveryConfirmed, false},
		{DeliveryConfirmed, DeliveryFailed, false},
		{DeliveryConfirmed, DeliveryProvisional, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.ok {
				t.Fatalf("CanTransition = %v, want %v", got, tt.ok)
			}
			s := NewStore(testKey, nil, nil, nil)
			s.Upsert(Message{ID: "m", AuthorID: "u-me", CreatedAt: at(1), State: tt.from})
			s.SetDeliveryState("m", tt.to)
			got, _ := s.Get("m")
			want := tt.from
			if tt.ok {
				want = tt.to
			}
			if got.State != want {
				t.Fatalf("state = %s, want %s", got.State, want)
			}
		})
	}
}

func TestStoreConfirmedNeverDowngraded(t *testing.T) {
	s := NewStore(testKey, nil, nil, nil)
	s.Upsert(confirmed("a", 1))
	p := confirmed("a", 1)
	p.State = DeliveryProvisional
	p.Text = "local echo"
	if s.Upsert(p) {
		t.Fatal("a pending copy must not overwrite a confirmed message")
	}
	got, _ := s.Get("a")
	if got.State != DeliveryConfirmed {
		t.Fatalf("state = %s", got.State)
	}
}

// ============================================================================
// Reactions and receipts
// ============================================================================

func TestStoreReactions(t *testing.T) {
	s := NewStore(testKey, nil, nil, nil)
	s.Upsert(confirmed("a", 1))

	t.Run("toggle adds then removes", func(t *testing.T) {
		r, added := s.ToggleReaction("a", "u-me", "like")
		if !added || r.ID == "" {
			t.Fatalf("toggle = %+v, %v", r, added)
		}
		if n := len(s.Reactions("a")); n != 1 {
			t.Fatalf("reactions = %d, want 1", n)
		}
		if _, added := s.ToggleReaction("a", "u-me", "like"); added {
			t.Fatal("second toggle should remove")
		}
		if n := len(s.Reactions("a")); n != 0 {
			t.Fatalf("reactions = %d, want 0", n)
		}
	})

	t.Run("unique per user and type", func(t *testing.T) {
		s.ApplyReaction(Reaction{ID: "r1", MessageID: "a", UserID: "u-1", Type: "like"})
		if s.ApplyReaction(Reaction{ID: "r1", MessageID: "a", UserID: "u-1", Type: "like"}) {
			t.Fatal("duplicate reaction should be a no-op")
		}
		s.ApplyReaction(Reaction{ID: "r2", MessageID: "a", UserID: "u-1", Type: "like"})
		s.ApplyReaction(Reaction{ID: "r3", MessageID: "a", UserID: "u-2", Type: "like"})
		s.ApplyReaction(Reaction{ID: "r4", MessageID: "a", UserID: "u-1", Type: "fire"})
		got := s.Reactions("a")
		if len(got) != 3 {
			t.Fatalf("reactions = %+v, want 3", got)
		}
		if got[0].Type != "fire" || got[1].UserID != "u-1" || got[2].UserID != "u-2" {
			t.Fatalf("unexpected order: %+v", got)
		}
	})

	t.Run("remove by id", func(t *testing.T) {
		if !s.RemoveReaction("r3") {
			t.Fatal("RemoveReaction should report change")
		}
		if s.RemoveReaction("r3") {
			t.Fatal("second remove should be a no-op")
		}
	})

	t.Run("malformed dropped", func(t *testing.T) {
		if s.ApplyReaction(Reaction{ID: "bad", MessageID: "a"}) {
			t.Fatal("reaction without user and type should be dropped")
		}
	})
}

func TestStoreReceipts(t *testing.T) {
	s := NewStore(testKey, nil, nil, nil)
	s.Upsert(confirmed("a", 1))

	s.ApplyReceipt(ReadReceipt{MessageID: "a", ViewerID: "v1", ReadAt: at(5)})
	s.ApplyReceipt(ReadReceipt{MessageID: "a", ViewerID: "v2", ReadAt: at(6)})
	if s.ApplyReceipt(ReadReceipt{MessageID: "a", ViewerID: "v1", ReadAt: at(9)}) {
		t.Fatal("a later read must not replace the first one")
	}
	if !s.ApplyReceipt(ReadReceipt{MessageID: "a", ViewerID: "v1", ReadAt: at(2)}) {
		t.Fatal("an earlier read should replace the recorded one")
	}
	if n := s.ReadCount("a"); n != 2 {
		t.Fatalf("ReadCount = %d, want 2", n)
	}
}

func TestStoreRemoveCascades(t *testing.T) {
	s := NewStore(testKey, nil, nil, nil)
	s.Upsert(confirmed("a", 1))
	s.ApplyReaction(Reaction{ID: "r1", MessageID: "a", UserID: "u-1", Type: "like"})
	s.ApplyReceipt(ReadReceipt{MessageID: "a", ViewerID: "v1", ReadAt: at(2)})

	if !s.Remove("a") {
		t.Fatal("Remove should report change")
	}
	if s.Len() != 0 || len(s.Reactions("a")) != 0 || s.ReadCount("a") != 0 {
		t.Fatal("message, reactions and receipts should all be gone")
	}
	if s.Remove("a") {
		t.Fatal("second Remove should be a no-op")
	}
}

// ============================================================================
// Pages
// ============================================================================

func TestStorePrependPage(t *testing.T) {
	s := NewStore(testKey, nil, nil, nil)
	s.MergeLatest([]Message{confirmed("c", 3), confirmed("d", 4)}, true)
	if !s.HasOlderMessages() {
		t.Fatal("HasOlderMessages should follow the first page")
	}

	added := s.PrependPage([]Message{confirmed("a", 1), confirmed("b", 2), confirmed("c", 3)}, false)
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	equalIDs(t, s.List(), "a", "b", "c", "d")
	if s.HasOlderMessages() {
		t.Fatal("HasOlderMessages should be false after the last page")
	}
}

func TestStoreMergeLatest(t *testing.T) {
	t.Run("prunes messages deleted inside the window", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		for i, id := range []string{"m1", "m2", "m3", "m4", "m5", "m6"} {
			s.Upsert(confirmed(id, i+1))
		}
		s.Upsert(Message{ID: "local-x", ClientID: "c-x", AuthorID: "u-me", CreatedAt: at(3), State: DeliveryProvisional})

		// m4 was deleted while offline; m6 arrived after the fetch
		s.MergeLatest([]Message{confirmed("m5", 5), confirmed("m3", 3), confirmed("m2", 2)}, true)

		equalIDs(t, s.List(), "m1", "m2", "m3", "local-x", "m5", "m6")
	})

	t.Run("last page prunes everything missing", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		s.Upsert(confirmed("m1", 1))
		s.Upsert(confirmed("m2", 2))
		s.MergeLatest([]Message{confirmed("m2", 2)}, false)
		equalIDs(t, s.List(), "m2")
	})

	t.Run("empty server clears confirmed", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		s.Upsert(confirmed("m1", 1))
		s.Upsert(Message{ID: "local-x", ClientID: "c-x", AuthorID: "u-me", CreatedAt: at(3), State: DeliveryQueuedOffline})
		s.MergeLatest(nil, false)
		equalIDs(t, s.List(), "local-x")
		if !s.HadContent() {
			t.Fatal("HadContent should survive the wipe")
		}
	})

	t.Run("keeps hasOlder when older pages are loaded", func(t *testing.T) {
		s := NewStore(testKey, nil, nil, nil)
		s.MergeLatest([]Message{confirmed("m5", 5)}, true)
		s.PrependPage([]Message{confirmed("m1", 1)}, false)
		s.MergeLatest([]Message{confirmed("m5", 5)}, true)
		if s.HasOlderMessages() {
			t.Fatal("refreshing the latest page must not re-enable paging past the loaded end")
		}
		equalIDs(t, s.List(), "m1", "m5")
	})
}

// ============================================================================
// Persistence
// ============================================================================

func TestStorePersistRestore(t *testing.T) {
	storage := NewMemoryStorage()
	s := NewStore(testKey, storage, nil, nil)
	s.MergeLatest([]Message{confirmed("b", 2), confirmed("a", 1)}, true)
	s.ApplyReaction(Reaction{ID: "r1", MessageID: "a", UserID: "u-1", Type: "like"})
	s.ApplyReceipt(ReadReceipt{MessageID: "b", ViewerID: "v1", ReadAt: at(3)})

	restored := NewStore(testKey, storage, nil, nil)
	if !restored.Restore() {
		t.Fatal("Restore should find the snapshot")
	}
	equalIDs(t, restored.List(), "a", "b")
	if !restored.HasOlderMessages() {
		t.Fatal("hasOlder not restored")
	}
	if len(restored.Reactions("a")) != 1 {
		t.Fatal("reactions not restored")
	}
	if restored.ReadCount("b") != 1 {
		t.Fatal("receipts not restored")
	}

	t.Run("missing snapshot", func(t *testing.T) {
		other := NewStore(ConversationKey{Type: TypeClub, ID: "x"}, storage, nil, nil)
		if other.Restore() {
			t.Fatal("Restore should report no snapshot")
		}
	})

	t.Run("persist failure keeps memory state", func(t *testing.T) {
		s := NewStore(testKey, failingStorage{NewMemoryStorage()}, nil, nil)
		s.Upsert(confirmed("a", 1))
		if s.Len() != 1 {
			t.Fatal("in-memory state should not depend on storage")
		}
	})
}

// ============================================================================
// Search and change notification
// ============================================================================

func TestStoreSearch(t *testing.T) {
	s := NewStore(testKey, nil, nil, nil)
	a := confirmed("a", 1)
	a.Text = "Lunch at noon?"
	b := confirmed("b", 2)
	b.Text = "sure"
	s.Upsert(a)
	s.Upsert(b)

	got := s.Search("LUNCH")
	equalIDs(t, got, "a")
	if !strings.Contains(got[0].Text, "Lunch") {
		t.Fatalf("unexpected match %q", got[0].Text)
	}
	equalIDs(t, s.Search("  "), "a", "b")
}

func TestStoreChanges(t *testing.T) {
	s := NewStore(testKey, nil, nil, nil)
	ch, cancel := s.Changes()

	s.Upsert(confirmed("a", 1))
	s.Upsert(confirmed("b", 2))
	select {
	case <-ch:
	default:
		t.Fatal("expected a change notification")
	}
	select {
	case <-ch:
		t.Fatal("bursts should be coalesced")
	default:
	}

	s.Upsert(confirmed("a", 1))
	select {
	case <-ch:
		t.Fatal("no-op upsert should not notify")
	default:
	}

	cancel()
	cancel()
	s.Upsert(confirmed("c", 3))
	select {
	case <-ch:
		t.Fatal("cancelled watcher should not be notified")
	default:
	}
}
