package convsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const replyPreviewLen = 100

// ============================================================================
// Sender
// ============================================================================

// Sender writes outgoing messages into the Store before any network round
// trip and drives them through the delivery state machine. Confirmation is
// left to the realtime feed.
type Sender struct {
	key     ConversationKey
	userID  string
	store   *Store
	outbox  *Outbox
	api     NetworkAPI
	perms   Permissions
	signals *signalEmitter
	online  func() bool
	now     func() time.Time
	timeout time.Duration
	maxLen  int
	log     *zap.Logger
	metrics *Metrics

	// track, when set, is called as a background send starts and returns
	// the func to call when it ends.
	track func() func()
	// settle, when set, receives the server's record of a successful send.
	settle func(Message)

	inflight sync.WaitGroup
}

// EnqueueSend creates a provisional message and returns its id. Validation
// and permission failures are returned before the Store is touched. The
// network send, if any, runs in the background.
func (s *Sender) EnqueueSend(text, imageURL, replyToID string) (string, error) {
	const op = "send"
	if strings.TrimSpace(text) == "" && imageURL == "" {
		err := validationError(op, "message has no text or image")
		s.report("", err)
		return "", err
	}
	if s.maxLen > 0 && utf8.RuneCountInString(text) > s.maxLen {
		err := validationError(op, "message exceeds %d characters", s.maxLen)
		s.report("", err)
		return "", err
	}
	if err := s.checkPost(op); err != nil {
		return "", err
	}

	clientID := uuid.NewString()
	m := Message{
		ID:             "local-" + clientID,
		ClientID:       clientID,
		ConversationID: s.key.ID,
		AuthorID:       s.userID,
		Text:           text,
		ImageURL:       imageURL,
		ReplyToID:      replyToID,
		CreatedAt:      s.now(),
		State:          DeliveryProvisional,
	}
	if replyToID != "" {
		if parent, ok := s.store.Get(replyToID); ok {
			m.ReplyPreview = &ReplyPreview{AuthorID: parent.AuthorID, Text: truncate(parent.Text, replyPreviewLen)}
		}
	}
	s.store.Upsert(m)
	s.dispatch(m)
	return m.ID, nil
}

// Retry re-sends a failed message.
func (s *Sender) Retry(id string) error {
	m, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("retry %s: %w", id, ErrNotFound)
	}
	if m.State != DeliveryFailed {
		return fmt.Errorf("retry %s (%s): %w", id, m.State, ErrInvalidState)
	}
	if err := s.checkPost("retry"); err != nil {
		return err
	}
	if !s.store.SetDeliveryState(id, DeliveryProvisional) {
		return fmt.Errorf("retry %s: %w", id, ErrInvalidState)
	}
	m.State = DeliveryProvisional
	s.dispatch(m)
	return nil
}

// Cancel discards a message that never reached the server.
func (s *Sender) Cancel(id string) error {
	m, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	if m.State != DeliveryFailed && m.State != DeliveryQueuedOffline {
		return fmt.Errorf("cancel %s (%s): %w", id, m.State, ErrInvalidState)
	}
	s.outbox.Remove(m.ClientID)
	s.store.Remove(id)
	s.log.Debug("message_cancelled", zap.String("conversation", s.key.String()), zap.String("id", id))
	return nil
}

// Edit applies the new text locally, then on the server. A failed edit is
// rolled back unless a newer update has landed since.
func (s *Sender) Edit(ctx context.Context, id, text string) error {
	const op = "edit"
	if strings.TrimSpace(text) == "" {
		err := validationError(op, "edited message is empty")
		s.report(id, err)
		return err
	}
	m, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("edit %s: %w", id, ErrNotFound)
	}
	if m.State != DeliveryConfirmed {
		return fmt.Errorf("edit %s (%s): %w", id, m.State, ErrInvalidState)
	}
	if m.AuthorID != s.userID {
		err := newError(KindPermission, op, id, fmt.Errorf("only the author can edit"))
		s.report(id, err)
		return err
	}

	// UpdatedAt stays the server's: a local clock ahead of it would make
	// the server's own later update look stale
	edited := m
	edited.Text = text
	s.store.Update(edited)

	if err := s.api.EditMessage(ctx, id, text); err != nil {
		s.store.UpdateIf(m, func(cur Message) bool {
			return cur.Text == edited.Text && cur.UpdatedAt.Equal(edited.UpdatedAt)
		})
		s.log.Warn("message_edit_failed", zap.String("conversation", s.key.String()), zap.String("id", id), zap.Error(err))
		s.report(id, err)
		return err
	}
	return nil
}

// Delete removes a confirmed message on the server, then locally. Messages
// that never reached the server are cancelled instead.
func (s *Sender) Delete(ctx context.Context, id string) error {
	const op = "delete"
	m, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	if m.State != DeliveryConfirmed {
		return s.Cancel(id)
	}
	if s.perms != nil && !s.perms.CanDelete(s.userID, id) {
		err := newError(KindPermission, op, id, fmt.Errorf("user %s cannot delete", s.userID))
		s.report(id, err)
		return err
	}
	if err := s.api.DeleteMessage(ctx, id); err != nil {
		if IsConflict(err) {
			s.store.Remove(id)
		}
		s.report(id, err)
		return err
	}
	s.store.Remove(id)
	return nil
}

// ToggleReaction flips the caller's reaction locally and on the server,
// reverting the local change if the server call fails.
func (s *Sender) ToggleReaction(ctx context.Context, messageID, reactionType string) error {
	const op = "react"
	if reactionType == "" {
		err := validationError(op, "missing reaction type")
		s.report(messageID, err)
		return err
	}
	m, ok := s.store.Get(messageID)
	if !ok {
		return fmt.Errorf("react %s: %w", messageID, ErrNotFound)
	}
	if m.State != DeliveryConfirmed {
		return fmt.Errorf("react %s (%s): %w", messageID, m.State, ErrInvalidState)
	}

	r, added := s.store.ToggleReaction(messageID, s.userID, reactionType)
	if err := s.api.ToggleReaction(ctx, messageID, reactionType); err != nil {
		if added {
			s.store.RemoveReaction(r.ID)
		} else {
			s.store.ApplyReaction(r)
		}
		s.report(messageID, err)
		return err
	}
	return nil
}

// Wait blocks until background sends finish.
func (s *Sender) Wait() {
	s.inflight.Wait()
}

func (s *Sender) checkPost(op string) error {
	if s.perms == nil || s.perms.CanPost(s.userID, s.key) {
		return nil
	}
	err := newError(KindPermission, op, "", fmt.Errorf("user %s cannot post in %s", s.userID, s.key))
	s.report("", err)
	return err
}

func (s *Sender) dispatch(m Message) {
	if !s.online() {
		s.queueOffline(m)
		return
	}
	done := func() {}
	if s.track != nil {
		done = s.track()
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer done()
		s.send(m)
	}()
}

// send is not tied to the conversation lifetime: the provisional message is
// already recorded and must settle even if the view is closed.
func (s *Sender) send(m Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	confirmed, err := s.api.SendMessage(ctx, s.key, pendingFrom(m).request())
	if err == nil {
		s.metrics.send("ok")
		s.log.Debug("message_sent",
			zap.String("conversation", s.key.String()),
			zap.String("id", m.ID),
			zap.String("server_id", confirmed.ID))
		if s.settle != nil {
			if confirmed.ClientID == "" {
				confirmed.ClientID = m.ClientID
			}
			if confirmed.AuthorID == "" {
				confirmed.AuthorID = m.AuthorID
			}
			confirmed.State = DeliveryConfirmed
			s.settle(confirmed)
		}
		return
	}
	if IsNetwork(err) && !s.online() {
		s.queueOffline(m)
		return
	}
	s.fail(m, err)
}

func (s *Sender) queueOffline(m Message) {
	if err := s.outbox.Enqueue(pendingFrom(m)); err != nil {
		s.log.Warn("outbox_enqueue_failed", zap.String("conversation", s.key.String()), zap.String("id", m.ID), zap.Error(err))
		s.fail(m, newError(KindNetwork, "send", m.ID, err))
		return
	}
	s.store.SetDeliveryState(m.ID, DeliveryQueuedOffline)
	s.metrics.send("queued")
	s.signals.emit(Signal{Kind: SignalQueuedOffline, Conversation: s.key, MessageID: m.ID, Retryable: true})
}

func (s *Sender) fail(m Message, err error) {
	if !s.store.SetDeliveryState(m.ID, DeliveryFailed) {
		// already confirmed or cancelled
		return
	}
	s.metrics.send("failed")
	s.log.Warn("message_send_failed",
		zap.String("conversation", s.key.String()),
		zap.String("id", m.ID),
		zap.String("kind", KindOf(err).String()),
		zap.Error(err))
	s.report(m.ID, err)
}

func (s *Sender) report(id string, err error) {
	sig := Signal{Conversation: s.key, MessageID: id, Err: err}
	switch KindOf(err) {
	case KindPermission:
		sig.Kind = SignalPermissionDenied
	case KindValidation:
		sig.Kind = SignalValidation
	case KindConflict:
		sig.Kind = SignalUnavailable
	default:
		sig.Kind = SignalSendFailed
		sig.Retryable = true
	}
	s.signals.emit(sig)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
