package convsync

import "sync"

// SignalKind names a user-facing event emitted by the sync core.
type SignalKind string

const (
	SignalSendFailed       SignalKind = "send.failed"
	SignalQueuedOffline    SignalKind = "send.queued_offline"
	SignalPermissionDenied SignalKind = "permission.denied"
	SignalValidation       SignalKind = "validation.failed"
	SignalUnavailable      SignalKind = "message.unavailable"
	SignalHistoryFailed    SignalKind = "history.failed"
	SignalFlushStopped     SignalKind = "outbox.flush_stopped"
	SignalRefetched        SignalKind = "sync.refetched"
)

// Signal is what the UI renders for a failure or notable sync event.
type Signal struct {
	Kind         SignalKind
	Conversation ConversationKey
	MessageID    string
	Err          error
	Retryable    bool
}

// SignalHandler receives signals. It must not block.
type SignalHandler func(Signal)

type signalEmitter struct {
	mu       sync.RWMutex
	handlers []SignalHandler
}

func (e *signalEmitter) OnSignal(h SignalHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *signalEmitter) emit(s Signal) {
	e.mu.RLock()
	handlers := append([]SignalHandler(nil), e.handlers...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(s)
		}()
	}
}

func (e *signalEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}
