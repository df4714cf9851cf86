package store

import "sync"

// ChangeKind identifies what a Change describes.
type ChangeKind string

const (
	ChangeChatCreated     ChangeKind = "chat_created"
	ChangeChatUpdated     ChangeKind = "chat_updated"
	ChangeChatDeleted     ChangeKind = "chat_deleted"
	ChangeMessageCreated  ChangeKind = "message_created"
	ChangeMessageUpdated  ChangeKind = "message_updated"
	ChangeMessagesDeleted ChangeKind = "messages_deleted"
	// ChangeResync tells a subscriber it missed changes and should re-read
	// the current snapshot.
	ChangeResync ChangeKind = "resync"
)

// Change is one store mutation pushed to subscribers. Chat and Message are
// copies taken at publish time.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	ChatID     string     `json:"chat_id"`
	Chat       *Chat      `json:"chat,omitempty"`
	Message    *Message   `json:"message,omitempty"`
	MessageIDs []string   `json:"message_ids,omitempty"`
}

const subscriptionBuffer = 256

// Subscription delivers changes for one chat, or for all chats when created
// with an empty chat ID. Publishing never blocks: a subscriber that falls
// behind loses changes and then receives a ChangeResync.
type Subscription struct {
	C <-chan Change

	ch      chan Change
	chatID  string
	hub     *hub
	lagging bool
	once    sync.Once
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

type hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) add(chatID string) *Subscription {
	ch := make(chan Change, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, chatID: chatID, hub: h}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

func (h *hub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.chatID != "" && sub.chatID != c.ChatID {
			continue
		}
		if sub.lagging {
			select {
			case sub.ch <- Change{Kind: ChangeResync, ChatID: sub.chatID}:
				sub.lagging = false
			default:
				continue
			}
		}
		select {
		case sub.ch <- c:
		default:
			sub.lagging = true
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
