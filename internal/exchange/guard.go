package exchange

import "sync"

// Guard admits at most one exchange per chat. Gates for different chats are
// independent; the mutex only protects the map and is never held across I/O.
type Guard struct {
	mu       sync.Mutex
	held     map[string]struct{}
	onChange func(chatID string, held bool)
}

// NewGuard returns a Guard. onChange, when non-nil, is called with the new
// ownership state while the gate transition is still exclusive, so observers
// see transitions in order.
func NewGuard(onChange func(chatID string, held bool)) *Guard {
	return &Guard{
		held:     make(map[string]struct{}),
		onChange: onChange,
	}
}

// TryAdmit takes the chat's gate. It returns false immediately when another
// exchange already holds it.
func (g *Guard) TryAdmit(chatID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[chatID]; busy {
		return false
	}
	g.held[chatID] = struct{}{}
	if g.onChange != nil {
		g.onChange(chatID, true)
	}
	return true
}

// Release frees the chat's gate. Releasing a gate that is not held is a no-op.
func (g *Guard) Release(chatID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[chatID]; !ok {
		return
	}
	delete(g.held, chatID)
	if g.onChange != nil {
		g.onChange(chatID, false)
	}
}

// Held reports whether chatID currently has an admitted exchange.
func (g *Guard) Held(chatID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[chatID]
	return ok
}
