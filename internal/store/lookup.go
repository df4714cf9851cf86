package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sahilm/fuzzy"
)

// ErrAmbiguousChat is returned by FindChat when a query matches several
// chats equally well.
var ErrAmbiguousChat = errors.New("chat reference is ambiguous")

// chatSource implements fuzzy.Source over chat names.
type chatSource []Chat

func (c chatSource) String(i int) string { return c[i].Name }
func (c chatSource) Len() int            { return len(c) }

// FindChat resolves a user-supplied reference: a full ID, a unique ID
// prefix, an exact name (case-insensitive), then the best fuzzy name match.
func FindChat(chats []Chat, query string) (Chat, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Chat{}, ErrChatNotFound
	}

	var byPrefix []Chat
	for _, c := range chats {
		if c.ID == query {
			return c, nil
		}
		if strings.HasPrefix(c.ID, query) {
			byPrefix = append(byPrefix, c)
		}
	}
	if len(byPrefix) == 1 {
		return byPrefix[0], nil
	}
	if len(byPrefix) > 1 {
		return Chat{}, fmt.Errorf("%w: %q matches %d IDs", ErrAmbiguousChat, query, len(byPrefix))
	}

	for _, c := range chats {
		if strings.EqualFold(c.Name, query) {
			return c, nil
		}
	}

	matches := fuzzy.FindFrom(query, chatSource(chats))
	switch {
	case len(matches) == 0:
		return Chat{}, ErrChatNotFound
	case len(matches) > 1 && matches[0].Score == matches[1].Score:
		return Chat{}, fmt.Errorf("%w: %q matches %q and %q", ErrAmbiguousChat, query, chats[matches[0].Index].Name, chats[matches[1].Index].Name)
	}
	return chats[matches[0].Index], nil
}

// MatchChats keeps the chats whose name matches the glob pattern. An empty
// pattern keeps everything.
func MatchChats(chats []Chat, pattern string) ([]Chat, error) {
	if pattern == "" {
		return chats, nil
	}
	g, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid match pattern %q: %w", pattern, err)
	}
	out := make([]Chat, 0, len(chats))
	for _, c := range chats {
		if g.Match(strings.ToLower(c.Name)) {
			out = append(out, c)
		}
	}
	return out, nil
}
