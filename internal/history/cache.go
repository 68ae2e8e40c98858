// Package history keeps the most recent messages of recently active
// conversations in memory.
package history

import (
	"container/list"
	"sync"

	"github.com/pelusa-v/pelusa-relay/internal/store"
)

const (
	DefaultConversations   = 256
	DefaultPerConversation = 200
)

// Cache is an LRU of conversations, each holding at most perConversation
// messages. Re-adding a message id replaces it in place.
type Cache struct {
	mu              sync.Mutex
	maxSize         int
	perConversation int
	order           *list.List // front is most recently used
	entries         map[string]*list.Element
}

type entry struct {
	key      string
	messages []store.Message
}

// NewCache returns a cache holding up to maxConversations conversations.
func NewCache(maxConversations, perConversation int) *Cache {
	if maxConversations <= 0 {
		maxConversations = 1
	}
	if perConversation <= 0 {
		perConversation = 1
	}
	return &Cache{
		maxSize:         maxConversations,
		perConversation: perConversation,
		order:           list.New(),
		entries:         map[string]*list.Element{},
	}
}

// Append records msg under its conversation key.
func (c *Cache) Append(msg store.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[msg.ConversationKey]
	if !ok {
		el = c.order.PushFront(&entry{key: msg.ConversationKey})
		c.entries[msg.ConversationKey] = el
		c.evictLocked()
	} else {
		c.order.MoveToFront(el)
	}

	e := el.Value.(*entry)
	for i := range e.messages {
		if e.messages[i].ID == msg.ID {
			e.messages[i] = msg
			return
		}
	}
	e.messages = append(e.messages, msg)
	if len(e.messages) > c.perConversation {
		e.messages = e.messages[len(e.messages)-c.perConversation:]
	}
}

// Recent returns a copy of the cached messages of a conversation, oldest first.
func (c *Cache) Recent(conversationKey string) ([]store.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[conversationKey]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	msgs := el.Value.(*entry).messages
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out, true
}

// Remove drops the listed ids from one conversation.
func (c *Cache) Remove(conversationKey string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[conversationKey]
	if !ok {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	e := el.Value.(*entry)
	kept := e.messages[:0]
	for _, m := range e.messages {
		if _, gone := drop[m.ID]; !gone {
			kept = append(kept, m)
		}
	}
	e.messages = kept
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) evictLocked() {
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
}
