package router

import "sync"

// DefaultSeenWindow is the number of recent message IDs retained per
// conversation for duplicate suppression.
const DefaultSeenWindow = 64

// SeenBuffer remembers the last N message IDs per conversation. It is
// goroutine-safe and uses a ring buffer internally.
type SeenBuffer struct {
	mu      sync.Mutex
	size    int
	buffers map[string]*ringBuffer // conversationID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of message IDs with an index
// for O(1) membership checks.
type ringBuffer struct {
	items []string
	index map[string]struct{}
	pos   int
	count int
}

// NewSeenBuffer creates an empty SeenBuffer holding size IDs per
// conversation. A non-positive size uses DefaultSeenWindow.
func NewSeenBuffer(size int) *SeenBuffer {
	if size <= 0 {
		size = DefaultSeenWindow
	}
	return &SeenBuffer{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Observe records id for the conversation and reports whether it had already
// been recorded. Empty IDs are never considered duplicates.
func (sb *SeenBuffer) Observe(conversationID, id string) bool {
	if id == "" {
		return false
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()

	rb, ok := sb.buffers[conversationID]
	if !ok {
		rb = &ringBuffer{
			items: make([]string, sb.size),
			index: make(map[string]struct{}, sb.size),
		}
		sb.buffers[conversationID] = rb
	}
	if _, dup := rb.index[id]; dup {
		return true
	}

	// Evict the oldest ID when the buffer is full.
	if rb.count == sb.size {
		delete(rb.index, rb.items[rb.pos])
	} else {
		rb.count++
	}
	rb.items[rb.pos] = id
	rb.index[id] = struct{}{}
	rb.pos = (rb.pos + 1) % sb.size
	return false
}

// Remove forgets a conversation.
func (sb *SeenBuffer) Remove(conversationID string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	delete(sb.buffers, conversationID)
}
