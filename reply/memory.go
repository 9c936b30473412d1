package reply

import (
	"context"
	"sync"
)

const defaultKeep = 50

// Memory is a Sink that keeps the latest replies of every conversation.
type Memory struct {
	mu    sync.RWMutex
	keep  int
	convs map[string][]Reply
}

// NewMemory creates a Memory sink keeping up to keep replies per
// conversation (default 50).
func NewMemory(keep int) *Memory {
	if keep <= 0 {
		keep = defaultKeep
	}
	return &Memory{keep: keep, convs: make(map[string][]Reply)}
}

func memoryKey(tenantID, conversationID string) string {
	return tenantID + "\x00" + conversationID
}

// Send stores r.
func (m *Memory) Send(_ context.Context, r Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey(r.TenantID, r.ConversationID)
	list := append(m.convs[key], r)
	if len(list) > m.keep {
		list = append([]Reply(nil), list[len(list)-m.keep:]...)
	}
	m.convs[key] = list
	return nil
}

// Replies returns the stored replies of a conversation, oldest first.
func (m *Memory) Replies(tenantID, conversationID string) []Reply {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.convs[memoryKey(tenantID, conversationID)]
	out := make([]Reply, len(list))
	copy(out, list)
	return out
}

// Multi fans a reply out to several sinks and returns the first error.
type Multi []Sink

func (ms Multi) Send(ctx context.Context, r Reply) error {
	var first error
	for _, s := range ms {
		if err := s.Send(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
