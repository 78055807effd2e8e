package daemonclient

import (
	"sync"

	"github.com/neboloop/lens/internal/protocol"
)

// completeBufferCap bounds the offline terminal-event queue.
const completeBufferCap = 64

// offlineBuffer holds events produced while the server link is down.
// Terminal events queue FIFO; status updates are most-recent-wins per
// agent. Flushing on reconnect replays completes in order; the server's
// first-terminal-event-wins rule makes the replay effectively exactly-once.
type offlineBuffer struct {
	mu        sync.Mutex
	completes []protocol.Complete
	statuses  map[string]protocol.StatusUpdate
}

func newOfflineBuffer() *offlineBuffer {
	return &offlineBuffer{statuses: make(map[string]protocol.StatusUpdate)}
}

func (b *offlineBuffer) addComplete(cp protocol.Complete) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.completes) >= completeBufferCap {
		b.completes = b.completes[1:]
	}
	b.completes = append(b.completes, cp)
	delete(b.statuses, cp.AgentID)
}

func (b *offlineBuffer) addStatus(su protocol.StatusUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[su.AgentID] = su
}

// drain returns and clears everything buffered.
func (b *offlineBuffer) drain() ([]protocol.Complete, []protocol.StatusUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	completes := b.completes
	b.completes = nil
	statuses := make([]protocol.StatusUpdate, 0, len(b.statuses))
	for _, su := range b.statuses {
		statuses = append(statuses, su)
	}
	b.statuses = make(map[string]protocol.StatusUpdate)
	return completes, statuses
}
