package iothub

import (
	"sync"
	"time"
)

// Pending async records older than this are dropped on the next sweep.
const defaultAsyncTTL = 2 * time.Hour

// asyncRecord remembers where a deferred CoAP response must be delivered
// once the source cloud posts it.
type asyncRecord struct {
	DeviceID   string
	URI        string
	Verb       string
	ReplyTopic string
	created    time.Time
}

// AsyncManager correlates async-response ids with their pending records.
type AsyncManager struct {
	ttl time.Duration

	mu      sync.Mutex
	pending map[string]asyncRecord
}

// NewAsyncManager builds an empty correlation table.
func NewAsyncManager(ttl time.Duration) *AsyncManager {
	if ttl <= 0 {
		ttl = defaultAsyncTTL
	}
	return &AsyncManager{
		ttl:     ttl,
		pending: map[string]asyncRecord{},
	}
}

// Record registers a pending response. Expired leftovers are swept lazily.
func (a *AsyncManager) Record(id string, rec asyncRecord) {
	rec.created = time.Now()
	a.mu.Lock()
	a.sweepLocked()
	a.pending[id] = rec
	a.mu.Unlock()
}

// Take removes and returns the record for an async-response id.
func (a *AsyncManager) Take(id string) (asyncRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	return rec, ok
}

// Count reports the number of pending records.
func (a *AsyncManager) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *AsyncManager) sweepLocked() {
	cutoff := time.Now().Add(-a.ttl)
	for id, rec := range a.pending {
		if rec.created.Before(cutoff) {
			delete(a.pending, id)
		}
	}
}
