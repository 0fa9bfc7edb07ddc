package catalog

import (
	"context"
	"sync"

	"barcatalog/internal/models"
)

// keyLocks serializes fetch-and-persist work per series key. Acquisition
// is context-aware so a canceled caller stops waiting instead of queuing
// behind a slow fetch. Locks for distinct keys never contend.
type keyLocks struct {
	mu    sync.Mutex
	slots map[models.SeriesKey]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{slots: make(map[models.SeriesKey]chan struct{})}
}

func (kl *keyLocks) slot(key models.SeriesKey) chan struct{} {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	ch, ok := kl.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		kl.slots[key] = ch
	}
	return ch
}

// acquire blocks until the key's slot is free or the context is done.
func (kl *keyLocks) acquire(ctx context.Context, key models.SeriesKey) error {
	select {
	case kl.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees the key's slot. Must only be called after a successful
// acquire.
func (kl *keyLocks) release(key models.SeriesKey) {
	<-kl.slot(key)
}
