// Package bridges tracks the live call bridges of a gateway process so that
// handlers can terminate individual calls and shutdown can drain all of them.
package bridges

import (
	"context"
	"sync"
)

// Tracker indexes running bridges by conversation id. A bridge registers its
// cancel func when its session is bound and unregisters when its run loop
// returns; everything in between can be cut short through Cancel or
// CancelAll.
type Tracker struct {
	mu   sync.Mutex
	live map[string]*liveBridge
	wg   sync.WaitGroup
}

type liveBridge struct {
	cancel func()
	retire sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{live: make(map[string]*liveBridge)}
}

// Register records a running bridge and returns its unregister func, which
// is safe to call more than once. A second Register under the same id
// retires the stale entry without canceling it.
func (t *Tracker) Register(conversationID string, cancel func()) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &liveBridge{cancel: cancel}

	t.mu.Lock()
	if t.live == nil {
		t.live = make(map[string]*liveBridge)
	}
	stale := t.live[conversationID]
	t.live[conversationID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if stale != nil {
		t.retire(conversationID, stale)
	}
	return func() { t.retire(conversationID, entry) }
}

func (t *Tracker) retire(conversationID string, entry *liveBridge) {
	entry.retire.Do(func() {
		t.mu.Lock()
		if t.live[conversationID] == entry {
			delete(t.live, conversationID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Cancel tears down the bridge for one conversation. It reports whether a
// live bridge was found.
func (t *Tracker) Cancel(conversationID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	entry := t.live[conversationID]
	t.mu.Unlock()

	if entry == nil {
		return false
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	return true
}

// CancelAll cuts every live bridge short, outside the lock so teardowns that
// re-enter the tracker cannot deadlock.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	pending := make([]*liveBridge, 0, len(t.live))
	for _, entry := range t.live {
		pending = append(pending, entry)
	}
	t.mu.Unlock()

	for _, entry := range pending {
		if entry.cancel == nil {
			continue
		}
		entry.cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered bridge has unregistered, or until ctx
// is done. It reports whether the tracker drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}

	drained := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(drained)
	}()

	if ctx == nil {
		<-drained
		return true
	}
	select {
	case <-drained:
		return true
	case <-ctx.Done():
		return false
	}
}
