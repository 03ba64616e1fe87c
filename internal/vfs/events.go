package vfs

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
)

// SubscribeEvents registers a sink for change notifications. Sinks run
// synchronously on the mutating goroutine and must not call back into
// the core.
func (fs *FsCore) SubscribeEvents(sink EventSink) SubscriptionID {
	fs.subsMu.Lock()
	defer fs.subsMu.Unlock()

	fs.nextSub++
	id := fs.nextSub
	fs.subs[id] = sink
	log.Debugf("[VFS] SubscribeEvents: id=%d", id)
	return id
}

// UnsubscribeEvents removes a subscription.
func (fs *FsCore) UnsubscribeEvents(id SubscriptionID) error {
	fs.subsMu.Lock()
	defer fs.subsMu.Unlock()

	if _, ok := fs.subs[id]; !ok {
		return fmt.Errorf("subscription %d: %w", id, common.ErrNotFound)
	}
	delete(fs.subs, id)
	return nil
}

// emit fans an event out to all sinks. Events are dropped entirely when
// tracking is disabled.
func (fs *FsCore) emit(ev Event) {
	if !fs.cfg.TrackEvents {
		return
	}
	fs.subsMu.RLock()
	defer fs.subsMu.RUnlock()

	for _, sink := range fs.subs {
		sink(ev)
	}
}
