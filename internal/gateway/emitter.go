package gateway

import (
	"sync"

	"github.com/adred-codev/spoilerchat/internal/delayqueue"
)

// DeferredEmitter breaks the construction cycle between the delay queue
// (which needs an Emitter at New time) and the Server (which needs the
// already-constructed queue): callers build one, hand it to
// delayqueue.New, build the Server, then Bind it.
type DeferredEmitter struct {
	mu     sync.RWMutex
	target delayqueue.Emitter
}

func NewDeferredEmitter() *DeferredEmitter { return &DeferredEmitter{} }

// Bind attaches the real emitter once it exists.
func (d *DeferredEmitter) Bind(target delayqueue.Emitter) {
	d.mu.Lock()
	d.target = target
	d.mu.Unlock()
}

func (d *DeferredEmitter) EmitDelayed(socketID string, payload any) {
	d.mu.RLock()
	target := d.target
	d.mu.RUnlock()
	if target != nil {
		target.EmitDelayed(socketID, payload)
	}
}
