package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/connection"
	"github.com/zulandar/switchboard/internal/models"
)

// activeConnection is the in-memory record of a started instance.
type activeConnection struct {
	instanceID   string
	capability   connection.Capability
	registeredAt time.Time
	cancel       context.CancelFunc
	// done is closed when the event worker returns.
	done chan struct{}

	// status mirrors the last status persisted during this run. It is empty
	// until the first transition and only touched under the instance lock.
	status models.InstanceStatus
}

// keyLock is a refcounted mutex for one instance id.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// registry maps instance ids to live connections. Mutations for one id are
// serialized with lock(id); lookups never wait on another instance.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*activeConnection
	closed  bool

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[string]*activeConnection),
		locks:   make(map[string]*keyLock),
	}
}

// lock acquires the per-instance lock and returns its release func.
func (r *registry) lock(id string) func() {
	r.locksMu.Lock()
	kl, ok := r.locks[id]
	if !ok {
		kl = &keyLock{}
		r.locks[id] = kl
	}
	kl.refs++
	r.locksMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		r.locksMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}

func (r *registry) get(id string) *activeConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// put registers ac. It reports false once the registry has been closed.
func (r *registry) put(ac *activeConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.entries[ac.instanceID] = ac
	return true
}

// remove deletes the entry for ac.instanceID if it is still ac.
func (r *registry) remove(ac *activeConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[ac.instanceID] != ac {
		return false
	}
	delete(r.entries, ac.instanceID)
	return true
}

// ids returns a sorted snapshot of the registered instance ids.
func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// close refuses further puts and returns the ids registered at that moment.
func (r *registry) close() []string {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.ids()
}
