package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Scope identifies the instance a capability is being built for and carries
// its persisted session so a reconnect can skip pairing.
type Scope struct {
	InstanceID string
	Platform   string
	// Session is the opened credential blob, nil when the instance has never
	// paired or its session was cleared.
	Session []byte
	// SaveSession persists a new credential blob for the instance. May be nil.
	SaveSession func(ctx context.Context, blob []byte) error
	// Buffer is the event buffer size. Zero selects DefaultBuffer.
	Buffer int
}

// Dialer builds a Capability for a scope. Dial must not block on the network;
// connecting happens in Capability.Initialize.
type Dialer interface {
	Dial(ctx context.Context, scope Scope) (Capability, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, scope Scope) (Capability, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, scope Scope) (Capability, error) {
	return f(ctx, scope)
}

// Registry maps platform names to dialers.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]Dialer)}
}

// Register installs d for platform, replacing any previous dialer.
func (r *Registry) Register(platform string, d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[platform] = d
}

// Dial builds a capability using the dialer registered for scope.Platform.
func (r *Registry) Dial(ctx context.Context, scope Scope) (Capability, error) {
	r.mu.RLock()
	d, ok := r.dialers[scope.Platform]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, scope.Platform)
	}
	c, err := d.Dial(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("connection: dial %s for %s: %w", scope.Platform, scope.InstanceID, err)
	}
	return c, nil
}

// Platforms returns the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dialers))
	for p := range r.dialers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a dialer is registered for platform.
func (r *Registry) Has(platform string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dialers[platform]
	return ok
}
