package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MockPlatform is the platform name the mock and development dialers are
// registered under.
const MockPlatform = "mock"

// SentText is a send recorded by MockCapability.
type SentText struct {
	Recipient string
	Body      string
	ID        string
}

// MockCapability is a scriptable Capability for tests and local development.
// It records sends and lets callers inject events with Emit.
type MockCapability struct {
	Scope Scope

	// InitErr is returned from Initialize when set.
	InitErr error
	// SendErr fails every SendText when set.
	SendErr error
	// TerminateHang, when non-nil, blocks Terminate until it is closed.
	TerminateHang chan struct{}
	// OnInitialize runs after a successful Initialize.
	OnInitialize func(m *MockCapability) error

	stream         *Stream
	mu             sync.Mutex
	initCalls      int
	terminateCalls int
	sent           []SentText
	nextID         int
}

// NewMockCapability creates a MockCapability for scope.
func NewMockCapability(scope Scope) *MockCapability {
	return &MockCapability{
		Scope:  scope,
		stream: NewStream(scope.Buffer),
	}
}

// Initialize counts the call and runs OnInitialize.
func (m *MockCapability) Initialize(ctx context.Context) error {
	m.mu.Lock()
	m.initCalls++
	err := m.InitErr
	hook := m.OnInitialize
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		return hook(m)
	}
	return nil
}

// SendText records the send and returns a generated message id.
func (m *MockCapability) SendText(ctx context.Context, recipient, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", fmt.Errorf("%w: %v", ErrSendFailed, m.SendErr)
	}
	if m.stream.Closed() {
		return "", fmt.Errorf("%w: mock: terminated", ErrSendFailed)
	}
	m.nextID++
	id := fmt.Sprintf("mock-out-%d", m.nextID)
	m.sent = append(m.sent, SentText{Recipient: recipient, Body: body, ID: id})
	return id, nil
}

// Terminate closes the event stream.
func (m *MockCapability) Terminate() error {
	m.mu.Lock()
	m.terminateCalls++
	hang := m.TerminateHang
	m.mu.Unlock()
	if hang != nil {
		<-hang
	}
	m.stream.Close()
	return nil
}

// Events returns the event channel.
func (m *MockCapability) Events() <-chan Event {
	return m.stream.Events()
}

// --- Test helpers ---

// Emit injects ev as if the network produced it. Returns false once the
// capability is terminated.
func (m *MockCapability) Emit(ev Event) bool {
	return m.stream.Emit(ev)
}

// EmitInbound injects a MessageReceived from address.
func (m *MockCapability) EmitInbound(address, body, externalID string) bool {
	return m.Emit(MessageReceived{Message: InboundMessage{
		ExternalAddress:   address,
		Body:              body,
		ExternalMessageID: externalID,
		Timestamp:         time.Now(),
	}})
}

// InitCalls returns the number of Initialize calls.
func (m *MockCapability) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// TerminateCalls returns the number of Terminate calls.
func (m *MockCapability) TerminateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateCalls
}

// Terminated reports whether Terminate has completed.
func (m *MockCapability) Terminated() bool {
	return m.stream.Closed()
}

// Sent returns a copy of all recorded sends.
func (m *MockCapability) Sent() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentText, len(m.sent))
	copy(out, m.sent)
	return out
}

// MockDialer builds MockCapabilities and remembers them per instance.
type MockDialer struct {
	// Configure runs on every new capability before it is returned.
	Configure func(m *MockCapability)
	// Err fails every Dial when set.
	Err error

	mu     sync.Mutex
	count  int
	latest map[string]*MockCapability
}

// Dial creates a MockCapability for scope.
func (d *MockDialer) Dial(ctx context.Context, scope Scope) (Capability, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	m := NewMockCapability(scope)
	if d.Configure != nil {
		d.Configure(m)
	}
	if d.latest == nil {
		d.latest = make(map[string]*MockCapability)
	}
	d.count++
	d.latest[scope.InstanceID] = m
	return m, nil
}

// Last returns the most recent capability dialed for instanceID, or nil.
func (d *MockDialer) Last(instanceID string) *MockCapability {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest[instanceID]
}

// DialCount returns the total number of successful dials.
func (d *MockDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// mockSession is the blob the development dialer persists after pairing.
type mockSession struct {
	Identity string `json:"identity"`
}

// NewDevDialer returns a MockDialer that behaves like a device needing
// pairing: an instance without a session gets a pairing code and completes
// pairing after pairDelay; an instance with a session connects immediately.
func NewDevDialer(pairDelay time.Duration) *MockDialer {
	return &MockDialer{
		Configure: func(m *MockCapability) {
			m.OnInitialize = func(m *MockCapability) error {
				return devInitialize(m, pairDelay)
			}
		},
	}
}

func devInitialize(m *MockCapability, pairDelay time.Duration) error {
	var sess mockSession
	if len(m.Scope.Session) > 0 {
		if err := json.Unmarshal(m.Scope.Session, &sess); err == nil && sess.Identity != "" {
			m.Emit(Authenticated{})
			m.Emit(Ready{Identity: sess.Identity})
			return nil
		}
	}

	code := ulid.Make().String()
	m.Emit(PairingCodeIssued{Code: code[len(code)-8:]})

	go func() {
		select {
		case <-time.After(pairDelay):
		case <-m.stream.done:
			return
		}
		identity := "mock-" + m.Scope.InstanceID
		if m.Scope.SaveSession != nil {
			blob, _ := json.Marshal(mockSession{Identity: identity})
			_ = m.Scope.SaveSession(context.Background(), blob)
		}
		m.Emit(Authenticated{})
		m.Emit(Ready{Identity: identity})
	}()
	return nil
}
