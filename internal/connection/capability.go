// Package connection defines the per-instance link to an external messaging
// network and the events it emits.
package connection

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSendFailed is wrapped by capabilities when the network rejects a send.
	ErrSendFailed = errors.New("connection: send failed")
	// ErrUnknownPlatform is returned when no dialer is registered for a platform.
	ErrUnknownPlatform = errors.New("connection: unknown platform")
)

// Capability is the live handle to one instance's network connection.
//
// Events are delivered on a single channel in the order the network produced
// them. Terminate releases the underlying resources, closes the event
// channel, and is safe to call more than once.
type Capability interface {
	// Initialize starts connecting. It returns once the attempt is under way;
	// progress is reported through Events.
	Initialize(ctx context.Context) error

	// SendText delivers body to recipient and returns the network-assigned
	// message id. Failures wrap ErrSendFailed.
	SendText(ctx context.Context, recipient, body string) (string, error)

	// Terminate shuts the connection down.
	Terminate() error

	// Events returns the ordered event stream for this connection.
	Events() <-chan Event
}

// Event is the closed set of lifecycle and message events a capability
// emits. The concrete types are PairingCodeIssued, Authenticated, Ready,
// Disconnected, MessageReceived and AuthFailed.
type Event interface {
	isEvent()
	// Kind returns a short name for logging.
	Kind() string
}

// PairingCodeIssued carries an out-of-band pairing code for the operator.
type PairingCodeIssued struct {
	Code string
}

// Authenticated reports that credentials were accepted. The connection is
// not yet usable.
type Authenticated struct{}

// Ready reports a usable connection. Identity is the account's own address
// on the network.
type Ready struct {
	Identity string
}

// Disconnected reports that the network connection was lost.
type Disconnected struct {
	Reason string
}

// MessageReceived carries one inbound network message.
type MessageReceived struct {
	Message InboundMessage
}

// AuthFailed reports that the stored or supplied credentials were rejected.
type AuthFailed struct {
	Reason string
}

func (PairingCodeIssued) isEvent() {}
func (Authenticated) isEvent()     {}
func (Ready) isEvent()             {}
func (Disconnected) isEvent()      {}
func (MessageReceived) isEvent()   {}
func (AuthFailed) isEvent()        {}

func (PairingCodeIssued) Kind() string { return "pairing-code" }
func (Authenticated) Kind() string     { return "authenticated" }
func (Ready) Kind() string             { return "ready" }
func (Disconnected) Kind() string      { return "disconnected" }
func (MessageReceived) Kind() string   { return "message" }
func (AuthFailed) Kind() string        { return "auth-failed" }

// InboundMessage is a message as delivered by the network client.
type InboundMessage struct {
	ExternalAddress   string    // counterparty address, also the reply target
	Body              string    // message text
	DisplayNameHint   string    // sender name, may be empty
	ExternalMessageID string    // network message id, may be empty
	Timestamp         time.Time // origin timestamp
	FromSelf          bool      // sent by this instance's own account
}
