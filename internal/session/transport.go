package session

import (
	"context"

	"slotbot/internal/creds"
)

// Event is something the transport reports about a connection. Events of
// one connection are delivered in order on Conn.Events.
type Event interface {
	isEvent()
}

// PairingChallenge carries a pairing code the user must scan.
type PairingChallenge struct {
	Code string
}

// Opened reports that the session is authenticated and usable.
type Opened struct {
	// Account is the network's name for the paired account, if known.
	Account string
}

// Closed reports the end of a connection.
type Closed struct {
	Code      int
	Reason    string
	LoggedOut bool
	Err       error
}

// CredentialsUpdated carries changed credential keys. A nil value removes
// the key. The update must be persisted before the session is used.
type CredentialsUpdated struct {
	Keys map[string][]byte
}

// MessageReceived is an inbound chat message.
type MessageReceived struct {
	ID     string
	From   string
	Text   string
	FromMe bool
}

func (PairingChallenge) isEvent()   {}
func (Opened) isEvent()             {}
func (Closed) isEvent()             {}
func (CredentialsUpdated) isEvent() {}
func (MessageReceived) isEvent()    {}

// Presence is the chat-state indicator shown to a recipient.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Media is an outbound attachment.
type Media struct {
	FileName string
	MimeType string
	Caption  string
	Data     []byte
}

// CredentialSource is read by the transport whenever it needs the current
// credentials. The manager swaps the underlying bundle on pairing and
// logout, so implementations must not cache the result.
type CredentialSource interface {
	Credentials() *creds.Bundle
}

// DialOptions are passed to Dialer.Dial for every connection attempt.
type DialOptions struct {
	Identity    string
	Version     string
	Browser     string
	Credentials CredentialSource
}

// Conn is one live transport handle.
type Conn interface {
	// Events delivers connection events. It is closed when the connection
	// is finished.
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, to string, media Media) error
	SendPresence(ctx context.Context, to string, presence Presence) error
	// Close ends the connection and stops event delivery. Idempotent.
	Close() error
}

// Dialer opens connections to the messaging network.
type Dialer interface {
	// LatestVersion returns the protocol version to present on connect.
	LatestVersion(ctx context.Context) (string, error)
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}
