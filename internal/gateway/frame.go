package gateway

import (
	"slotbot/internal/session"
)

// Frame types exchanged with the gateway. Every websocket message carries
// exactly one JSON frame.
const (
	// gateway -> client
	frameQR      = "qr"
	frameOpen    = "open"
	frameClose   = "close"
	frameCreds   = "creds"
	frameMessage = "message"

	// client -> gateway
	frameHello    = "hello"
	frameText     = "text"
	frameMedia    = "media"
	framePresence = "presence"
)

// appCloseBase offsets network close codes carried in websocket close
// frames: 4401 is close code 401.
const appCloseBase = 4000

type frame struct {
	Type string `json:"type"`

	// hello, creds. A null key value removes the key.
	Identity string            `json:"identity,omitempty"`
	Version  string            `json:"version,omitempty"`
	Browser  string            `json:"browser,omitempty"`
	Keys     map[string][]byte `json:"keys,omitempty"`

	// qr
	QR string `json:"qr,omitempty"`

	// open
	Account string `json:"account,omitempty"`

	// close
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	LoggedOut bool   `json:"logged_out,omitempty"`

	// message, text, media, presence
	ID       string `json:"id,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Text     string `json:"text,omitempty"`
	FromMe   bool   `json:"from_me,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Presence string `json:"presence,omitempty"`
}

// event converts an inbound frame. ok is false for frame types the
// client does not handle.
func (f frame) event() (ev session.Event, ok bool) {
	switch f.Type {
	case frameQR:
		return session.PairingChallenge{Code: f.QR}, true
	case frameOpen:
		return session.Opened{Account: f.Account}, true
	case frameClose:
		return session.Closed{Code: f.Code, Reason: f.Reason, LoggedOut: f.LoggedOut}, true
	case frameCreds:
		return session.CredentialsUpdated{Keys: f.Keys}, true
	case frameMessage:
		return session.MessageReceived{ID: f.ID, From: f.From, Text: f.Text, FromMe: f.FromMe}, true
	default:
		return nil, false
	}
}
