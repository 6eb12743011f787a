// Package session keeps one messaging session per configured identity
// alive: it pairs, persists credentials, reconnects after transient
// failures and wipes credentials when the pairing is revoked.
package session

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"slotbot/internal/clock"
	"slotbot/internal/config"
	"slotbot/internal/creds"
	appLog "slotbot/internal/log"
	"slotbot/internal/metrics"
)

const (
	inboxSize        = 64
	defaultQueueSize = 32
)

// Message is an inbound chat message handed to the message handler.
type Message struct {
	Identity string
	ID       string
	From     string
	Text     string
	FromMe   bool
	Received time.Time
}

// Options configure one Manager.
type Options struct {
	Identity string
	Name     string
	Browser  string

	Dialer   Dialer
	Versions *VersionCache
	Store    *creds.Store
	Clock    clock.Clock

	ReloginDelay time.Duration
	RetryDelay   time.Duration

	// OnMessage runs on the session's worker goroutine, one message at a
	// time, so a slow reply never blocks connection events.
	OnMessage func(ctx context.Context, msg Message)
	// QueueSize bounds pending inbound messages. Overflow is dropped.
	QueueSize int
}

// Status is a snapshot of one session for the status surface.
type Status struct {
	Identity    string    `json:"identity"`
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Text        string    `json:"status"`
	PairingCode string    `json:"pairing_code,omitempty"`
	Since       time.Time `json:"since"`
	Reconnects  int       `json:"reconnects"`
	LastError   string    `json:"last_error,omitempty"`
}

// HasPairingCode reports whether a pairing challenge is waiting.
func (s Status) HasPairingCode() bool { return s.PairingCode != "" }

// Manager owns the connection lifecycle of a single identity. All
// lifecycle transitions happen on one goroutine, so at most one transport
// handle is live per identity.
type Manager struct {
	identity     string
	name         string
	browser      string
	dialer       Dialer
	versions     *VersionCache
	store        *creds.Store
	clock        clock.Clock
	reloginDelay time.Duration
	retryDelay   time.Duration
	onMessage    func(ctx context.Context, msg Message)

	startMu sync.Mutex
	started bool
	done    chan struct{}

	mu          sync.RWMutex
	state       State
	text        string
	pairingCode string
	since       time.Time
	reconnects  int
	lastErr     string
	bundle      *creds.Bundle
	current     *handle

	inbox    chan any
	messages chan Message

	// Owned by the run goroutine.
	generation uint64
	token      uint64
	timer      *clock.Timer
	unsaved    bool
}

// handle is one dialed connection plus the goroutine pumping its events.
type handle struct {
	gen    uint64
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
}

type connectRequest struct {
	token uint64
}

type transportEvent struct {
	gen   uint64
	event Event
}

// NewManager builds a Manager in the INIT state. Nothing is dialed until
// Start.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Versions == nil {
		opts.Versions = &VersionCache{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Name == "" {
		opts.Name = opts.Identity
	}

	m := &Manager{
		identity:     opts.Identity,
		name:         opts.Name,
		browser:      opts.Browser,
		dialer:       opts.Dialer,
		versions:     opts.Versions,
		store:        opts.Store,
		clock:        opts.Clock,
		reloginDelay: opts.ReloginDelay,
		retryDelay:   opts.RetryDelay,
		onMessage:    opts.OnMessage,
		done:         make(chan struct{}),
		bundle:       creds.New(),
		inbox:        make(chan any, inboxSize),
		messages:     make(chan Message, opts.QueueSize),
	}
	m.setState(StateInit, textNotStarted)
	return m
}

func (m *Manager) Identity() string { return m.identity }

// Start begins the connect loop in the background and returns. Calling it
// again while the loop runs is a no-op. It only fails when the
// credential directory cannot be created; the session is then ERRORED and
// Start may be retried.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.started {
		appLog.Debug("session already started", "identity", m.identity)
		return nil
	}
	if err := m.store.Ensure(m.identity); err != nil {
		m.fail("credential storage unavailable", err)
		return &config.Error{Identity: m.identity, Field: "state_dir", Err: err}
	}

	m.started = true
	appLog.Info("session starting", "identity", m.identity, "name", m.name)
	m.inbox <- connectRequest{token: m.token}
	go m.run(ctx)
	go m.work(ctx)
	return nil
}

// Wait blocks until the connect loop has stopped. It returns at once if
// Start never succeeded.
func (m *Manager) Wait() {
	m.startMu.Lock()
	started := m.started
	m.startMu.Unlock()
	if started {
		<-m.done
	}
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Identity:    m.identity,
		Name:        m.name,
		State:       m.state,
		Text:        m.text,
		PairingCode: m.pairingCode,
		Since:       m.since,
		Reconnects:  m.reconnects,
		LastError:   m.lastErr,
	}
}

// Credentials returns a copy of the live credential bundle. It implements
// CredentialSource for the transport.
func (m *Manager) Credentials() *creds.Bundle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bundle.Clone()
}

// SendText sends a text message through the open session.
func (m *Manager) SendText(ctx context.Context, to, text string) error {
	conn, err := m.conn()
	if err != nil {
		return err
	}
	return conn.SendText(ctx, to, text)
}

// SendMedia reads the file at path and sends it as an attachment.
func (m *Manager) SendMedia(ctx context.Context, to, path, caption string) error {
	conn, err := m.conn()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read media %s: %w", path, err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return conn.SendMedia(ctx, to, Media{
		FileName: filepath.Base(path),
		MimeType: mimeType,
		Caption:  caption,
		Data:     data,
	})
}

// SetPresence shows a chat-state indicator to a recipient.
func (m *Manager) SetPresence(ctx context.Context, to string, presence Presence) error {
	conn, err := m.conn()
	if err != nil {
		return err
	}
	return conn.SendPresence(ctx, to, presence)
}

func (m *Manager) conn() (Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.state != StateConnected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, m.identity)
	}
	return m.current.conn, nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer func() {
		if m.timer != nil {
			m.timer.Stop()
		}
		m.detach()
		appLog.Info("session stopped", "identity", m.identity)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-m.inbox:
			switch it := item.(type) {
			case connectRequest:
				if it.token != m.token {
					continue
				}
				m.connect(ctx)
			case transportEvent:
				m.handleEvent(ctx, it)
			}
		}
	}
}

// post queues an item for the run goroutine unless ctx ends first.
func (m *Manager) post(ctx context.Context, item any) bool {
	select {
	case m.inbox <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) connect(ctx context.Context) {
	m.detach()
	m.setState(StateConnecting, textStarting)

	if err := m.store.Ensure(m.identity); err != nil {
		m.fail("credential storage unavailable", err)
		m.scheduleReconnect(ctx, m.retryDelay, "transient")
		return
	}

	bundle, err := m.store.Load(m.identity)
	switch {
	case errors.Is(err, creds.ErrNotFound):
		appLog.Info("no stored credentials, pairing required", "identity", m.identity)
		bundle = creds.New()
	case err != nil:
		m.fail("credentials unreadable", err)
		m.scheduleReconnect(ctx, m.retryDelay, "transient")
		return
	}
	m.setBundle(bundle)
	m.unsaved = false

	version, err := m.versions.Get(ctx, m.dialer)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.closed(ctx, &ConnectionError{Identity: m.identity, Reason: "version negotiation failed", Err: err})
		return
	}

	conn, err := m.dialer.Dial(ctx, DialOptions{
		Identity:    m.identity,
		Version:     version,
		Browser:     m.browser,
		Credentials: m,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.closed(ctx, dialError(m.identity, err))
		return
	}

	m.generation++
	pumpCtx, cancel := context.WithCancel(ctx)
	h := &handle{gen: m.generation, conn: conn, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.current = h
	m.mu.Unlock()
	go m.pump(pumpCtx, h)

	appLog.Info("session dialed", "identity", m.identity, "version", version, "generation", h.gen, "paired", !bundle.Empty())
}

// pump forwards one connection's events to the run goroutine. It stops at
// the first Closed event, or when the handle is detached.
func (m *Manager) pump(ctx context.Context, h *handle) {
	defer close(h.done)
	events := h.conn.Events()
	for {
		var ev Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				e = Closed{Code: CodeConnectionClosed, Reason: "stream ended"}
			}
			ev = e
		}
		if !m.post(ctx, transportEvent{gen: h.gen, event: ev}) {
			return
		}
		if _, isClose := ev.(Closed); isClose {
			return
		}
	}
}

// detach stops the current handle's pump and closes its connection. It
// waits for the pump so no event of the old handle is queued afterwards.
func (m *Manager) detach() {
	m.mu.Lock()
	h := m.current
	m.current = nil
	m.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
	if err := h.conn.Close(); err != nil {
		appLog.Debug("closing connection", "identity", m.identity, "generation", h.gen, "err", err)
	}
}

func (m *Manager) handleEvent(ctx context.Context, te transportEvent) {
	m.mu.RLock()
	live := m.current != nil && m.current.gen == te.gen
	m.mu.RUnlock()
	if !live {
		appLog.Debug("dropping event from old connection", "identity", m.identity, "generation", te.gen, "event", fmt.Sprintf("%T", te.event))
		return
	}

	switch ev := te.event.(type) {
	case PairingChallenge:
		m.setPairing(ev.Code)
	case CredentialsUpdated:
		m.mu.Lock()
		m.bundle = m.bundle.Merge(ev.Keys, m.clock.Now())
		m.mu.Unlock()
		m.unsaved = true
		m.persist()
	case Opened:
		if m.unsaved {
			m.persist()
		}
		if m.unsaved {
			// The stored bundle is older than what the server just accepted;
			// drop the link and retry rather than run on unsaved keys.
			m.closed(ctx, &ConnectionError{
				Identity: m.identity,
				Code:     CodeConnectionClosed,
				Reason:   "credentials not persisted",
			})
			return
		}
		m.setState(StateConnected, textConnected)
		appLog.Info("session open", "identity", m.identity, "account", ev.Account)
	case MessageReceived:
		m.enqueue(Message{
			Identity: m.identity,
			ID:       ev.ID,
			From:     ev.From,
			Text:     ev.Text,
			FromMe:   ev.FromMe,
			Received: m.clock.Now(),
		})
	case Closed:
		m.closed(ctx, closeError(m.identity, ev))
	}
}

func (m *Manager) persist() {
	m.mu.RLock()
	b := m.bundle
	m.mu.RUnlock()

	if err := m.store.Save(m.identity, b); err != nil {
		metrics.CredentialSaves.WithLabelValues(m.identity, "error").Inc()
		appLog.Error("saving credentials failed", err, "identity", m.identity)
		return
	}
	m.unsaved = false
	metrics.CredentialSaves.WithLabelValues(m.identity, "ok").Inc()
	appLog.Debug("credentials saved", "identity", m.identity, "keys", len(b.Keys))
}

// closed tears down the handle and schedules the next attempt. A revoked
// pairing wipes the stored bundle first so the next attempt starts a new
// pairing.
func (m *Manager) closed(ctx context.Context, cerr *ConnectionError) {
	m.detach()
	m.mu.Lock()
	m.lastErr = cerr.Error()
	m.mu.Unlock()

	if cerr.Unrecoverable {
		appLog.Warn("session logged out, wiping credentials", "identity", m.identity, "code", cerr.Code, "reason", cerr.Reason)
		if err := m.store.Delete(m.identity); err != nil {
			appLog.Error("deleting credentials failed", err, "identity", m.identity)
		}
		m.setBundle(creds.New())
		m.unsaved = false
		m.setState(StateLoggedOutPendingReset, textLoggedOut)
		m.scheduleReconnect(ctx, m.reloginDelay, "relogin")
		return
	}

	appLog.Warn("session disconnected", "identity", m.identity, "code", cerr.Code, "reason", cerr.Reason, "err", cerr.Err)
	m.setState(StateReconnectWait, fmt.Sprintf("disconnected (%s), retrying", cerr.Reason))
	m.scheduleReconnect(ctx, m.retryDelay, "transient")
}

// scheduleReconnect replaces any pending reconnect with one after delay.
func (m *Manager) scheduleReconnect(ctx context.Context, delay time.Duration, kind string) {
	delay = max(delay, config.MinReconnectDelay)
	if m.timer != nil {
		m.timer.Stop()
	}
	m.token++
	token := m.token

	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()
	metrics.SessionReconnects.WithLabelValues(m.identity, kind).Inc()
	appLog.Info("reconnect scheduled", "identity", m.identity, "kind", kind, "delay", delay)

	m.timer = m.clock.AfterFunc(delay, func() {
		m.post(ctx, connectRequest{token: token})
	})
}

func (m *Manager) enqueue(msg Message) {
	if m.onMessage == nil {
		return
	}
	select {
	case m.messages <- msg:
	default:
		appLog.Warn("inbound queue full, dropping message", "identity", m.identity, "from", msg.From, "id", msg.ID)
	}
}

func (m *Manager) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.messages:
			m.handleMessage(ctx, msg)
		}
	}
}

func (m *Manager) handleMessage(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("message handler panicked", fmt.Errorf("%v", r), "identity", m.identity, "id", msg.ID)
		}
	}()
	m.onMessage(ctx, msg)
}

func (m *Manager) setBundle(b *creds.Bundle) {
	m.mu.Lock()
	m.bundle = b
	m.mu.Unlock()
}

func (m *Manager) fail(what string, err error) {
	appLog.Error(what, err, "identity", m.identity)
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
	m.setState(StateErrored, "error: "+what)
}

// setState records a transition. Leaving QR_PENDING drops the pairing code.
func (m *Manager) setState(state State, text string) {
	m.mu.Lock()
	prev := m.state
	m.state = state
	m.text = text
	m.since = m.clock.Now()
	if state != StateQRPending {
		m.pairingCode = ""
	}
	m.mu.Unlock()

	metrics.SetSessionState(m.identity, state.String(), StateNames())
	if prev != state {
		appLog.Info("session state", "identity", m.identity, "from", prev, "to", state, "status", text)
	}
}

func (m *Manager) setPairing(code string) {
	m.setState(StateQRPending, textScanCode)
	m.mu.Lock()
	m.pairingCode = code
	m.mu.Unlock()
	appLog.Info("pairing code issued", "identity", m.identity)
}
