package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"slotbot/internal/clock"
	"slotbot/internal/config"
	"slotbot/internal/creds"
)

type testEnv struct {
	ctx    context.Context
	clk    *clock.FakeClock
	store  *creds.Store
	dialer *fakeDialer
	msgs   chan Message
	m      *Manager
}

func newEnv(t *testing.T, identity string) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		ctx:    ctx,
		clk:    clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		store:  creds.NewStore(t.TempDir(), nil),
		dialer: newFakeDialer(),
		msgs:   make(chan Message, 8),
	}
	env.m = NewManager(Options{
		Identity:     identity,
		Dialer:       env.dialer,
		Store:        env.store,
		Clock:        env.clk,
		ReloginDelay: 3 * time.Second,
		RetryDelay:   5 * time.Second,
		OnMessage: func(_ context.Context, msg Message) {
			env.msgs <- msg
		},
	})
	t.Cleanup(func() {
		cancel()
		env.m.Wait()
	})
	return env
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	b := creds.New().Merge(map[string][]byte{"noise": []byte("k1")}, e.clk.Now())
	if err := e.store.Save(e.m.Identity(), b); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) start(t *testing.T) *fakeConn {
	t.Helper()
	if err := e.m.Start(e.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e.dialer.next(t)
}

func (e *testEnv) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, want.String(), func() bool { return e.m.Status().State == want })
}

func (e *testEnv) open(t *testing.T, c *fakeConn) {
	t.Helper()
	c.events <- Opened{Account: "5491100000000"}
	e.waitState(t, StateConnected)
}

func TestStatusBeforeStart(t *testing.T) {
	env := newEnv(t, "fresh")
	st := env.m.Status()
	if st.State != StateInit || st.Text != textNotStarted || st.HasPairingCode() {
		t.Fatalf("status = %+v", st)
	}
	if st.Name != "fresh" {
		t.Errorf("Name = %q, want identity fallback", st.Name)
	}
}

func TestStartConcurrentCallsDialOnce(t *testing.T) {
	env := newEnv(t, "idem")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.m.Start(env.ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	env.dialer.next(t)
	env.dialer.expectNoDial(t)
	if n := env.dialer.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
	if err := env.m.Start(env.ctx); err != nil {
		t.Fatalf("repeat Start: %v", err)
	}
	env.dialer.expectNoDial(t)
}

func TestPairingFlowPersistsCredentials(t *testing.T) {
	env := newEnv(t, "pair")
	c := env.start(t)
	if !c.seen.Empty() {
		t.Fatalf("first dial saw credentials %v", c.seen.KeyNames())
	}

	c.events <- PairingChallenge{Code: "2@abc"}
	env.waitState(t, StateQRPending)
	st := env.m.Status()
	if st.PairingCode != "2@abc" || st.Text != textScanCode {
		t.Fatalf("status = %+v", st)
	}

	c.events <- CredentialsUpdated{Keys: map[string][]byte{"noise": []byte("k1"), "signed": []byte("k2")}}
	env.open(t, c)

	if env.m.Status().HasPairingCode() {
		t.Error("pairing code kept after open")
	}
	b, err := env.store.Load("pair")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := b.KeyNames(); len(got) != 2 || got[0] != "noise" || got[1] != "signed" {
		t.Fatalf("stored keys = %v", got)
	}

	c.events <- CredentialsUpdated{Keys: map[string][]byte{"signed": nil}}
	waitFor(t, "key removal saved", func() bool {
		b, err := env.store.Load("pair")
		return err == nil && len(b.Keys) == 1
	})
	if got := env.m.Credentials().KeyNames(); len(got) != 1 || got[0] != "noise" {
		t.Errorf("live keys = %v", got)
	}
}

func TestLoggedOutWipesCredentialsAndRepairs(t *testing.T) {
	env := newEnv(t, "jony")
	env.seed(t)

	c1 := env.start(t)
	if c1.seen.Empty() {
		t.Fatal("first dial did not see stored credentials")
	}
	env.open(t, c1)

	c1.events <- Closed{Code: CodeLoggedOut}
	env.waitState(t, StateLoggedOutPendingReset)
	if env.store.Exists("jony") {
		t.Fatal("credentials survived logout")
	}
	if !c1.isClosed() {
		t.Error("old connection not closed")
	}
	if st := env.m.Status(); st.Text != textLoggedOut {
		t.Errorf("status text = %q", st.Text)
	}

	env.clk.WaitForPending(1)
	env.clk.Advance(2 * time.Second)
	env.dialer.expectNoDial(t)
	env.clk.Advance(time.Second)

	c2 := env.dialer.next(t)
	if !c2.seen.Empty() {
		t.Fatalf("dial after logout saw %v", c2.seen.KeyNames())
	}
	c2.events <- PairingChallenge{Code: "2@new"}
	env.waitState(t, StateQRPending)
	if st := env.m.Status(); st.PairingCode != "2@new" || st.Reconnects != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestLoggedOutFlagIsUnrecoverable(t *testing.T) {
	env := newEnv(t, "flag")
	env.seed(t)
	c := env.start(t)
	env.open(t, c)

	c.events <- Closed{Code: CodeBadSession, LoggedOut: true}
	env.waitState(t, StateLoggedOutPendingReset)
	if env.store.Exists("flag") {
		t.Fatal("credentials survived logged-out close")
	}
}

func TestTransientCloseKeepsCredentials(t *testing.T) {
	env := newEnv(t, "flaky")
	env.seed(t)
	c1 := env.start(t)
	env.open(t, c1)

	c1.events <- Closed{Code: CodeConnectionClosed}
	env.waitState(t, StateReconnectWait)
	if !env.store.Exists("flaky") {
		t.Fatal("transient close deleted credentials")
	}
	if st := env.m.Status(); !strings.Contains(st.Text, "connection closed") {
		t.Errorf("status text = %q", st.Text)
	}

	env.clk.WaitForPending(1)
	env.clk.Advance(4 * time.Second)
	env.dialer.expectNoDial(t)
	env.clk.Advance(time.Second)

	c2 := env.dialer.next(t)
	if c2.seen.Empty() {
		t.Fatal("reconnect lost credentials")
	}
	env.open(t, c2)
}

func TestOpenWithUnsavedCredentialsRetries(t *testing.T) {
	env := newEnv(t, "savefail")
	c1 := env.start(t)

	// A non-empty directory at the bundle path makes the atomic rename fail.
	blocker := filepath.Join(env.store.Dir("savefail"), "bundle.cbor")
	if err := os.MkdirAll(filepath.Join(blocker, "busy"), 0o700); err != nil {
		t.Fatal(err)
	}

	c1.events <- PairingChallenge{Code: "2@abc"}
	env.waitState(t, StateQRPending)
	c1.events <- CredentialsUpdated{Keys: map[string][]byte{"noise": []byte("k1")}}
	c1.events <- Opened{Account: "5491100000000"}

	env.waitState(t, StateReconnectWait)
	st := env.m.Status()
	if !strings.Contains(st.Text, "credentials not persisted") {
		t.Errorf("status text = %q", st.Text)
	}
	if !strings.Contains(st.LastError, "credentials not persisted") {
		t.Errorf("last error = %q", st.LastError)
	}
	if !c1.isClosed() {
		t.Error("connection kept open with unsaved credentials")
	}
	if err := env.m.SendText(env.ctx, "123@s.whatsapp.net", "hola"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText = %v, want ErrNotConnected", err)
	}

	if err := os.RemoveAll(blocker); err != nil {
		t.Fatal(err)
	}
	env.clk.WaitForPending(1)
	env.clk.Advance(5 * time.Second)

	c2 := env.dialer.next(t)
	c2.events <- CredentialsUpdated{Keys: map[string][]byte{"noise": []byte("k2")}}
	env.open(t, c2)
	if !env.store.Exists("savefail") {
		t.Fatal("credentials not saved after recovery")
	}
}

func TestClosedStreamCountsAsTransient(t *testing.T) {
	env := newEnv(t, "eof")
	c := env.start(t)
	env.open(t, c)

	close(c.events)
	env.waitState(t, StateReconnectWait)
	env.clk.WaitForPending(1)
	env.clk.Advance(5 * time.Second)
	env.dialer.next(t)
}

func TestEventsFromOldConnectionAreIgnored(t *testing.T) {
	env := newEnv(t, "stale")
	env.seed(t)
	c1 := env.start(t)
	env.open(t, c1)

	c1.events <- Closed{Code: CodeRestartRequired}
	env.waitState(t, StateReconnectWait)
	env.clk.WaitForPending(1)
	env.clk.Advance(5 * time.Second)
	c2 := env.dialer.next(t)

	// A late logout from the first connection must not touch the second.
	env.m.inbox <- transportEvent{gen: 1, event: Closed{Code: CodeLoggedOut}}
	c2.events <- PairingChallenge{Code: "2@second"}
	env.waitState(t, StateQRPending)

	if !env.store.Exists("stale") {
		t.Fatal("stale close wiped credentials")
	}
	if n := env.clk.Pending(); n != 0 {
		t.Fatalf("stale close scheduled %d reconnects", n)
	}
}

func TestDialFailureRetries(t *testing.T) {
	env := newEnv(t, "refused")
	env.seed(t)
	env.dialer.setDialErr(errors.New("connection refused"))
	if err := env.m.Start(env.ctx); err != nil {
		t.Fatal(err)
	}
	env.waitState(t, StateReconnectWait)
	if !strings.Contains(env.m.Status().LastError, "connection refused") {
		t.Errorf("LastError = %q", env.m.Status().LastError)
	}

	env.dialer.setDialErr(nil)
	env.clk.WaitForPending(1)
	env.clk.Advance(5 * time.Second)
	c := env.dialer.next(t)
	if c.seen.Empty() {
		t.Fatal("retry lost credentials")
	}
}

func TestRejectedPairingOnDialWipes(t *testing.T) {
	env := newEnv(t, "rejected")
	env.seed(t)
	env.dialer.setDialErr(&ConnectionError{Code: CodeLoggedOut, Reason: "handshake rejected"})
	if err := env.m.Start(env.ctx); err != nil {
		t.Fatal(err)
	}
	env.waitState(t, StateLoggedOutPendingReset)
	if env.store.Exists("rejected") {
		t.Fatal("credentials survived rejected handshake")
	}
}

func TestVersionNegotiatedOncePerProcess(t *testing.T) {
	versions := &VersionCache{}
	dialer := newFakeDialer()
	clk := clock.Fake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	var managers []*Manager
	for _, id := range []string{"a", "b", "c"} {
		m := NewManager(Options{Identity: id, Dialer: dialer, Versions: versions, Store: creds.NewStore(t.TempDir(), nil), Clock: clk})
		managers = append(managers, m)
		if err := m.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() {
		cancel()
		for _, m := range managers {
			m.Wait()
		}
	})

	for range managers {
		dialer.next(t)
	}
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if dialer.versionCalls != 1 {
		t.Fatalf("version calls = %d, want 1", dialer.versionCalls)
	}
}

func TestVersionFailureIsTransient(t *testing.T) {
	env := newEnv(t, "noversion")
	env.dialer.versionErr = errors.New("upstream down")
	if err := env.m.Start(env.ctx); err != nil {
		t.Fatal(err)
	}
	env.waitState(t, StateReconnectWait)
	if env.dialer.dialCount() != 0 {
		t.Fatal("dialed without a version")
	}

	env.dialer.mu.Lock()
	env.dialer.versionErr = nil
	env.dialer.mu.Unlock()
	env.clk.WaitForPending(1)
	env.clk.Advance(5 * time.Second)
	env.dialer.next(t)
}

func TestStartFailsWhenStorageUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(Options{
		Identity: "broken",
		Dialer:   newFakeDialer(),
		Store:    creds.NewStore(blocker, nil),
		Clock:    clock.Fake(time.Now()),
	})

	err := m.Start(context.Background())
	if !config.IsConfigError(err) {
		t.Fatalf("Start error = %v, want config error", err)
	}
	if st := m.Status(); st.State != StateErrored || !strings.HasPrefix(st.Text, "error: ") {
		t.Fatalf("status = %+v", st)
	}
	m.Wait()
}

func TestSendRequiresOpenSession(t *testing.T) {
	env := newEnv(t, "sender")
	c := env.start(t)

	if err := env.m.SendText(env.ctx, "123@s.whatsapp.net", "hola"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText before open = %v", err)
	}
	env.open(t, c)

	if err := env.m.SendText(env.ctx, "123@s.whatsapp.net", "hola"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	photo := filepath.Join(t.TempDir(), "room.jpg")
	if err := os.WriteFile(photo, []byte("jpeg bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := env.m.SendMedia(env.ctx, "123@s.whatsapp.net", photo, ""); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if err := env.m.SetPresence(env.ctx, "123@s.whatsapp.net", PresenceComposing); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.texts) != 1 || c.texts[0].text != "hola" {
		t.Errorf("texts = %+v", c.texts)
	}
	if len(c.media) != 1 || c.media[0].MimeType != "image/jpeg" || c.media[0].FileName != "room.jpg" {
		t.Errorf("media = %+v", c.media)
	}
	if len(c.presences) != 1 || c.presences[0] != PresenceComposing {
		t.Errorf("presences = %v", c.presences)
	}
}

func TestInboundMessagesReachHandler(t *testing.T) {
	env := newEnv(t, "inbox")
	c := env.start(t)
	env.open(t, c)

	c.events <- MessageReceived{ID: "m1", From: "123@s.whatsapp.net", Text: "info"}
	select {
	case msg := <-env.msgs:
		if msg.Identity != "inbox" || msg.Text != "info" || msg.ID != "m1" {
			t.Fatalf("message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestConnectionErrorClassification(t *testing.T) {
	err := closeError("x", Closed{Code: CodeLoggedOut})
	if !IsAuthInvalidated(err) || err.Reason != "logged out" {
		t.Errorf("401 close = %+v", err)
	}
	if IsAuthInvalidated(closeError("x", Closed{Code: CodeForbidden})) {
		t.Error("403 treated as unrecoverable")
	}
	if IsAuthInvalidated(dialError("x", errors.New("refused"))) {
		t.Error("plain dial error treated as unrecoverable")
	}
	if ReasonText(499) != "499" || ReasonText(0) != "unknown" {
		t.Errorf("ReasonText fallbacks = %q, %q", ReasonText(499), ReasonText(0))
	}
}
