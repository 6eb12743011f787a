package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"slotbot/internal/creds"
)

type sentText struct {
	to, text string
}

type fakeConn struct {
	events chan Event
	seen   *creds.Bundle

	mu        sync.Mutex
	texts     []sentText
	media     []Media
	presences []Presence
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16)}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) SendText(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, sentText{to, text})
	return nil
}

func (c *fakeConn) SendMedia(_ context.Context, _ string, media Media) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = append(c.media, media)
	return nil
}

func (c *fakeConn) SendPresence(_ context.Context, _ string, p Presence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presences = append(c.presences, p)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	conns chan *fakeConn

	mu           sync.Mutex
	dials        int
	versionCalls int
	dialErr      error
	versionErr   error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) LatestVersion(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.versionCalls++
	if d.versionErr != nil {
		return "", d.versionErr
	}
	return "2.3000.1", nil
}

func (d *fakeDialer) Dial(_ context.Context, opts DialOptions) (Conn, error) {
	d.mu.Lock()
	d.dials++
	err := d.dialErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	c.seen = opts.Credentials.Credentials()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func (d *fakeDialer) expectNoDial(t *testing.T) {
	t.Helper()
	select {
	case <-d.conns:
		t.Fatal("unexpected dial")
	case <-time.After(30 * time.Millisecond):
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
