package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"slotbot/internal/config"
	"slotbot/internal/session"
)

type fakeStatuses []session.Status

func (f fakeStatuses) Statuses() []session.Status { return f }

func (f fakeStatuses) Status(id string) (session.Status, error) {
	for _, st := range f {
		if st.Identity == id {
			return st, nil
		}
	}
	return session.Status{}, fmt.Errorf("%w: %q", session.ErrUnknownIdentity, id)
}

var since = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testServer(t *testing.T, auth *config.BasicAuthConfig) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BasicAuth = auth
	statuses := fakeStatuses{
		{Identity: "jony", Name: "Dr. Jony", State: session.StateConnected, Text: "connected, ready to work", Since: since},
		{Identity: "ana", Name: "Ana", State: session.StateQRPending, Text: "scan the pairing code", PairingCode: "2@abc<def>", Since: since},
	}
	srv := httptest.NewServer(NewServer(cfg, statuses).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, auth ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func TestHealth(t *testing.T) {
	srv := testServer(t, nil)
	resp, body := get(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("health = %d %q", resp.StatusCode, body)
	}
}

func TestSessionsJSON(t *testing.T) {
	srv := testServer(t, nil)
	resp, body := get(t, srv.URL+"/api/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got []map[string]any
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, body)
	}
	if len(got) != 2 {
		t.Fatalf("sessions = %d", len(got))
	}
	if got[0]["state"] != "CONNECTED" || got[0]["pairing_code"] != nil {
		t.Errorf("jony = %v", got[0])
	}
	if _, present := got[0]["pairing_code"]; !present {
		t.Error("pairing_code missing instead of null")
	}
	if got[1]["pairing_code"] != "2@abc<def>" || got[1]["status"] != "scan the pairing code" {
		t.Errorf("ana = %v", got[1])
	}
}

func TestSessionByID(t *testing.T) {
	srv := testServer(t, nil)
	resp, body := get(t, srv.URL+"/api/sessions/ana")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"identity":"ana"`) {
		t.Fatalf("ana = %d %s", resp.StatusCode, body)
	}
	resp, _ = get(t, srv.URL+"/api/sessions/nobody")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown = %d", resp.StatusCode)
	}
}

func TestIndexListsSessions(t *testing.T) {
	srv := testServer(t, nil)
	resp, body := get(t, srv.URL+"/")
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
	for _, want := range []string{"Dr. Jony", "status-ok", "status-qr", "2@abc&lt;def&gt;", `content="25"`} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}
}

func TestBasicAuthSparesHealth(t *testing.T) {
	srv := testServer(t, &config.BasicAuthConfig{Username: "admin", Password: "s3cret"})

	if resp, _ := get(t, srv.URL+"/health"); resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
	resp, _ := get(t, srv.URL+"/api/sessions")
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("WWW-Authenticate") == "" {
		t.Errorf("no auth = %d", resp.StatusCode)
	}
	if resp, _ := get(t, srv.URL+"/api/sessions", "admin", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password = %d", resp.StatusCode)
	}
	if resp, _ := get(t, srv.URL+"/api/sessions", "admin", "s3cret"); resp.StatusCode != http.StatusOK {
		t.Errorf("good password = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t, nil)
	resp, body := get(t, srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "go_goroutines") {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}
