// Package gateway connects sessions to the messaging network through a
// websocket gateway that speaks a small JSON frame protocol.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"slotbot/internal/config"
	appLog "slotbot/internal/log"
	"slotbot/internal/session"
)

const (
	handshakeTimeout = 15 * time.Second
	versionTimeout   = 10 * time.Second
	maxVersionBody   = 64 << 10
)

// Dialer implements session.Dialer against the gateway.
type Dialer struct {
	URL        string
	VersionURL string
	HTTPClient *http.Client
	WS         *websocket.Dialer
}

// NewDialer builds a Dialer from the gateway section of the config.
func NewDialer(cfg config.GatewayConfig) *Dialer {
	return &Dialer{
		URL:        cfg.URL,
		VersionURL: cfg.VersionURL,
		HTTPClient: &http.Client{Timeout: versionTimeout},
		WS: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

type versionResponse struct {
	Version []int `json:"version"`
}

// LatestVersion asks the gateway for the current protocol version, e.g.
// {"version":[2,3000,1015901307]} becomes "2.3000.1015901307".
func (d *Dialer) LatestVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.VersionURL, nil)
	if err != nil {
		return "", err
	}
	hc := d.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching version: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVersionBody))
	if err != nil {
		return "", err
	}
	var vr versionResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return "", fmt.Errorf("decoding version: %w", err)
	}
	if len(vr.Version) == 0 {
		return "", errors.New("decoding version: empty version")
	}

	parts := make([]string, len(vr.Version))
	for i, n := range vr.Version {
		parts[i] = strconv.Itoa(n)
	}
	version := strings.Join(parts, ".")
	appLog.Info("protocol version negotiated", "version", version)
	return version, nil
}

// Dial opens the websocket and sends the hello frame with the identity's
// current credentials. A 401 on the handshake means the gateway no longer
// accepts the stored pairing.
func (d *Dialer) Dial(ctx context.Context, opts session.DialOptions) (session.Conn, error) {
	wsDialer := d.WS
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}

	ws, resp, err := wsDialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &session.ConnectionError{
				Identity:      opts.Identity,
				Code:          session.CodeLoggedOut,
				Reason:        "gateway rejected pairing",
				Unrecoverable: true,
				Err:           err,
			}
		}
		return nil, fmt.Errorf("dialing gateway %s: %w", d.URL, err)
	}

	hello := frame{
		Type:     frameHello,
		Identity: opts.Identity,
		Version:  opts.Version,
		Browser:  opts.Browser,
	}
	if opts.Credentials != nil {
		hello.Keys = opts.Credentials.Credentials().Keys
	}

	c := newConn(ws, opts.Identity)
	if err := c.write(ctx, hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	go c.readLoop()

	appLog.Debug("gateway connected", "identity", opts.Identity, "url", d.URL, "paired", len(hello.Keys) > 0)
	return c, nil
}
