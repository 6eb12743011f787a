package session

// State is the lifecycle state of one identity's session.
type State int

const (
	// StateInit: configured, never started.
	StateInit State = iota
	// StateConnecting: negotiating, loading credentials and dialing.
	StateConnecting
	// StateQRPending: the network issued a pairing challenge that has not
	// been answered yet.
	StateQRPending
	// StateConnected: the session is open and can send.
	StateConnected
	// StateReconnectWait: a transient close happened; a reconnect is
	// scheduled after the retry delay. Credentials are untouched.
	StateReconnectWait
	// StateLoggedOutPendingReset: the remote side ended the pairing; the
	// credential bundle is gone and a fresh connect is scheduled.
	StateLoggedOutPendingReset
	// StateErrored: credential storage could not be created.
	StateErrored
)

var stateNames = [...]string{
	StateInit:                  "INIT",
	StateConnecting:            "CONNECTING",
	StateQRPending:             "QR_PENDING",
	StateConnected:             "CONNECTED",
	StateReconnectWait:         "RECONNECT_WAIT",
	StateLoggedOutPendingReset: "LOGGED_OUT_PENDING_RESET",
	StateErrored:               "ERRORED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateNames lists every state name, for metrics.
func StateNames() []string {
	return stateNames[:]
}

// Human-readable status texts shown on the status surface.
const (
	textNotStarted = "not started"
	textStarting   = "starting connection"
	textScanCode   = "scan the pairing code"
	textConnected  = "connected, ready to work"
	textLoggedOut  = "session closed, needs new pairing"
)
