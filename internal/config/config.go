package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MinReconnectDelay is the floor applied to every reconnect delay so a
// flapping session can never busy-loop.
const MinReconnectDelay = time.Second

// DefaultTargets are the per-day slot counts for the first three days.
var DefaultTargets = []int{4, 4, 3}

// Messages holds the per-session reply texts used by the dispatcher.
type Messages struct {
	Welcome         string `yaml:"welcome" json:"welcome"`
	BookingQuestion string `yaml:"booking_question" json:"booking_question"`
	NoSlots         string `yaml:"no_slots" json:"no_slots"`
	Error           string `yaml:"error" json:"error"`
}

// DefaultMessages are used for any reply text a session leaves empty.
func DefaultMessages() Messages {
	return Messages{
		Welcome:         "¡Hola! Estos son los horarios disponibles:",
		BookingQuestion: "¿Qué horario te gustaría reservar?",
		NoSlots:         "Por ahora no hay horarios disponibles. Escríbenos más tarde.",
		Error:           "No pudimos consultar los horarios en este momento. Intenta de nuevo más tarde.",
	}
}

// SessionConfig describes a single chat identity.
type SessionConfig struct {
	// ID is the stable operator-assigned identity key. It also names the
	// credential directory under StateDir.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label shown in logs and the status page.
	Name string `yaml:"name" json:"name"`

	// InfoFile is a text file sent verbatim on info keywords.
	InfoFile string `yaml:"info_file" json:"info_file"`
	// PhotosDir holds images sent after the info text.
	PhotosDir string `yaml:"photos_dir" json:"photos_dir"`

	// SpreadsheetID and Range locate the availability sheet (e.g. "Hoja1!A:C").
	SpreadsheetID string `yaml:"spreadsheet_id" json:"spreadsheet_id"`
	Range         string `yaml:"range" json:"range"`
	// SkipRows drops that many leading rows (header lines) before grouping.
	SkipRows int `yaml:"skip_rows" json:"skip_rows"`
	// Targets overrides DefaultTargets for this session.
	Targets []int `yaml:"targets,omitempty" json:"targets,omitempty"`

	Messages Messages `yaml:"messages" json:"messages"`
}

func (m *Messages) fill(def Messages) {
	if m.Welcome == "" {
		m.Welcome = def.Welcome
	}
	if m.BookingQuestion == "" {
		m.BookingQuestion = def.BookingQuestion
	}
	if m.NoSlots == "" {
		m.NoSlots = def.NoSlots
	}
	if m.Error == "" {
		m.Error = def.Error
	}
}

// DisplayName returns Name, or ID when no name is configured.
func (s SessionConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// GatewayConfig locates the messaging gateway the sessions connect to.
type GatewayConfig struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string `yaml:"url" json:"url"`
	// VersionURL returns the current protocol version as JSON.
	VersionURL string `yaml:"version_url" json:"version_url"`
	// Browser is the client description presented to the network.
	Browser string `yaml:"browser" json:"browser"`
}

// ReconnectConfig holds the two fixed reconnect delays.
type ReconnectConfig struct {
	// ReloginDelay applies after a logout, once credentials were wiped.
	ReloginDelay time.Duration `yaml:"relogin_delay" json:"relogin_delay"`
	// RetryDelay applies after transient disconnects.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// PacingConfig holds the artificial delays applied before outbound replies.
type PacingConfig struct {
	TypingDelay       time.Duration `yaml:"typing_delay" json:"typing_delay"`
	BetweenMediaDelay time.Duration `yaml:"between_media_delay" json:"between_media_delay"`
}

// SheetsConfig controls where Google service account credentials come from.
type SheetsConfig struct {
	// CredentialsEnv names an environment variable holding the JSON key.
	CredentialsEnv string `yaml:"credentials_env" json:"credentials_env"`
	// CredentialsFile is used when the environment variable is unset.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

// KeywordConfig lists trigger phrases. Matching is accent and case insensitive.
type KeywordConfig struct {
	Info      []string `yaml:"info" json:"info"`
	Scheduler []string `yaml:"scheduler" json:"scheduler"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status surface.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status page and metrics.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// StateDir holds one credential directory per session.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// CredentialKeyEnv names an environment variable holding an age
	// passphrase. When set and non-empty, credential bundles are sealed.
	CredentialKeyEnv string `yaml:"credential_key_env" json:"credential_key_env"`

	// StatusCron is a cron-style schedule for the periodic status report.
	StatusCron string `yaml:"status_cron" json:"status_cron"`

	Gateway   GatewayConfig   `yaml:"gateway" json:"gateway"`
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`
	Pacing    PacingConfig    `yaml:"pacing" json:"pacing"`
	Sheets    SheetsConfig    `yaml:"sheets" json:"sheets"`
	Keywords  KeywordConfig   `yaml:"keywords" json:"keywords"`

	Sessions []SessionConfig `yaml:"sessions" json:"sessions"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:     "0.0.0.0:3000",
		LogLevel:   "info",
		StateDir:   "/var/lib/slotbot",
		StatusCron: "*/10 * * * *",
		Gateway: GatewayConfig{
			URL:        "ws://127.0.0.1:8787/v1/session",
			VersionURL: "http://127.0.0.1:8787/v1/version",
			Browser:    "slotbot",
		},
		Reconnect: ReconnectConfig{
			ReloginDelay: 3 * time.Second,
			RetryDelay:   5 * time.Second,
		},
		Pacing: PacingConfig{
			TypingDelay:       2 * time.Second,
			BetweenMediaDelay: time.Second,
		},
		Sheets: SheetsConfig{
			CredentialsEnv:  "GOOGLE_CREDENTIALS",
			CredentialsFile: "credentials.json",
		},
		Keywords: KeywordConfig{
			Info:      []string{"info", "recibida", "información", "quiero saber"},
			Scheduler: []string{"horarios", "agendar"},
		},
		Sessions:  []SessionConfig{},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.StateDir == "" {
		c.StateDir = def.StateDir
	}
	if c.StatusCron == "" {
		c.StatusCron = def.StatusCron
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = def.Gateway.URL
	}
	if c.Gateway.VersionURL == "" {
		c.Gateway.VersionURL = def.Gateway.VersionURL
	}
	if c.Gateway.Browser == "" {
		c.Gateway.Browser = def.Gateway.Browser
	}

	if c.Reconnect.ReloginDelay == 0 {
		c.Reconnect.ReloginDelay = def.Reconnect.ReloginDelay
	}
	if c.Reconnect.RetryDelay == 0 {
		c.Reconnect.RetryDelay = def.Reconnect.RetryDelay
	}
	c.Reconnect.ReloginDelay = max(c.Reconnect.ReloginDelay, MinReconnectDelay)
	c.Reconnect.RetryDelay = max(c.Reconnect.RetryDelay, MinReconnectDelay)

	// Zero pacing is a valid choice; only negatives are corrected.
	c.Pacing.TypingDelay = max(c.Pacing.TypingDelay, 0)
	c.Pacing.BetweenMediaDelay = max(c.Pacing.BetweenMediaDelay, 0)

	if c.Sheets.CredentialsEnv == "" {
		c.Sheets.CredentialsEnv = def.Sheets.CredentialsEnv
	}
	if c.Sheets.CredentialsFile == "" {
		c.Sheets.CredentialsFile = def.Sheets.CredentialsFile
	}
	if c.Keywords.Info == nil {
		c.Keywords.Info = def.Keywords.Info
	}
	if c.Keywords.Scheduler == nil {
		c.Keywords.Scheduler = def.Keywords.Scheduler
	}
	if c.Sessions == nil {
		c.Sessions = []SessionConfig{}
	}

	for i := range c.Sessions {
		s := &c.Sessions[i]
		if s.Range == "" {
			s.Range = "A:C"
		}
		if s.SkipRows < 0 {
			s.SkipRows = 0
		}
		if len(s.Targets) == 0 {
			s.Targets = append([]int(nil), DefaultTargets...)
		}
		s.Messages.fill(DefaultMessages())
	}
}

// Validate reports sessions that cannot be started. Each returned error is
// a *Error naming the offending session; the remaining sessions are usable.
func (c *Config) Validate() []error {
	var errs []error
	c.eachSession(func(_ SessionConfig, problem *Error) {
		if problem != nil {
			errs = append(errs, problem)
		}
	})
	return errs
}

// UsableSessions returns the sessions that passed Validate, in config order.
func (c *Config) UsableSessions() []SessionConfig {
	out := make([]SessionConfig, 0, len(c.Sessions))
	c.eachSession(func(s SessionConfig, problem *Error) {
		if problem == nil {
			out = append(out, s)
		}
	})
	return out
}

func (c *Config) eachSession(fn func(SessionConfig, *Error)) {
	seen := make(map[string]bool, len(c.Sessions))
	for i, s := range c.Sessions {
		var problem *Error
		switch {
		case s.ID == "":
			problem = &Error{Identity: fmt.Sprintf("#%d", i), Field: "id", Err: errors.New("missing session id")}
		case seen[s.ID]:
			problem = &Error{Identity: s.ID, Field: "id", Err: errors.New("duplicate session id")}
		case s.SpreadsheetID == "":
			problem = &Error{Identity: s.ID, Field: "spreadsheet_id", Err: errors.New("missing spreadsheet id")}
		}
		seen[s.ID] = true
		fn(s, problem)
	}
}

// Load reads and normalizes the YAML config at path. A missing file is
// created from DefaultConfig on first run.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".slotbot-config-*.tmp")
}

// WriteFileAtomic writes data to path through a temp file in the same
// directory, fsyncs it, sets 0600 and renames it over path. Readers see
// either the old content or the new content, never a partial file.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save writes c to path. See Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
