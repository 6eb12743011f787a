// Package sheets reads availability rows from the Google Sheets values API.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"slotbot/internal/config"
	appLog "slotbot/internal/log"
	"slotbot/internal/model"
)

const (
	// ReadonlyScope is the only OAuth2 scope the adapter requests.
	ReadonlyScope = sheetsapi.SpreadsheetsReadonlyScope

	requestTimeout = 15 * time.Second
)

// ErrNoCredentials marks a source that could not be authenticated at
// startup. Every query on it fails with this error wrapped.
var ErrNoCredentials = errors.New("sheets: credentials unavailable")

// Source produces availability rows for a sheet and range. The scheduler
// depends on this interface, not on *Client.
type Source interface {
	Rows(ctx context.Context, spreadsheetID, rangeSpec string) ([]model.Row, error)
}

// Client fetches sheet ranges through the Sheets v4 service.
type Client struct {
	svc *sheetsapi.Service
}

// Open builds the production Source from the sheets config. When the
// credentials are missing or invalid it returns the error together with a
// Source that fails every query, so sessions keep running and only
// schedule replies are affected.
func Open(ctx context.Context, cfg config.SheetsConfig) (Source, error) {
	key, err := LoadCredentials(cfg.CredentialsEnv, cfg.CredentialsFile)
	if err == nil {
		var c *Client
		if c, err = NewClient(ctx, key); err == nil {
			return c, nil
		}
	}
	return Unavailable(err), err
}

// NewClient builds a Client authenticated with a service account JSON key.
// ctx scopes token refreshes and should outlive individual requests.
func NewClient(ctx context.Context, credentialsJSON []byte) (*Client, error) {
	conf, err := google.JWTConfigFromJSON(credentialsJSON, ReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing service account credentials: %w", err)
	}
	hc := conf.Client(ctx)
	hc.Timeout = requestTimeout

	svc, err := sheetsapi.NewService(ctx, option.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// NewClientWithOptions builds a Client from raw client options, e.g. an
// HTTP client plus option.WithEndpoint for a proxy or a test server.
func NewClientWithOptions(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// Rows fetches rangeSpec (e.g. "Hoja1!A:C") from the spreadsheet and maps
// columns A, B, C of every row to Day, Time and Occupancy. Missing trailing
// cells are blank. API failures come back as *googleapi.Error.
func (c *Client) Rows(ctx context.Context, spreadsheetID, rangeSpec string) ([]model.Row, error) {
	if spreadsheetID == "" {
		return nil, errors.New("spreadsheet id is empty")
	}
	if rangeSpec == "" {
		return nil, errors.New("range is empty")
	}

	appLog.Debug("sheets fetch start", "source", spreadsheetID, "range", rangeSpec)

	vr, err := c.svc.Spreadsheets.Values.Get(spreadsheetID, rangeSpec).
		MajorDimension("ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}

	rows := make([]model.Row, 0, len(vr.Values))
	for _, values := range vr.Values {
		rows = append(rows, model.Row{
			Day:       cell(values, 0),
			Time:      cell(values, 1),
			Occupancy: cell(values, 2),
		})
	}

	appLog.Debug("sheets fetch success", "source", spreadsheetID, "range", rangeSpec, "rows", len(rows))
	return rows, nil
}

// cell renders values[i] as trimmed text. Formatted values arrive as
// strings; numbers and booleans only show up with unformatted rendering.
func cell(values []any, i int) string {
	if i >= len(values) {
		return ""
	}
	switch v := values[i].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

type unavailable struct {
	err error
}

// Unavailable returns a Source whose every query fails with cause wrapped
// in ErrNoCredentials.
func Unavailable(cause error) Source {
	return unavailable{err: fmt.Errorf("%w: %w", ErrNoCredentials, cause)}
}

func (u unavailable) Rows(context.Context, string, string) ([]model.Row, error) {
	return nil, u.err
}
