// Package dispatch answers inbound chat messages: keyword matched info
// requests get the identity's info text and photos, schedule requests get
// the currently offerable slots.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"slotbot/internal/clock"
	"slotbot/internal/config"
	appLog "slotbot/internal/log"
	"slotbot/internal/metrics"
	"slotbot/internal/model"
	"slotbot/internal/schedule"
	"slotbot/internal/session"
)

// Sender delivers replies through an identity's session.
type Sender interface {
	SendText(ctx context.Context, identity, to, text string) error
	SendMedia(ctx context.Context, identity, to, path, caption string) error
	SetPresence(ctx context.Context, identity, to string, presence session.Presence) error
}

// SlotSource answers availability queries.
type SlotSource interface {
	AvailableSlots(ctx context.Context, sourceID, rangeSpec string, opts schedule.Options) ([]model.SlotSelection, error)
}

var photoExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// Dispatcher routes messages by identity. Handle matches the session
// message handler signature.
type Dispatcher struct {
	sessions   map[string]config.SessionConfig
	classifier *Classifier
	sender     Sender
	slots      SlotSource
	clock      clock.Clock
	pacing     config.PacingConfig
}

func New(cfg *config.Config, sessions []config.SessionConfig, sender Sender, slots SlotSource, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	byID := make(map[string]config.SessionConfig, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
	}
	return &Dispatcher{
		sessions:   byID,
		classifier: NewClassifier(cfg.Keywords),
		sender:     sender,
		slots:      slots,
		clock:      clk,
		pacing:     cfg.Pacing,
	}
}

// Handle answers one inbound message. Own messages, empty texts and texts
// without a keyword are ignored.
func (d *Dispatcher) Handle(ctx context.Context, msg session.Message) {
	if msg.FromMe || strings.TrimSpace(msg.Text) == "" {
		return
	}
	sc, ok := d.sessions[msg.Identity]
	if !ok {
		appLog.Warn("message for unconfigured identity", "identity", msg.Identity)
		return
	}

	intent := d.classifier.Classify(msg.Text)
	metrics.Messages.WithLabelValues(msg.Identity, string(intent)).Inc()
	if intent == IntentNone {
		return
	}

	replyID := uuid.NewString()
	appLog.Info("replying", "identity", msg.Identity, "to", msg.From, "intent", intent, "reply", replyID, "message", msg.ID)

	var err error
	switch intent {
	case IntentInfo:
		err = d.replyInfo(ctx, sc, msg.From)
	case IntentSchedule:
		err = d.replySchedule(ctx, sc, msg.From)
	}
	if err != nil {
		appLog.Error("reply failed", err, "identity", msg.Identity, "to", msg.From, "intent", intent, "reply", replyID)
		return
	}
	appLog.Debug("reply sent", "identity", msg.Identity, "reply", replyID)
}

func (d *Dispatcher) replyInfo(ctx context.Context, sc config.SessionConfig, to string) error {
	var text string
	if sc.InfoFile != "" {
		data, err := os.ReadFile(sc.InfoFile)
		if err != nil {
			appLog.Error("reading info file", err, "identity", sc.ID, "path", sc.InfoFile)
		} else {
			text = strings.TrimSpace(string(data))
		}
	}
	photos, err := Photos(sc.PhotosDir)
	if err != nil {
		appLog.Error("listing photos", err, "identity", sc.ID, "dir", sc.PhotosDir)
	}
	if text == "" && len(photos) == 0 {
		return errors.New("no info text or photos configured")
	}

	if err := d.typing(ctx, sc.ID, to); err != nil {
		return err
	}
	defer d.paused(ctx, sc.ID, to)

	sent := false
	if text != "" {
		if err := d.sender.SendText(ctx, sc.ID, to, text); err != nil {
			return err
		}
		sent = true
	}
	for _, p := range photos {
		if sent {
			if err := clock.SleepContext(ctx, d.clock, d.pacing.BetweenMediaDelay); err != nil {
				return err
			}
		}
		if err := d.sender.SendMedia(ctx, sc.ID, to, p, ""); err != nil {
			return fmt.Errorf("sending %s: %w", filepath.Base(p), err)
		}
		sent = true
	}
	return nil
}

func (d *Dispatcher) replySchedule(ctx context.Context, sc config.SessionConfig, to string) error {
	if err := d.typing(ctx, sc.ID, to); err != nil {
		return err
	}
	defer d.paused(ctx, sc.ID, to)

	selections, err := d.slots.AvailableSlots(ctx, sc.SpreadsheetID, sc.Range, schedule.Options{
		SkipRows: sc.SkipRows,
		Targets:  sc.Targets,
	})
	if err != nil {
		if schedErr, ok := schedule.AsError(err); ok && schedErr.Kind == schedule.KindAuth {
			appLog.Warn("sheet access denied, check the service account share", "identity", sc.ID, "source", sc.SpreadsheetID)
		}
	}
	return d.sender.SendText(ctx, sc.ID, to, RenderSlots(sc.Messages, selections, err))
}

// typing shows the composing indicator for the configured delay. It
// returns early with ctx's error when the reply is abandoned.
func (d *Dispatcher) typing(ctx context.Context, identity, to string) error {
	if err := d.sender.SetPresence(ctx, identity, to, session.PresenceComposing); err != nil {
		appLog.Debug("typing presence", "identity", identity, "err", err)
	}
	return clock.SleepContext(ctx, d.clock, d.pacing.TypingDelay)
}

func (d *Dispatcher) paused(ctx context.Context, identity, to string) {
	if err := d.sender.SetPresence(ctx, identity, to, session.PresencePaused); err != nil {
		appLog.Debug("paused presence", "identity", identity, "err", err)
	}
}

// Photos lists the image files of dir in name order. An empty dir path
// yields no photos.
func Photos(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !photoExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}
