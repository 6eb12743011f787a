package dispatch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"slotbot/internal/config"
)

// Intent is what an inbound message asks for.
type Intent string

const (
	IntentNone     Intent = "none"
	IntentInfo     Intent = "info"
	IntentSchedule Intent = "schedule"
)

// Normalize lower-cases text and strips accents so "Información" matches
// "informacion".
func Normalize(text string) string {
	// transform chains keep state; build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, text)
	if err != nil {
		out = text
	}
	return strings.ToLower(out)
}

// Classifier matches normalized messages against normalized keywords.
type Classifier struct {
	info      []string
	scheduler []string
}

func NewClassifier(k config.KeywordConfig) *Classifier {
	return &Classifier{
		info:      normalizeAll(k.Info),
		scheduler: normalizeAll(k.Scheduler),
	}
}

func normalizeAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(Normalize(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Classify returns the intent of text. A message containing both kinds of
// keyword asks for the schedule.
func (c *Classifier) Classify(text string) Intent {
	msg := Normalize(text)
	if containsAny(msg, c.scheduler) {
		return IntentSchedule
	}
	if containsAny(msg, c.info) {
		return IntentInfo
	}
	return IntentNone
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
