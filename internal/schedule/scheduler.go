// Package schedule turns a human-edited availability sheet into a small,
// evenly spread set of offerable time slots per day.
package schedule

import (
	"context"
	"time"

	"slotbot/internal/config"
	appLog "slotbot/internal/log"
	"slotbot/internal/metrics"
	"slotbot/internal/model"
	"slotbot/internal/sheets"
)

// Options tune one query.
type Options struct {
	// SkipRows drops leading header rows.
	SkipRows int
	// Targets are the per-day slot counts; nil means config.DefaultTargets.
	Targets []int
}

// Scheduler reads the sheet on every call; it keeps no state between
// queries.
type Scheduler struct {
	source sheets.Source
}

func New(source sheets.Source) *Scheduler {
	return &Scheduler{source: source}
}

// AvailableSlots fetches the rows of rangeSpec and returns up to one
// selection per target. A source failure yields a *Error and no rows are
// grouped; an empty sheet yields an empty slice and a nil error.
func (s *Scheduler) AvailableSlots(ctx context.Context, sourceID, rangeSpec string, opts Options) ([]model.SlotSelection, error) {
	appLog.Info("schedule query", "source", sourceID, "range", rangeSpec)

	start := time.Now()
	rows, err := s.source.Rows(ctx, sourceID, rangeSpec)
	metrics.ScheduleFetchSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		schedErr := classify(err)
		metrics.ScheduleRequests.WithLabelValues("error_" + string(schedErr.Kind)).Inc()
		appLog.Error("schedule fetch failed", err, "source", sourceID, "range", rangeSpec, "kind", schedErr.Kind)
		return nil, schedErr
	}

	result := Compute(rows, opts)
	if len(result) == 0 {
		metrics.ScheduleRequests.WithLabelValues("empty").Inc()
	} else {
		metrics.ScheduleRequests.WithLabelValues("ok").Inc()
	}
	appLog.Info("schedule query done", "source", sourceID, "range", rangeSpec, "rows", len(rows), "days", len(result))
	return result, nil
}

// Compute is the pure part of AvailableSlots.
func Compute(rows []model.Row, opts Options) []model.SlotSelection {
	if opts.SkipRows > 0 {
		if opts.SkipRows >= len(rows) {
			rows = nil
		} else {
			rows = rows[opts.SkipRows:]
		}
	}
	targets := opts.Targets
	if len(targets) == 0 {
		targets = config.DefaultTargets
	}
	if len(rows) == 0 {
		return []model.SlotSelection{}
	}
	return Select(GroupDays(rows), targets)
}
