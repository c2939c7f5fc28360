// Package scheduler fires scheduled tasks back into the conversation
// pipeline. A task is a prompt plus a schedule; when the schedule fires
// the task becomes a synthetic user message handed to the runtime, and
// the response stream is drained like any other turn.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// atPrefix marks a one-shot schedule: "@at 2026-03-01T09:00:00Z".
const atPrefix = "@at "

// Schedule is a parsed task schedule: a recurring cron expression
// (descriptors like @daily and @every 30m included) or an "@at" one-shot
// that fires once and disarms.
type Schedule struct {
	Kind string // "cron" or "at"
	Expr string
	At   time.Time

	cron cron.Schedule
}

// ParseSchedule parses a schedule string. Cron expressions accept five or
// six fields (optional leading seconds) and the usual descriptors.
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Schedule{}, errors.New("schedule is required")
	}

	if strings.HasPrefix(spec, atPrefix) {
		stamp := strings.TrimSpace(strings.TrimPrefix(spec, atPrefix))
		at, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid @at schedule %q: %w", stamp, err)
		}
		return Schedule{Kind: "at", Expr: spec, At: at}, nil
	}

	parsed, err := cronParser.Parse(spec)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return Schedule{Kind: "cron", Expr: spec, cron: parsed}, nil
}

// Next returns the next fire time after now. ok is false when the
// schedule will never fire again, which disarms the task.
func (s Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case "at":
		// A one-shot is spent the instant its time arrives; rescheduling
		// from the fire time must disarm rather than refire.
		if !now.Before(s.At) {
			return time.Time{}, false
		}
		return s.At, true
	case "cron":
		if s.cron == nil {
			return time.Time{}, false
		}
		next := s.cron.Next(now)
		return next, !next.IsZero()
	default:
		return time.Time{}, false
	}
}
