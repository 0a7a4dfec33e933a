package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as @hourly or @every 10m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type cronTrigger struct {
	expr     string
	schedule cron.Schedule
}

func newCron(expr, location string) (*cronTrigger, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Wrap(ErrInvalidSpec, "cron expression required")
	}

	full := expr
	if location != "" {
		if _, err := time.LoadLocation(location); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid cron location %q", location), ErrInvalidSpec)
		}
		full = "CRON_TZ=" + location + " " + expr
	}

	schedule, err := cronParser.Parse(full)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid cron expression %q", expr), ErrInvalidSpec)
	}

	// robfig/cron returns the zero time when nothing matches within its
	// search horizon, e.g. "0 0 31 2 *".
	if schedule.Next(time.Now()).IsZero() {
		return nil, errors.Wrapf(ErrInvalidSpec, "cron expression %q never matches", expr)
	}

	return &cronTrigger{expr: expr, schedule: schedule}, nil
}

func (t *cronTrigger) Next(prev, now time.Time) (time.Time, bool) {
	ref := prev
	if ref.IsZero() {
		ref = now
	}
	next := t.schedule.Next(ref)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (t *cronTrigger) String() string {
	return fmt.Sprintf("cron[%s]", t.expr)
}
