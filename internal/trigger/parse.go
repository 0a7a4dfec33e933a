package trigger

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/t77yq/jobscheduler/internal/model"
)

// ParseSpec turns a schedule string into a trigger specification.
//
// Supported forms:
//   - "every:5m", "interval:90s" or a bare Go duration like "5m"
//   - "cron:*/5 * * * *" or anything containing whitespace / starting with '@'
//   - "date:2026-01-02T15:04:05Z" or a bare RFC3339 timestamp
func ParseSpec(raw string) (model.TriggerSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return model.TriggerSpec{}, errors.Wrap(ErrInvalidSpec, "schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "date:"):
		return dateSpec(strings.TrimSpace(s[len("date:"):]))
	}

	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return cronSpec(s)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return intervalSpec(s)
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return dateSpec(s)
	}

	return model.TriggerSpec{}, errors.Wrapf(ErrInvalidSpec,
		"unrecognised schedule %q (use '5m', 'cron:*/5 * * * *' or 'date:2026-01-02T15:04:05Z')", raw)
}

func cronSpec(expr string) (model.TriggerSpec, error) {
	spec := model.TriggerSpec{Kind: model.TriggerCron, Expression: expr}
	return spec, Validate(spec)
}

func intervalSpec(v string) (model.TriggerSpec, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return model.TriggerSpec{}, errors.Mark(errors.Wrapf(err, "invalid interval %q", v), ErrInvalidSpec)
	}
	spec := model.TriggerSpec{Kind: model.TriggerInterval, Every: d}
	return spec, Validate(spec)
}

func dateSpec(v string) (model.TriggerSpec, error) {
	at, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return model.TriggerSpec{}, errors.Mark(errors.Wrapf(err, "invalid date %q", v), ErrInvalidSpec)
	}
	spec := model.TriggerSpec{Kind: model.TriggerDate, At: at}
	return spec, Validate(spec)
}
