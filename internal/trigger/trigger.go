// Package trigger computes fire times for job trigger specifications.
package trigger

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/t77yq/jobscheduler/internal/model"
)

// ErrInvalidSpec is returned when a trigger specification is malformed or
// describes a schedule that can never fire.
var ErrInvalidSpec = errors.New("invalid trigger spec")

// Trigger computes successive fire times. Implementations are pure and safe
// for concurrent use.
type Trigger interface {
	// Next returns the fire time following prev. A zero prev means the job
	// has never fired and now is used as the reference point. The boolean is
	// false once the trigger is exhausted.
	Next(prev, now time.Time) (time.Time, bool)

	// String returns a short human readable description
	String() string
}

// New builds the trigger for a specification
func New(spec model.TriggerSpec) (Trigger, error) {
	switch spec.Kind {
	case model.TriggerInterval:
		return newInterval(spec.Every)
	case model.TriggerCron:
		return newCron(spec.Expression, spec.Location)
	case model.TriggerDate:
		return newDate(spec.At)
	case "":
		return nil, errors.Wrap(ErrInvalidSpec, "trigger kind required")
	default:
		return nil, errors.Wrapf(ErrInvalidSpec, "unknown trigger kind %q", spec.Kind)
	}
}

// Validate checks that a specification can produce at least one fire time
func Validate(spec model.TriggerSpec) error {
	_, err := New(spec)
	return err
}

// First returns the initial fire time of a job created at now
func First(spec model.TriggerSpec, now time.Time) (time.Time, error) {
	t, err := New(spec)
	if err != nil {
		return time.Time{}, err
	}
	next, ok := t.Next(time.Time{}, now)
	if !ok {
		return time.Time{}, errors.Wrapf(ErrInvalidSpec, "%s never fires", t)
	}
	return next, nil
}
