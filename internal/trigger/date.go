package trigger

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

type dateTrigger struct {
	at time.Time
}

func newDate(at time.Time) (*dateTrigger, error) {
	if at.IsZero() {
		return nil, errors.Wrap(ErrInvalidSpec, "date trigger requires a timestamp")
	}
	return &dateTrigger{at: at}, nil
}

// Next yields the fixed timestamp once; any previous fire exhausts it.
func (t *dateTrigger) Next(prev, now time.Time) (time.Time, bool) {
	if !prev.IsZero() {
		return time.Time{}, false
	}
	return t.at, true
}

func (t *dateTrigger) String() string {
	return fmt.Sprintf("date[%s]", t.at.Format(time.RFC3339))
}
