package trigger

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

type intervalTrigger struct {
	every time.Duration
}

func newInterval(every time.Duration) (*intervalTrigger, error) {
	if every <= 0 {
		return nil, errors.Wrapf(ErrInvalidSpec, "interval must be > 0, got %s", every)
	}
	return &intervalTrigger{every: every}, nil
}

// Next anchors on the previous scheduled fire time so runs stay on the
// t0, t0+every, t0+2*every grid regardless of execution latency.
func (t *intervalTrigger) Next(prev, now time.Time) (time.Time, bool) {
	if prev.IsZero() {
		return now.Add(t.every), true
	}
	return prev.Add(t.every), true
}

func (t *intervalTrigger) String() string {
	return fmt.Sprintf("interval[%s]", t.every)
}
