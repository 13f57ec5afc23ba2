package queue

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// NextCronTime computes the first tick of a cron expression strictly after
// the reference time. All queue scheduling is UTC, so the expression is
// evaluated on the UTC clock.
func NextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	gron := gronx.New()
	if !gron.IsValid(cronExpr) {
		return time.Time{}, fmt.Errorf("invalid cron expression %q", cronExpr)
	}
	next, err := gronx.NextTickAfter(cronExpr, after.UTC(), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("computing next tick for %q: %w", cronExpr, err)
	}
	return next.UTC(), nil
}
