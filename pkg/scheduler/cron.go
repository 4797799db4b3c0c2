package scheduler

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks that expr is a parseable 5-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return errors.Wrap(err, "invalid cron expression")
	}
	return nil
}

// NextDueTime returns the first activation of expr strictly after the given
// time. The engine only ever asks "when is this due next"; cron parsing
// stays behind this function.
func NextDueTime(expr string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "invalid cron expression")
	}
	return schedule.Next(after), nil
}
