package usage

import "time"

// CurrentPeriod maps an instant to its accounting window: the UTC calendar
// month containing now. Start is the first instant of the month, end the
// last. Pure and deterministic; every ledger operation goes through it.
func CurrentPeriod(now time.Time) (start, end time.Time) {
	utc := now.UTC()
	start = time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return start, end
}
