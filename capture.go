package main

import (
	"fmt"
	"time"

	"github.com/adlens/adlens/models"
)

// AccountToday returns the calendar day currently in progress for the
// account, evaluated in its own reporting timezone rather than server UTC.
func AccountToday(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(models.DateLayout)
}

// ResolveCapturedAt computes the captured_at timestamp for a snapshot
// write.
//
// Realtime polls always use the actual poll instant so intraday charts
// reflect real observation times. Backfill writes for a day that is
// already complete (strictly before the account's today) anchor to
// 23:59:59 of that day in the account timezone, converted to UTC: the day
// was never observed at intraday resolution, so every backfilled point
// for it collapses to the same end-of-day anchor. A backfill for the
// in-progress day is still live data and uses the poll instant.
//
// The result never exceeds now — backfill cannot produce future
// timestamps.
func ResolveCapturedAt(mode models.SyncMode, metricsDate string, now time.Time, loc *time.Location) (time.Time, error) {
	if mode == models.SyncRealtime {
		return now.UTC(), nil
	}

	day, err := time.ParseInLocation(models.DateLayout, metricsDate, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid metrics date %q: %w", metricsDate, err)
	}

	today := AccountToday(now, loc)
	switch {
	case metricsDate == today:
		return now.UTC(), nil
	case metricsDate > today:
		return time.Time{}, fmt.Errorf("metrics date %s is in the future for timezone %s", metricsDate, loc)
	}

	endOfDay := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, loc).UTC()
	if endOfDay.After(now) {
		// Invariant: a backfill write never carries a future captured_at.
		return time.Time{}, fmt.Errorf("end of day %s resolves past the current instant", metricsDate)
	}
	return endOfDay, nil
}
