/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package orchestrator

import "time"

const (
	workDayStartHour = 9
	workDayEndHour   = 18
	lunchStartHour   = 12
	lunchEndHour     = 13
	workSecondsPerDay = (workDayEndHour - workDayStartHour - (lunchEndHour - lunchStartHour)) * 3600 // 28800
)

// HolidayCalendar is the injected, out-of-scope capability that knows which
// calendar days are non-working beyond weekends (§1, §9 Open Questions).
type HolidayCalendar interface {
	IsHoliday(day time.Time) bool
}

// FixedHolidayCalendar is a minimal in-memory HolidayCalendar for tests and
// deployments that only need a small, rarely-changing fixed set of dates —
// the default when no external calendar source is configured.
type FixedHolidayCalendar struct {
	days map[string]bool
}

// NewFixedHolidayCalendar builds a calendar from a set of "YYYY-MM-DD" dates.
func NewFixedHolidayCalendar(dates []string) *FixedHolidayCalendar {
	days := make(map[string]bool, len(dates))
	for _, d := range dates {
		days[d] = true
	}
	return &FixedHolidayCalendar{days: days}
}

func (f *FixedHolidayCalendar) IsHoliday(day time.Time) bool {
	return f.days[day.Format("2006-01-02")]
}

func isWorkingDay(day time.Time, cal HolidayCalendar) bool {
	if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		return false
	}
	if cal != nil && cal.IsHoliday(day) {
		return false
	}
	return true
}

func atHour(day time.Time, hour int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
}

// nextWorkMoment aligns cursor to the next instant inside a working window:
// advancing past non-working days, snapping before-open to open, snapping
// lunch to right after lunch, and snapping after-close to the next day's
// open (§4.5.c step "align the cursor to the next valid work moment").
func nextWorkMoment(cursor time.Time, cal HolidayCalendar) time.Time {
	for {
		if !isWorkingDay(cursor, cal) {
			cursor = atHour(cursor.AddDate(0, 0, 1), workDayStartHour)
			continue
		}
		open, close := atHour(cursor, workDayStartHour), atHour(cursor, workDayEndHour)
		lunchStart, lunchEnd := atHour(cursor, lunchStartHour), atHour(cursor, lunchEndHour)
		switch {
		case cursor.Before(open):
			cursor = open
		case !cursor.Before(close):
			cursor = atHour(cursor.AddDate(0, 0, 1), workDayStartHour)
			continue
		case !cursor.Before(lunchStart) && cursor.Before(lunchEnd):
			cursor = lunchEnd
		}
		return cursor
	}
}

// addBusinessSeconds advances from start by seconds of actual working time,
// skipping the 12:00-13:00 lunch window, weekends, and calendar holidays
// (§4.5.c). Each full working day contributes workSecondsPerDay seconds.
func addBusinessSeconds(start time.Time, seconds int64, cal HolidayCalendar) time.Time {
	cursor := nextWorkMoment(start, cal)
	remaining := seconds

	for remaining > 0 {
		close := atHour(cursor, workDayEndHour)
		lunchStart, lunchEnd := atHour(cursor, lunchStartHour), atHour(cursor, lunchEndHour)

		availableToday := int64(close.Sub(cursor).Seconds())
		if cursor.Before(lunchStart) {
			availableToday -= int64(lunchEnd.Sub(lunchStart).Seconds())
		}

		if remaining <= availableToday {
			naive := cursor.Add(time.Duration(remaining) * time.Second)
			if cursor.Before(lunchStart) && !naive.Before(lunchStart) {
				naive = naive.Add(lunchEnd.Sub(lunchStart))
			}
			return naive
		}

		remaining -= availableToday
		cursor = atHour(cursor.AddDate(0, 0, 1), workDayStartHour)
		cursor = nextWorkMoment(cursor, cal)
	}
	return cursor
}

// estimatedTimeFinished implements §4.5.c: EstimatedTimeFinished is
// takenDate plus estimatedTimeSeconds of business time.
func estimatedTimeFinished(takenDate time.Time, estimatedTimeSeconds int64, cal HolidayCalendar) time.Time {
	if takenDate.IsZero() || estimatedTimeSeconds <= 0 {
		return takenDate
	}
	return addBusinessSeconds(takenDate, estimatedTimeSeconds, cal)
}

// businessDaysSince counts full working days between start and now,
// used by the expiry check (§4.5 E2: "older than EXPIRED_DAY_LIMIT business
// days").
func businessDaysSince(start, now time.Time, cal HolidayCalendar) int {
	days := 0
	cursor := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for cursor.Before(end) {
		cursor = cursor.AddDate(0, 0, 1)
		if isWorkingDay(cursor, cal) {
			days++
		}
	}
	return days
}
