package domain

import "time"

// DaysIn returns the number of days in the month containing t.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonthsClamped moves t by months, placing it on anchorDay or the last
// day of the target month when that month is shorter. Time of day is kept.
func AddMonthsClamped(t time.Time, months int, anchorDay int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	day := clampDay(anchorDay, first.Year(), first.Month())
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// NextBillingDate returns the first midnight (UTC) falling on billingDay,
// clamped to the month length, strictly after after.
func NextBillingDate(after time.Time, billingDay int) time.Time {
	after = after.UTC()
	year, month := after.Year(), after.Month()
	for i := 0; i < 2; i++ {
		candidate := time.Date(year, month+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
		candidate = time.Date(candidate.Year(), candidate.Month(), clampDay(billingDay, candidate.Year(), candidate.Month()), 0, 0, 0, 0, time.UTC)
		if candidate.After(after) {
			return candidate
		}
	}
	// Unreachable for billingDay within 1..31.
	return AddMonthsClamped(time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), 1, billingDay)
}

// PreviousBillingDate is the billing date one period before next.
func PreviousBillingDate(next time.Time, billingDay int) time.Time {
	prev := AddMonthsClamped(next.UTC(), -1, billingDay)
	return time.Date(prev.Year(), prev.Month(), prev.Day(), 0, 0, 0, 0, time.UTC)
}

func clampDay(day, year int, month time.Month) int {
	if day < 1 {
		day = 1
	}
	if last := DaysIn(year, month); day > last {
		return last
	}
	return day
}
