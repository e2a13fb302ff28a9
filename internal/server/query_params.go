package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalInt(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.Atoi(trimmed)
}

func parseSnowflakeID(value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid_snowflake_id")
	}
	return parsed, nil
}

// parseOptionalTime accepts RFC3339 or a bare date, which is read as UTC
// midnight.
func parseOptionalTime(value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

// currentMonth returns [first of month, first of next month) around now.
func currentMonth(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// periodFromQuery reads period_start and period_end, defaulting to the
// current calendar month.
func periodFromQuery(startRaw, endRaw string, now time.Time) (time.Time, time.Time, error) {
	start, end := currentMonth(now)
	if parsed, err := parseOptionalTime(startRaw); err != nil {
		return time.Time{}, time.Time{}, newValidationError("period_start", "invalid_time", "invalid period_start")
	} else if parsed != nil {
		start = *parsed
		if strings.TrimSpace(endRaw) == "" {
			end = start.AddDate(0, 1, 0)
		}
	}
	if parsed, err := parseOptionalTime(endRaw); err != nil {
		return time.Time{}, time.Time{}, newValidationError("period_end", "invalid_time", "invalid period_end")
	} else if parsed != nil {
		end = *parsed
	}
	return start, end, nil
}
