package server

import (
	"strconv"
	"strings"
	"time"
)

const dateOnlyLayout = "2006-01-02"

// parseOptionalBool treats an empty value as unset.
func parseOptionalBool(field, value string) (*bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return nil, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	return &parsed, nil
}

// parseWindow reads a from/to pair. Each side accepts RFC3339 or a bare date;
// a bare "to" date covers the whole day.
func parseWindow(from, to string) (*time.Time, *time.Time, error) {
	start, ok := parseQueryTime(from, false)
	if !ok {
		return nil, nil, newValidationError("from", "invalid_from", "invalid from")
	}
	end, ok := parseQueryTime(to, true)
	if !ok {
		return nil, nil, newValidationError("to", "invalid_to", "invalid to")
	}
	return start, end, nil
}

func parseQueryTime(value string, endOfDay bool) (*time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, true
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		parsed = parsed.UTC()
		return &parsed, true
	}
	day, err := time.ParseInLocation(dateOnlyLayout, value, time.UTC)
	if err != nil {
		return nil, false
	}
	if endOfDay {
		day = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &day, true
}
