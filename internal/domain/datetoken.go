package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateTokenLength is the length of a canonical yyyymmddhh token.
const DateTokenLength = 10

// DateMarkers are the literal strings that precede each date component in model metadata.
type DateMarkers struct {
	Year  string
	Month string
	Day   string
	Hour  string
}

type dateField struct {
	name   string
	marker string
	width  int
}

// ExtractDateToken locates the first occurrence of every marker in text and concatenates
// the fixed-width values that follow them into a yyyymmddhh token. The values are not
// validated here; ParseDateToken does that.
func ExtractDateToken(text string, markers DateMarkers) (string, error) {
	fields := []dateField{
		{name: "year", marker: markers.Year, width: 4},
		{name: "month", marker: markers.Month, width: 2},
		{name: "day", marker: markers.Day, width: 2},
		{name: "hour", marker: markers.Hour, width: 2},
	}

	var token strings.Builder
	token.Grow(DateTokenLength)

	for _, field := range fields {
		if field.marker == "" {
			return "", fmt.Errorf("%w: %s marker is empty", ErrParseFailure, field.name)
		}

		idx := strings.Index(text, field.marker)
		if idx < 0 {
			return "", fmt.Errorf("%w: %s marker %q not found", ErrParseFailure, field.name, field.marker)
		}

		start := idx + len(field.marker)
		end := start + field.width
		if end > len(text) {
			return "", fmt.Errorf(
				"%w: %s marker %q is followed by fewer than %d characters",
				ErrParseFailure,
				field.name,
				field.marker,
				field.width,
			)
		}

		token.WriteString(text[start:end])
	}

	return token.String(), nil
}

// ParseDateToken converts a yyyymmddhh token into an hour-aligned UTC instant.
func ParseDateToken(token string) (time.Time, error) {
	if len(token) != DateTokenLength {
		return time.Time{}, fmt.Errorf("%w: token %q must have %d characters", ErrOutOfRange, token, DateTokenLength)
	}

	year, err := tokenComponent(token, "year", 0, 4, 1000, 9999)
	if err != nil {
		return time.Time{}, err
	}
	month, err := tokenComponent(token, "month", 4, 6, 1, 12)
	if err != nil {
		return time.Time{}, err
	}
	day, err := tokenComponent(token, "day", 6, 8, 1, 31)
	if err != nil {
		return time.Time{}, err
	}
	hour, err := tokenComponent(token, "hour", 8, 10, 0, 23)
	if err != nil {
		return time.Time{}, err
	}

	return time.Date(year, time.Month(month), day, hour, 0, 0, 0, time.UTC), nil
}

// FormatDateToken renders t, converted to UTC, as a yyyymmddhh token.
func FormatDateToken(t time.Time) string {
	return t.UTC().Format("2006010215")
}

func tokenComponent(token, name string, from, to, lowest, highest int) (int, error) {
	raw := token[from:to]
	value, err := strconv.Atoi(raw)
	if err != nil || strings.ContainsAny(raw, "+-") {
		return 0, fmt.Errorf("%w: %s %q is not numeric", ErrOutOfRange, name, raw)
	}
	if value < lowest || value > highest {
		return 0, fmt.Errorf("%w: %s %d outside %d-%d", ErrOutOfRange, name, value, lowest, highest)
	}
	return value, nil
}
