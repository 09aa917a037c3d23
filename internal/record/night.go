package record

import (
	"fmt"
	"regexp"
	"time"
)

// Exposure names are ISO timestamps with millisecond precision, as produced
// by the instrument archive.
const (
	ExposureLayout = "2006-01-02T15:04:05.000"
	DateLayout     = "2006-01-02"
)

var exposurePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}`)

// nightBoundary is the local time at which a new observing night starts.
// Exposures taken before it are attributed to the previous calendar date,
// so post-midnight frames stay with the night they belong to.
var nightBoundary = 20*time.Hour + 40*time.Minute

// NightOf returns the observing-night label for an exposure start time.
func NightOf(dateObs time.Time) string {
	night := dateObs
	midnight := time.Date(night.Year(), night.Month(), night.Day(), 0, 0, 0, 0, night.Location())
	if night.Sub(midnight) < nightBoundary {
		night = night.AddDate(0, 0, -1)
	}
	return night.Format(DateLayout)
}

// ExposureName extracts the exposure identifier from a file name, or ""
// when the name carries no timestamp.
func ExposureName(filename string) string {
	return exposurePattern.FindString(filename)
}

// ParseExposure parses an exposure identifier into its start time.
func ParseExposure(name string) (time.Time, error) {
	t, err := time.Parse(ExposureLayout, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse exposure %q: %w", name, err)
	}
	return t, nil
}

// ParseDate parses a night or calendar date label.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}
