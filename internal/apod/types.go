// Package apod defines the picture-of-the-day record shared by every stage of
// the pipeline and the rules a record must satisfy before it reaches a sink.
package apod

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date format used on the wire, in the keyed store
// and in the snapshot.
const DateLayout = "2006-01-02"

// MediaType classifies the primary asset of a record.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Valid reports whether m is one of the known media types.
func (m MediaType) Valid() bool {
	return m == MediaImage || m == MediaVideo
}

// RawRecord is the decoded JSON object returned by the upstream API.
type RawRecord map[string]any

// Record is a normalized picture-of-the-day entry keyed by Date.
type Record struct {
	Date        time.Time `json:"date"`
	Title       string    `json:"title"`
	Explanation string    `json:"explanation"`
	URL         string    `json:"url"`
	HDURL       string    `json:"hdurl"`
	MediaType   MediaType `json:"media_type"`
	Copyright   string    `json:"copyright"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Key returns the record's unique key, its calendar date.
func (r Record) Key() string {
	return FormatDate(r.Date)
}

// ParseDate parses a YYYY-MM-DD string into UTC midnight of that day.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders t as YYYY-MM-DD. The zero time renders as "".
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// Day truncates t to UTC midnight of its calendar date in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
