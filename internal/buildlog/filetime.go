package buildlog

import (
	"strconv"
	"time"
)

// FILETIME counts 100ns intervals since 1601-01-01 UTC.
const (
	filetimeTicksPerSecond = 10_000_000
	// Seconds between 1601-01-01 and the Unix epoch.
	filetimeEpochDelta = 11_644_473_600
)

// ParseTime decodes a FILETIME token, returning fallback when it is not an
// integer.
func ParseTime(token string, fallback time.Time) time.Time {
	ft, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return fallback
	}
	return FromFiletime(ft)
}

// FromFiletime converts a FILETIME value to a time.Time.
func FromFiletime(ft int64) time.Time {
	secs := ft/filetimeTicksPerSecond - filetimeEpochDelta
	nanos := (ft % filetimeTicksPerSecond) * 100
	return time.Unix(secs, nanos).UTC()
}

// ToFiletime is the inverse of FromFiletime.
func ToFiletime(t time.Time) int64 {
	return (t.Unix()+filetimeEpochDelta)*filetimeTicksPerSecond + int64(t.Nanosecond())/100
}
