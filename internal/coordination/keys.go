package coordination

import (
	"fmt"
	"time"
)

// Key layout. These names are observed by operational tooling (redis-cli
// spot checks, dashboards), so they are part of the external contract.
// Bucket boundaries align to UTC calendar time.

const (
	// HourlyUsageTTL outlives the hour bucket plus a small grace.
	HourlyUsageTTL = 3700 * time.Second
	// DailyUsageTTL outlives the day bucket plus a small grace.
	DailyUsageTTL = 90000 * time.Second
	// RateLimitTTL is the per-agent minute window.
	RateLimitTTL = 60 * time.Second
)

// ReservationKey holds the live lock for one caller-ID.
func ReservationKey(number string) string {
	return "reservation:" + number
}

// HourlyUsageKey is the sliding hour-bucket counter for one caller-ID.
func HourlyUsageKey(number string, now time.Time) string {
	return fmt.Sprintf("usage:hourly:%s:%s", number, now.UTC().Format("2006010215"))
}

// DailyUsageKey is the day-bucket counter for one caller-ID.
func DailyUsageKey(number string, now time.Time) string {
	return fmt.Sprintf("usage:daily:%s:%s", number, now.UTC().Format("20060102"))
}

// RateLimitKey is the per-agent request counter for the current minute.
func RateLimitKey(agent string, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s", agent, now.UTC().Format("200601021504"))
}
