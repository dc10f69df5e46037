package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Retry intervals travel on the wire as ISO 8601 durations restricted
// to time components (PT30S, PT5M, PT1H30M). Date components have no
// place in a backoff schedule and are rejected.
var intervalPattern = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?$`)

// ParseInterval parses a retry interval. A zero interval is rejected: a
// backoff with no delay is a misconfigured policy, not a schedule.
func ParseInterval(s string) (time.Duration, error) {
	m := intervalPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("interval %q is not an ISO 8601 time duration (expected a form like PT30S)", s)
	}

	var d time.Duration
	if m[1] != "" {
		hours, _ := strconv.Atoi(m[1])
		d += time.Duration(hours) * time.Hour
	}
	if m[2] != "" {
		minutes, _ := strconv.Atoi(m[2])
		d += time.Duration(minutes) * time.Minute
	}
	if m[3] != "" {
		seconds, _ := strconv.ParseFloat(m[3], 64)
		d += time.Duration(seconds * float64(time.Second))
	}

	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be greater than zero", s)
	}
	return d, nil
}

// FormatInterval renders a duration in the same wire form ParseInterval
// accepts. Sub-second remainders keep millisecond precision.
func FormatInterval(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}

	var b strings.Builder
	b.WriteString("PT")
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if d > 0 {
		if d%time.Second == 0 {
			fmt.Fprintf(&b, "%dS", d/time.Second)
		} else {
			fmt.Fprintf(&b, "%.3fS", d.Seconds())
		}
	}
	return b.String()
}
