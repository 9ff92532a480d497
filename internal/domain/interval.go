package domain

import (
	"fmt"
	"regexp"
	"time"
)

var intervalRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// FormatInterval renders a duration in the compact form used on the wire and
// in storage: "2d", "3h", "15m", "10s". The largest exact unit wins.
func FormatInterval(d time.Duration) string {
	sec := int64(d / time.Second)
	switch {
	case sec%86400 == 0:
		return fmt.Sprintf("%dd", sec/86400)
	case sec%3600 == 0:
		return fmt.Sprintf("%dh", sec/3600)
	case sec%60 == 0:
		return fmt.Sprintf("%dm", sec/60)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}

// ParseInterval parses the compact interval form produced by FormatInterval.
func ParseInterval(s string) (time.Duration, error) {
	m := intervalRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid interval format: %q", s)
	}
	var n int64
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid interval format: %q", s)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}
