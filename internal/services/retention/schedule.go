package retention

import (
	"fmt"
	"strings"
	"time"
)

// ParseSchedule normalizes a schedule string into a cron spec accepted by
// the service parser. Intervals become "@every" descriptors.
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", fmt.Errorf("cron schedule required after 'cron:'")
		}
		return expr, nil
	}
	if strings.HasPrefix(low, "every:") {
		return every(strings.TrimSpace(s[len("every:"):]))
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return s, nil
	}
	if spec, err := every(s); err == nil {
		return spec, nil
	}
	return "", fmt.Errorf("invalid schedule %q (use cron like '0 4 * * *' or duration like '6h')", raw)
}

func every(v string) (string, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return "", fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return "@every " + d.String(), nil
}
