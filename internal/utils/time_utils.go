package utils

import (
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime parses config durations such as "1500ms", "1.5s", "8s", "2m" or "1d".
// Invalid strings are logged and yield 0.
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.TrimSpace(strings.ToLower(timeString))
	if timeString == "" {
		return 0
	}
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.ParseFloat(cutString, 64)
		if err != nil {
			logger.ErrorF("Error parsing time string %q: %v", timeString, err)
			return 0
		}
		return time.Duration(number * float64(24*time.Hour))
	}
	duration, err := time.ParseDuration(timeString)
	if err != nil {
		logger.ErrorF("invalid time format: %s", timeString)
		return 0
	}
	return duration
}

// Seconds renders a duration as fractional seconds for log lines.
func Seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 2, 64) + "s"
}
