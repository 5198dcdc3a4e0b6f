package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize accepts plain byte counts or values with a decimal (kb, mb, gb, tb) or
// binary (kib, mib, gib, tib) suffix. An empty string yields defaultBytes.
func ParseSize(value string, defaultBytes int64) (int64, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return defaultBytes, nil
	}
	split := strings.IndexFunc(trimmed, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if split < 0 {
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse size %q: %w", value, err)
		}
		return n, nil
	}
	num, err := strconv.ParseFloat(trimmed[:split], 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", value, err)
	}
	var multiplier float64
	switch strings.TrimSpace(trimmed[split:]) {
	case "b":
		multiplier = 1
	case "kb":
		multiplier = 1e3
	case "mb":
		multiplier = 1e6
	case "gb":
		multiplier = 1e9
	case "tb":
		multiplier = 1e12
	case "kib":
		multiplier = 1 << 10
	case "mib":
		multiplier = 1 << 20
	case "gib":
		multiplier = 1 << 30
	case "tib":
		multiplier = 1 << 40
	default:
		return 0, fmt.Errorf("parse size %q: unknown unit", value)
	}
	return int64(num * multiplier), nil
}
