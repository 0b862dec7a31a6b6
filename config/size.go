package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Size suffix multipliers: k, M, G, T are decimal; Ki, Mi, Gi, Ti are
// binary. The meaning of a bare number depends on the parser: gigabytes for
// ParseSize, bytes for parseSizeBytes. 0 means unlimited.
var sizeSuffixes = map[string]int64{
	"k":  1000,
	"M":  1000 * 1000,
	"G":  1000 * 1000 * 1000,
	"T":  1000 * 1000 * 1000 * 1000,
	"Ki": 1024,
	"Mi": 1024 * 1024,
	"Gi": 1024 * 1024 * 1024,
	"Ti": 1024 * 1024 * 1024 * 1024,
}

// ParseSize parses a command-line size argument such as "500M", "2Gi" or
// "0". The suffix is case-sensitive; a number without a suffix is
// interpreted as gigabytes (the --max-size default).
func ParseSize(s string) (int64, error) {
	return parseSize(s, sizeSuffixes["G"])
}

// parseSizeBytes parses a configuration-file size value. A number without a
// suffix is plain bytes, so persisted values round-trip exactly.
func parseSizeBytes(s string) (int64, error) {
	return parseSize(s, 1)
}

func parseSize(s string, defaultMult int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", ErrInvalid)
	}

	numEnd := len(s)
	for i, c := range s {
		if c < '0' || c > '9' {
			numEnd = i
			break
		}
	}
	if numEnd == 0 {
		return 0, fmt.Errorf("%w: bad size %q", ErrInvalid, s)
	}

	value, err := strconv.ParseInt(s[:numEnd], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad size %q", ErrInvalid, s)
	}

	mult := defaultMult
	if suffix := s[numEnd:]; suffix != "" {
		var ok bool
		mult, ok = sizeSuffixes[suffix]
		if !ok {
			return 0, fmt.Errorf("%w: bad size suffix %q", ErrInvalid, suffix)
		}
	}
	if value > 0 && value > (1<<62)/mult {
		return 0, fmt.Errorf("%w: size %q overflows", ErrInvalid, s)
	}
	return value * mult, nil
}

// FormatSize renders a byte count with a decimal suffix, for stats output.
func FormatSize(n int64) string {
	switch {
	case n >= 1000*1000*1000*1000:
		return fmt.Sprintf("%.1f T", float64(n)/1e12)
	case n >= 1000*1000*1000:
		return fmt.Sprintf("%.1f G", float64(n)/1e9)
	case n >= 1000*1000:
		return fmt.Sprintf("%.1f M", float64(n)/1e6)
	case n >= 1000:
		return fmt.Sprintf("%.1f k", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
