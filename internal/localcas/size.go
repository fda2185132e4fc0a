package localcas

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Size is a configured amount of disk space: either absolute bytes or a
// percentage of the volume holding the cache. The zero value means unlimited.
type Size struct {
	Bytes   int64
	Percent float64
}

func (s Size) Unlimited() bool { return s.Bytes <= 0 && s.Percent <= 0 }

// Resolve converts s to bytes for a volume of the given total size. It
// returns -1 when s is unlimited, or when s is a percentage and the volume
// size is unknown.
func (s Size) Resolve(volumeTotal int64) int64 {
	if s.Percent > 0 {
		if volumeTotal <= 0 {
			return -1
		}
		return int64(float64(volumeTotal) * s.Percent / 100)
	}
	if s.Bytes > 0 {
		return s.Bytes
	}
	return -1
}

func (s Size) String() string {
	switch {
	case s.Percent > 0:
		return strconv.FormatFloat(s.Percent, 'f', -1, 64) + "%"
	case s.Bytes > 0:
		return strconv.FormatInt(s.Bytes, 10)
	default:
		return "infinity"
	}
}

var sizePattern = regexp.MustCompile(`^([0-9]+\.?[0-9]*)([KMGT%]?)$`)

// ParseSize accepts "infinity", plain byte counts, K/M/G/T suffixed sizes
// (binary multiples) and percentages such as "50%".
func ParseSize(raw string) (Size, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "infinity") {
		return Size{}, nil
	}
	m := sizePattern.FindStringSubmatch(strings.ToUpper(raw))
	if m == nil {
		return Size{}, fmt.Errorf("%q is not a valid data size (e.g. 800M, 10G, 1T, 50%%)", raw)
	}
	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Size{}, fmt.Errorf("%q is not a valid data size: %w", raw, err)
	}
	if m[2] == "%" {
		if num > 100 {
			return Size{}, fmt.Errorf("%s%% is not a valid percentage value", m[1])
		}
		return Size{Percent: num}, nil
	}
	shift := strings.Index("KMGT", m[2]) + 1
	if m[2] == "" {
		shift = 0
	}
	bytes := num * math.Pow(1024, float64(shift))
	if bytes > math.MaxInt64 {
		return Size{}, fmt.Errorf("%q overflows", raw)
	}
	return Size{Bytes: int64(bytes)}, nil
}

// ParseFraction reads a low-watermark style value: "80%", "0.8" or "80".
func ParseFraction(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty fraction")
	}
	pct := strings.HasSuffix(raw, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fraction %q: %w", raw, err)
	}
	if pct || v > 1 {
		v /= 100
	}
	if v <= 0 || v > 1 {
		return 0, fmt.Errorf("fraction %q must be in (0, 100%%]", raw)
	}
	return v, nil
}
