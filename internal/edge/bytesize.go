package edge

import (
	"fmt"
	"strconv"
	"strings"
)

// parseBytes parses sizes such as "512", "64kb", "10mb" or "1.5g".
// Units are binary (1kb == 1024 bytes).
func parseBytes(s string) (int64, error) {
	raw := s
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %q", raw)
	}
	return int64(v * float64(mult)), nil
}
