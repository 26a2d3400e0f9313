package tdd

import (
	"strconv"
	"strings"
)

// ParseChannels reads a channel list such as "0", "0,1" or "\"0\",'1'".
// Quotes and commas both separate indices; empty tokens between separators
// are skipped.
func ParseChannels(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '"' || r == '\''
	})
	var out []int
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		ch, err := strconv.Atoi(f)
		if err != nil || ch < 0 {
			return nil, configErrorf("malformed channel %q in list %q", f, s)
		}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, configErrorf("empty channel list %q", s)
	}
	return out, nil
}

// ValidateChannels checks every index against both directions of the device.
func ValidateChannels(channels []int, txCount, rxCount int) error {
	if len(channels) == 0 {
		return configErrorf("no channels selected")
	}
	seen := make(map[int]bool, len(channels))
	for _, ch := range channels {
		if ch < 0 || ch >= txCount || ch >= rxCount {
			return configErrorf("invalid channel %d (device has %d TX and %d RX channels)", ch, txCount, rxCount)
		}
		if seen[ch] {
			return configErrorf("channel %d listed twice", ch)
		}
		seen[ch] = true
	}
	return nil
}
