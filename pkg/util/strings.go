package util

import (
	"strconv"
	"strings"
)

// ParseIntDefault parses s, falling back to def when s is empty or not a number.
func ParseIntDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// ParseLimit parses a page size in (0, max]. Anything else yields def.
func ParseLimit(s string, def, max int) int {
	v := ParseIntDefault(s, def)
	if v <= 0 || v > max {
		return def
	}
	return v
}
