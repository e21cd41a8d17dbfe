package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIntDefault(t *testing.T) {
	cases := map[string]int{"": 7, "12": 12, "x": 7, "-3": -3, " 4 ": 4}
	for in, want := range cases {
		assert.Equal(t, want, ParseIntDefault(in, 7), "input %q", in)
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 200, ParseLimit("", 200, 1000))
	assert.Equal(t, 50, ParseLimit("50", 200, 1000))
	assert.Equal(t, 1000, ParseLimit("1000", 200, 1000))
	assert.Equal(t, 200, ParseLimit("1001", 200, 1000))
	assert.Equal(t, 200, ParseLimit("0", 200, 1000))
	assert.Equal(t, 200, ParseLimit("-1", 200, 1000))
}
