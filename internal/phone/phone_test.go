package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+1 (212) 555-1001", "12125551001"},
		{"212.555.1001", "2125551001"},
		{"2125551001", "2125551001"},
		{"abc", ""},
		{"", ""},
		{"555 1234", "5551234"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Normalize(c.in), "input %q", c.in)
	}
}

func TestAreaCode(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"2125551001", "212"},
		{"12125551001", "212"}, // leading country code stripped
		{"5551234", ""},        // 7 digits: no area code
		{"22125551001", ""},    // 11 digits not starting with 1
		{"441632960961", ""},   // 12 digits
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, AreaCode(c.in), "input %q", c.in)
	}
}

func TestValidDestination(t *testing.T) {
	assert.True(t, ValidDestination("5551234"))
	assert.True(t, ValidDestination("123456789012345"))
	assert.False(t, ValidDestination("555123"))
	assert.False(t, ValidDestination("1234567890123456"))
	assert.False(t, ValidDestination(""))
}

func TestValidCallerID(t *testing.T) {
	assert.True(t, ValidCallerID("2125551001"))
	assert.False(t, ValidCallerID("5551234"))
}
