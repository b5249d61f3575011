package duration

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	cases := map[string]time.Duration{
		"500ms": 500 * time.Millisecond,
		"30s":   30 * time.Second,
		"5m":    5 * time.Minute,
		"1h":    time.Hour,
		"7d":    7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseMillis_Exact(t *testing.T) {
	got, err := ParseMillis("30s")
	require.NoError(t, err)
	assert.Equal(t, int64(30000), got)
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"1.5h", "5S", "-1s", "30", "30x", " 30s", "30s "} {
		_, err := Parse(in)
		require.Error(t, err, in)
		var pe *ParseError
		require.True(t, errors.As(err, &pe), in)
		assert.Equal(t, in, pe.Input)
	}
}
