package size

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	cases := map[string]int64{
		"100b":  100,
		"512kb": 512 * 1024,
		"64mb":  64 * 1024 * 1024,
		"1gb":   1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"100", "100B", "1.5mb", "-1b", "1tb"} {
		_, err := Parse(in)
		require.Error(t, err, in)
	}
}
