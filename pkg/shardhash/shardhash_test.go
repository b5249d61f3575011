package shardhash

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestVector pins the cross-language-stable vector from the spec: the
// FNV-1a hash of "abc" modulo 8 must always be 3.
func TestVector(t *testing.T) {
	if got := Of("abc", 8); got != 3 {
		t.Fatalf("Of(%q, 8) = %d, want 3", "abc", got)
	}
}

func TestHashProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("stable across repeated calls", prop.ForAll(
		func(id string, shardCount int) bool {
			return Of(id, shardCount) == Of(id, shardCount)
		},
		gen.AnyString(),
		gen.IntRange(1, 64),
	))

	properties.Property("always within [0, shardCount)", prop.ForAll(
		func(id string, shardCount int) bool {
			got := Of(id, shardCount)
			return got >= 0 && got < shardCount
		},
		gen.AnyString(),
		gen.IntRange(1, 64),
	))

	properties.Property("non-positive shardCount always maps to 0", prop.ForAll(
		func(id string, shardCount int) bool {
			return Of(id, shardCount) == 0
		},
		gen.AnyString(),
		gen.IntRange(-64, 0),
	))

	properties.TestingRun(t)
}
