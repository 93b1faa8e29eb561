package dist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRank(t *testing.T) {
	cases := []struct {
		value string
		rank  int
	}{
		{"0", 0},
		{"3", 3},
		{"bogus", 0},
		{"-1", 0},
	}
	for _, tc := range cases {
		t.Setenv(RankEnv, tc.value)
		assert.Equal(t, tc.rank, Rank(), tc.value)
		assert.Equal(t, tc.rank == 0, IsMainProcess(), tc.value)
	}
}
