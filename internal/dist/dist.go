// Package dist answers the one multi-process question the backbones ask:
// is this the process that should touch the weights on disk.
package dist

import (
	"os"
	"strconv"
)

// RankEnv is the environment variable launchers set to the process rank.
const RankEnv = "RANK"

// Rank returns the process rank, or 0 when RANK is unset or invalid.
func Rank() int {
	v, ok := os.LookupEnv(RankEnv)
	if !ok {
		return 0
	}
	rank, err := strconv.Atoi(v)
	if err != nil || rank < 0 {
		return 0
	}
	return rank
}

// IsMainProcess reports whether this is rank 0.
func IsMainProcess() bool {
	return Rank() == 0
}
