package command

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/poolrefcnt/poolrefcnt/pkg/pool"
)

// ParseShardRange decodes a "-r N-M" flag value (0<=N<=M<=255) into a top
// shard range [N/2, M/2], the same lossy integer-division mapping used
// historically: "-r 0-1" and "-r 0-0" both yield [0,0]. An empty string
// selects the default full range.
func ParseShardRange(s string) (pool.Range, error) {
	if s == "" {
		return pool.DefaultRange(), nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return pool.Range{}, errors.Errorf("malformed shard range %q, want N-M", s)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return pool.Range{}, errors.Wrapf(err, "malformed shard range %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return pool.Range{}, errors.Wrapf(err, "malformed shard range %q", s)
	}
	if n < 0 || m > 255 || n > m {
		return pool.Range{}, errors.Errorf("shard range %q out of bounds: want 0<=N<=M<=255", s)
	}
	return pool.Range{Start: n / 2, End: m / 2}, nil
}
