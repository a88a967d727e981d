package syncer

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// Timeout is the maximum duration of a sync request, including
	// receiving all operations from each target.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxTargets is the maximum number of peers to sync with concurrently.
	MaxTargets int `json:"max_targets" yaml:"max_targets"`

	// ChunkSize is the number of operations in each response chunk.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:    time.Second * 30,
		MaxTargets: 3,
		ChunkSize:  128,
	}
}

func (c *Config) Validate() error {
	if c.Timeout == 0 {
		return fmt.Errorf("missing timeout")
	}
	if c.MaxTargets < 1 {
		return fmt.Errorf("max targets must be at least 1")
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".sync."

	fs.DurationVar(
		&c.Timeout,
		prefix+"timeout",
		c.Timeout,
		`
The maximum duration of a sync request.

If no target completes within the timeout the request fails.`,
	)

	fs.IntVar(
		&c.MaxTargets,
		prefix+"max-targets",
		c.MaxTargets,
		`
The maximum number of peers to request operations from in each sync.

Targets are selected at random from the connected peers, or from the
discovered peers if none are connected.`,
	)

	fs.IntVar(
		&c.ChunkSize,
		prefix+"chunk-size",
		c.ChunkSize,
		`
The number of operations sent in each chunk of a sync response.`,
	)
}
