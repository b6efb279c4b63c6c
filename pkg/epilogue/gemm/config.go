// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EVT_GEMM_CONFIG is the environment variable with the default configuration of the pipeline.
//
// The format is a comma-separated list of "key=value" pairs, see ParseConfig.
const EVT_GEMM_CONFIG = "EVT_GEMM_CONFIG"

// DefaultConfigString, if set, is used by ConfigFromEnv when EVT_GEMM_CONFIG is not defined.
var DefaultConfigString string

// Config of the reference pipeline.
type Config struct {
	// Tile is the shape of the output tiles handed to the epilogue.
	Tile tile.Shape

	// Workers is the number of workers running the epilogue of one tile in lockstep.
	Workers int

	// FragmentSize is the number of elements of a tile visited at once by a worker. 0 splits the tile
	// evenly among the workers.
	FragmentSize int

	// Stages is the depth of the staging ring of the output D.
	Stages int

	// Parallelism is the soft limit of tile groups run in parallel: 0 runs them inline, -1 is unlimited.
	Parallelism int

	// Async issues the copies of staged tiles on their own goroutines, instead of inline.
	Async bool

	// KernelRows (Mr) and KernelCols (Nr) are the shape of the register-blocked micro-kernel, and
	// PanelDepth (Kc) the depth of the packed panels along the contracting axis.
	KernelRows, KernelCols, PanelDepth int
}

// DefaultConfig returns the default configuration: 32x32 tiles with 2 workers each, and one tile group
// per CPU.
func DefaultConfig() Config {
	return Config{
		Tile:        tile.Shape{M: 32, N: 32},
		Workers:     2,
		Stages:      fusion.DefaultStages,
		Parallelism: runtime.NumCPU(),
		KernelRows:  4,
		KernelCols:  4,
		PanelDepth:  256,
	}
}

// ParseConfig parses a configuration string, a comma-separated list of "key=value" pairs, on top of
// DefaultConfig. Keys:
//
//   - tile: tile shape as "<M>x<N>", e.g. "tile=64x32";
//   - workers, fragment, stages, parallelism: integers;
//   - async: boolean, "async" alone means true;
//   - kernel: micro-kernel shape as "<Mr>x<Nr>";
//   - depth: depth of the packed panels.
func ParseConfig(config string) (Config, error) {
	cfg := DefaultConfig()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		var err error
		switch key {
		case "tile":
			cfg.Tile.M, cfg.Tile.N, err = parseShape(value)
		case "kernel":
			cfg.KernelRows, cfg.KernelCols, err = parseShape(value)
		case "workers":
			cfg.Workers, err = strconv.Atoi(value)
		case "fragment":
			cfg.FragmentSize, err = strconv.Atoi(value)
		case "stages":
			cfg.Stages, err = strconv.Atoi(value)
		case "parallelism":
			cfg.Parallelism, err = strconv.Atoi(value)
		case "depth":
			cfg.PanelDepth, err = strconv.Atoi(value)
		case "async":
			cfg.Async = true
			if hasValue {
				cfg.Async, err = strconv.ParseBool(value)
			}
		default:
			return cfg, errors.Errorf("unknown key %q in gemm configuration %q", key, config)
		}
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid value for %q in gemm configuration %q", key, config)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.WithMessagef(err, "gemm configuration %q", config)
	}
	return cfg, nil
}

func parseShape(value string) (rows, cols int, err error) {
	m, n, found := strings.Cut(strings.ToLower(value), "x")
	if !found {
		return 0, 0, errors.Errorf("shape %q must be formatted as <rows>x<cols>", value)
	}
	if rows, err = strconv.Atoi(m); err != nil {
		return
	}
	cols, err = strconv.Atoi(n)
	return
}

// ConfigFromEnv returns the configuration given by the environment variable EVT_GEMM_CONFIG, or
// else by DefaultConfigString, or else DefaultConfig.
//
// An invalid configuration is logged and DefaultConfig is used instead.
func ConfigFromEnv() Config {
	config, found := os.LookupEnv(EVT_GEMM_CONFIG)
	if !found {
		config = DefaultConfigString
	}
	cfg, err := ParseConfig(config)
	if err != nil {
		klog.Warningf("Using the default gemm configuration: %+v", err)
		return DefaultConfig()
	}
	return cfg
}

// Validate returns an error if the configuration can't be used.
func (c Config) Validate() error {
	if c.Tile.M <= 0 || c.Tile.N <= 0 {
		return errors.Errorf("invalid tile shape %s", c.Tile)
	}
	if c.Workers <= 0 {
		return errors.Errorf("workers must be > 0, got %d", c.Workers)
	}
	if c.FragmentSize < 0 || c.Stages < 0 {
		return errors.Errorf("fragment (%d) and stages (%d) must be >= 0", c.FragmentSize, c.Stages)
	}
	if c.KernelRows <= 0 || c.KernelCols <= 0 || c.PanelDepth <= 0 {
		return errors.Errorf("invalid micro-kernel %dx%d with depth %d", c.KernelRows, c.KernelCols, c.PanelDepth)
	}
	return nil
}

// Fusion returns the configuration of an epilogue kernel run by this pipeline on problem.
func (c Config) Fusion(problem tile.Problem) fusion.Config {
	return fusion.Config{
		Problem:      problem,
		Tile:         c.Tile,
		Workers:      c.Workers,
		FragmentSize: c.FragmentSize,
		StagesD:      c.Stages,
	}
}

// String implements fmt.Stringer, in the format accepted by ParseConfig.
func (c Config) String() string {
	return fmt.Sprintf("tile=%dx%d,workers=%d,fragment=%d,stages=%d,parallelism=%d,async=%t,kernel=%dx%d,depth=%d",
		c.Tile.M, c.Tile.N, c.Workers, c.FragmentSize, c.Stages, c.Parallelism, c.Async,
		c.KernelRows, c.KernelCols, c.PanelDepth)
}
