// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/pkg/errors"
)

// ConfigEnvVar is the environment variable read by DefaultConfig.
const ConfigEnvVar = "GRAPHRT_CONFIG"

// Strategy defines how far a failure propagates.
type Strategy int

const (
	// Pipeline aborts the whole graph on the first failure: later invocations fail
	// immediately until Graph.Reset is called.
	Pipeline Strategy = iota

	// Step aborts only the invocation that failed.
	Step
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case Pipeline:
		return "pipeline"
	case Step:
		return "step"
	}
	return "Strategy(" + strconv.Itoa(int(s)) + ")"
}

// Config of the execution of a graph.
type Config struct {
	Strategy Strategy

	// Parallelism is the maximum number of goroutines draining actor mailboxes.
	// 0 runs every actor inline in the goroutine that sends it a message, -1 is unlimited.
	Parallelism int

	// DeviceType of the device context created for the graph.
	DeviceType device.Type

	// PoolLimit is the maximum number of bytes in use in the device pool. 0 for no limit.
	PoolLimit int
}

// NewConfig parses a configuration string of comma-separated "key=value" options. The keys are:
//
//   - "strategy": "pipeline" (default) or "step".
//   - "parallelism": number of goroutines draining actor mailboxes. Defaults to runtime.NumCPU().
//     Use 0 to run actors inline, -1 for unlimited.
//   - "device": "cpu" (default), "gpu" or "ascend".
//   - "pool_limit": maximum bytes in use in the device memory pool, e.g. "64MiB". Defaults to no limit.
//
// Example: "strategy=step,parallelism=4,pool_limit=1GB".
//
// Unknown keys are an error.
func NewConfig(config string) (Config, error) {
	c := Config{
		Strategy:    Pipeline,
		Parallelism: runtime.NumCPU(),
		DeviceType:  device.CPU,
	}
	if config == "" {
		return c, nil
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return c, errors.Errorf("invalid configuration option %q in %q: expected key=value", part, config)
		}
		switch key {
		case "strategy":
			switch value {
			case "pipeline":
				c.Strategy = Pipeline
			case "step":
				c.Strategy = Step
			default:
				return c, errors.Errorf("invalid strategy %q in configuration %q, valid values are \"pipeline\" or \"step\"", value, config)
			}
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil || parallelism < -1 {
				return c, errors.Errorf("invalid parallelism %q in configuration %q", value, config)
			}
			c.Parallelism = parallelism
		case "device":
			deviceType, err := device.ParseType(value)
			if err != nil {
				return c, errors.WithMessagef(err, "configuration %q", config)
			}
			c.DeviceType = deviceType
		case "pool_limit":
			limit, err := humanize.ParseBytes(value)
			if err != nil {
				return c, errors.Wrapf(err, "invalid pool_limit %q in configuration %q", value, config)
			}
			c.PoolLimit = int(limit)
		default:
			return c, errors.Errorf("unknown configuration option %q in %q", key, config)
		}
	}
	return c, nil
}

// DefaultConfig returns the configuration given by the environment variable GRAPHRT_CONFIG, or the
// defaults if it is not set. See NewConfig for the format.
func DefaultConfig() (Config, error) {
	return NewConfig(os.Getenv(ConfigEnvVar))
}

// String returns the configuration in the format accepted by NewConfig.
func (c Config) String() string {
	parts := []string{
		"strategy=" + c.Strategy.String(),
		"parallelism=" + strconv.Itoa(c.Parallelism),
		"device=" + c.DeviceType.String(),
	}
	if c.PoolLimit > 0 {
		parts = append(parts, "pool_limit="+strconv.Itoa(c.PoolLimit))
	}
	return strings.Join(parts, ",")
}
