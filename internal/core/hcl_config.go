package core

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// hclConfig mirrors the configuration keys. Values are decoded as strings so
// they are validated by the same rules as flags and environment variables.
type hclConfig struct {
	Interval       *string `hcl:"interval,optional"`
	Timeout        *string `hcl:"timeout,optional"`
	RTTThreshold   *string `hcl:"rtt_threshold,optional"`
	ViolationLimit *string `hcl:"violation_limit,optional"`
	KillGrace      *string `hcl:"kill_grace,optional"`
	Journal        *string `hcl:"journal,optional"`
	PTY            *string `hcl:"pty,optional"`
	Verbose        *string `hcl:"verbose,optional"`
}

// LoadFile decodes an HCL configuration file into a map of the keys it sets.
// The file name must end in .hcl (or .json for the JSON variant).
func LoadFile(filename string) (map[string]any, error) {
	if _, err := os.Stat(filename); err != nil {
		return nil, err
	}

	var hclCfg hclConfig
	if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	values := make(map[string]any)
	set := func(key string, v *string) {
		if v != nil {
			values[key] = *v
		}
	}
	set("interval", hclCfg.Interval)
	set("timeout", hclCfg.Timeout)
	set("rtt_threshold", hclCfg.RTTThreshold)
	set("violation_limit", hclCfg.ViolationLimit)
	set("kill_grace", hclCfg.KillGrace)
	set("journal", hclCfg.Journal)
	set("pty", hclCfg.PTY)
	set("verbose", hclCfg.Verbose)

	return values, nil
}
