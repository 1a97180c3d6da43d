package core

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BaseDirName    = ".config/pipemon"
	ConfigFileName = "config.hcl"
	EnvPrefix      = "PIPEMON"
)

// Configuration is read once at startup and never modified afterwards.
type Configuration struct {
	Interval       time.Duration // pause between probes, whole seconds
	AckTimeout     time.Duration // echo deadline, whole seconds
	RTTThreshold   time.Duration // microsecond resolution
	ViolationLimit int           // 0 disables round trip checking
	KillGrace      time.Duration // 0 waits for the child forever after SIGINT
	Journal        string        // sqlite journal path, empty when disabled
	PTY            bool
	Verbose        int

	// ConfigPath is the HCL file the values were merged from, if any.
	ConfigPath string
}

// ConfigError reports a value that failed validation, naming where it came from.
type ConfigError struct {
	Source string // e.g. "--interval", "PIPEMON_INTERVAL", "interval in /etc/pipemon.hcl"
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid value %q for %s: %s", e.Value, e.Source, e.Reason)
}

// flagToConfigKey maps command line flags to configuration keys.
var flagToConfigKey = map[string]string{
	"interval":        "interval",
	"timeout":         "timeout",
	"rtt-threshold":   "rtt_threshold",
	"violation-limit": "violation_limit",
	"kill-grace":      "kill_grace",
	"journal":         "journal",
	"pty":             "pty",
	"verbose":         "verbose",
}

var defaults = map[string]string{
	"interval":        "1",
	"timeout":         "60",
	"rtt_threshold":   "0.5",
	"violation_limit": "5",
	"kill_grace":      "10s",
	"journal":         "",
	"pty":             "false",
	"verbose":         "0",
}

// RegisterFlags adds the configuration flags to flags.
// Numeric values are taken as strings so they get the same validation as
// environment and file values.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("interval", defaults["interval"], "Seconds to wait between probes")
	flags.String("timeout", defaults["timeout"], "Seconds to wait for a probe echo")
	flags.String("rtt-threshold", defaults["rtt_threshold"], "Round trip in seconds above which a probe counts as a violation")
	flags.String("violation-limit", defaults["violation_limit"], "Consecutive violations tolerated (0 disables round trip checking)")
	flags.String("kill-grace", defaults["kill_grace"], "How long to wait after SIGINT before killing the child (0 waits forever)")
	flags.String("journal", defaults["journal"], "Record sessions in this sqlite file")
	flags.Bool("pty", false, "Connect the child through a pseudo-terminal")
	flags.String("config", "", "HCL configuration file (default ~/"+BaseDirName+"/"+ConfigFileName+" if present)")
	flags.CountP("verbose", "v", "Increase log verbosity")
}

// Load resolves the configuration from defaults, the HCL file, PIPEMON_*
// environment variables and flags, in increasing order of precedence.
func Load(flags *pflag.FlagSet) (*Configuration, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	for key, def := range defaults {
		v.SetDefault(key, def)
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	configPath, explicit, err := resolveConfigPath(flags)
	if err != nil {
		return nil, err
	}
	var fileValues map[string]any
	if configPath != "" {
		fileValues, err = LoadFile(configPath)
		if err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				configPath = ""
			} else {
				return nil, err
			}
		}
	}
	if err := v.MergeConfigMap(fileValues); err != nil {
		return nil, fmt.Errorf("failed to merge config file: %w", err)
	}

	if flags != nil {
		for name, key := range flagToConfigKey {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	r := resolver{v: v, flags: flags, file: configPath, fileValues: fileValues}
	cfg := &Configuration{ConfigPath: configPath}

	cfg.Interval = r.seconds("interval")
	cfg.AckTimeout = r.seconds("timeout")
	cfg.RTTThreshold = r.threshold("rtt_threshold")
	cfg.ViolationLimit = r.count("violation_limit")
	cfg.KillGrace = r.duration("kill_grace")
	cfg.Journal = expandPath(v.GetString("journal"))
	cfg.PTY = r.boolean("pty")
	cfg.Verbose = r.count("verbose")

	if r.err != nil {
		return nil, r.err
	}
	return cfg, nil
}

// resolveConfigPath returns the HCL file to read and whether the user named it.
func resolveConfigPath(flags *pflag.FlagSet) (string, bool, error) {
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Changed {
			return expandPath(f.Value.String()), true, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, nil
	}
	return filepath.Join(home, BaseDirName, ConfigFileName), false, nil
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// resolver parses raw values and keeps the first validation failure.
type resolver struct {
	v          *viper.Viper
	flags      *pflag.FlagSet
	file       string
	fileValues map[string]any
	err        error
}

// source names the layer that supplied key, mirroring viper's precedence.
func (r *resolver) source(key string) string {
	if r.flags != nil {
		for name, k := range flagToConfigKey {
			if k != key {
				continue
			}
			if f := r.flags.Lookup(name); f != nil && f.Changed {
				return "--" + name
			}
		}
	}
	env := EnvPrefix + "_" + strings.ToUpper(key)
	if val, ok := os.LookupEnv(env); ok && val != "" {
		return env
	}
	if _, ok := r.fileValues[key]; ok {
		return fmt.Sprintf("%s in %s", key, r.file)
	}
	return key + " default"
}

func (r *resolver) fail(key, raw, reason string) {
	if r.err == nil {
		r.err = &ConfigError{Source: r.source(key), Value: raw, Reason: reason}
	}
}

func (r *resolver) raw(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

// count parses a non-negative integer.
func (r *resolver) count(key string) int {
	raw := r.raw(key)
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		r.fail(key, raw, "not an integer")
		return 0
	}
	if n < 0 {
		r.fail(key, raw, "must not be negative")
		return 0
	}
	return int(n)
}

// seconds parses a non-negative whole number of seconds.
func (r *resolver) seconds(key string) time.Duration {
	raw := r.raw(key)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.fail(key, raw, "not a whole number of seconds")
		return 0
	}
	if n < 0 {
		r.fail(key, raw, "must not be negative")
		return 0
	}
	if n > math.MaxInt64/int64(time.Second) {
		r.fail(key, raw, "too large")
		return 0
	}
	return time.Duration(n) * time.Second
}

// threshold parses decimal seconds with microsecond resolution.
func (r *resolver) threshold(key string) time.Duration {
	raw := r.raw(key)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		r.fail(key, raw, "not a number of seconds")
		return 0
	}
	if f < 1e-6 {
		r.fail(key, raw, "must be at least one microsecond")
		return 0
	}
	us := math.Round(f * 1e6)
	if us > float64(math.MaxInt64/int64(time.Microsecond)) {
		r.fail(key, raw, "too large")
		return 0
	}
	return time.Duration(us) * time.Microsecond
}

func (r *resolver) duration(key string) time.Duration {
	raw := r.raw(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, raw, "not a duration")
		return 0
	}
	if d < 0 {
		r.fail(key, raw, "must not be negative")
		return 0
	}
	return d
}

func (r *resolver) boolean(key string) bool {
	raw := r.raw(key)
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, raw, "not a boolean")
		return false
	}
	return b
}
