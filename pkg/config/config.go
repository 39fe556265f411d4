// Package config loads the fit configuration (pprofit.yaml) and the service
// settings used by pprofit serve.
package config

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
)

const (
	EnvPrefix       = "PPROFIT"
	ConfigName      = "pprofit"
	LocalConfigFile = "pprofit.local.yaml"
)

// Runner types.
const (
	TypeLocal  = "Local"
	TypeRemote = "Remote"
	TypePBS    = "PBS"
	TypeSGE    = "SGE"
	TypeSlurm  = "Slurm"
)

// Config is the fit configuration.
type Config struct {
	Runners map[string]RunnerConfig `mapstructure:"runners"`

	v *viper.Viper
}

// RunnerConfig is one entry of the runners section. Which keys apply
// depends on Type.
type RunnerConfig struct {
	Type          string  `mapstructure:"type"`
	NProcesses    int     `mapstructure:"nprocesses"`
	RemoteHost    string  `mapstructure:"remotehost"`
	SSHConfig     string  `mapstructure:"ssh-config"`
	RemoteCommand string  `mapstructure:"remote-command"`
	HeaderInclude string  `mapstructure:"header_include"`
	BatchSize     int     `mapstructure:"batch_size"`
	PollInterval  float64 `mapstructure:"pollinterval"` // seconds
	Debug         Debug   `mapstructure:"debug"`
}

type Debug struct {
	DisableCleanup bool `mapstructure:"disable-cleanup"`
}

// Poll returns the poll interval, or zero for the default.
func (rc RunnerConfig) Poll() time.Duration {
	return time.Duration(rc.PollInterval * float64(time.Second))
}

var (
	remoteKeys = []string{"type", "remotehost", "nprocesses", "ssh-config", "remote-command", "debug.disable-cleanup"}
	queueKeys  = []string{"type", "remotehost", "header_include", "batch_size", "pollinterval", "ssh-config", "remote-command", "debug.disable-cleanup"}

	allowedKeys = map[string][]string{
		TypeLocal:  {"type", "nprocesses"},
		TypeRemote: remoteKeys,
		TypePBS:    queueKeys,
		TypeSGE:    queueKeys,
		TypeSlurm:  queueKeys,
	}
)

// LoadConfig reads cfgFile, or pprofit.yaml (merged with pprofit.local.yaml)
// from the current directory, applies PPROFIT_ environment overrides and
// validates the runners section.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		for _, name := range []string{"pprofit.yaml", "pprofit.yml"} {
			if _, err := os.Stat(name); err == nil {
				v.SetConfigFile(name)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("reading config file %s: %w", name, err)
				}
				break
			}
		}

		if _, err := os.Stat(LocalConfigFile); err == nil {
			v.SetConfigFile(LocalConfigFile)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging local config: %w", err)
			}
		}
	}

	if err := checkKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	for name, rc := range cfg.Runners {
		if err := rc.Validate(name); err != nil {
			return nil, err
		}
	}

	cfg.v = v
	return &cfg, nil
}

// Runner returns the named runner's configuration.
func (c *Config) Runner(name string) (RunnerConfig, error) {
	rc, ok := c.Runners[strings.ToLower(name)]
	if !ok {
		return RunnerConfig{}, perr.Config(perr.CodeMissingKey, "no runner named %q in configuration", name)
	}
	return rc, nil
}

// RunnerNames returns the configured runner names in order.
func (c *Config) RunnerNames() []string {
	names := make([]string, 0, len(c.Runners))
	for name := range c.Runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConfigFileUsed returns the config file that was used (if any)
func (c *Config) ConfigFileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Viper returns the underlying viper instance
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// checkKeys rejects keys a runner type does not accept.
func checkKeys(v *viper.Viper) error {
	for name, raw := range v.GetStringMap("runners") {
		entry, ok := raw.(map[string]any)
		if !ok {
			return perr.Config(perr.CodeBadValue, "runner %q: expected a mapping", name)
		}
		typ, _ := entry["type"].(string)
		allowed, ok := allowedKeys[typ]
		if !ok {
			return perr.Config(perr.CodeBadValue, "runner %q: unknown type %q", name, typ)
		}
		for _, key := range flatten("", entry) {
			if !slices.Contains(allowed, key) {
				return perr.Config(perr.CodeUnknownKey, "runner %q: unknown key %q for type %s", name, key, typ)
			}
		}
	}
	return nil
}

func flatten(prefix string, m map[string]any) []string {
	var keys []string
	for k, val := range m {
		key := strings.ToLower(prefix + k)
		if sub, ok := val.(map[string]any); ok {
			keys = append(keys, flatten(key+".", sub)...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Validate checks the keys required by the runner's type.
func (rc RunnerConfig) Validate(name string) error {
	switch rc.Type {
	case TypeLocal:
		if rc.NProcesses < 1 {
			return perr.Config(perr.CodeMissingKey, "runner %q: nprocesses must be at least 1", name)
		}
		return nil
	case TypeRemote:
		if rc.NProcesses < 1 {
			return perr.Config(perr.CodeMissingKey, "runner %q: nprocesses must be at least 1", name)
		}
	case TypePBS, TypeSGE, TypeSlurm:
		if rc.BatchSize < 0 {
			return perr.Config(perr.CodeBadValue, "runner %q: batch_size must not be negative", name)
		}
		if rc.PollInterval < 0 {
			return perr.Config(perr.CodeBadValue, "runner %q: pollinterval must not be negative", name)
		}
		if rc.HeaderInclude != "" {
			if _, err := os.Stat(rc.HeaderInclude); err != nil {
				return perr.Config(perr.CodeBadValue, "runner %q: header_include file %q does not exist", name, rc.HeaderInclude)
			}
		}
	default:
		return perr.Config(perr.CodeBadValue, "runner %q: unknown type %q", name, rc.Type)
	}

	if rc.RemoteHost == "" {
		return perr.Config(perr.CodeMissingKey, "runner %q: remotehost configuration item not found", name)
	}
	if rc.SSHConfig != "" {
		if _, err := os.Stat(rc.SSHConfig); err != nil {
			return perr.Config(perr.CodeBadValue, "runner %q: ssh-config file %q does not exist", name, rc.SSHConfig)
		}
	}
	return nil
}

// ReadSSHConfig parses a file of ssh_config style "Option value" lines.
// Blank lines and # comments are skipped.
func ReadSSHConfig(filename string) (map[string]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, perr.Config(perr.CodeBadValue, "could not open ssh-config file: %v", err)
	}
	defer f.Close()

	opts := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, perr.Config(perr.CodeBadValue, "invalid option in ssh-config file %s: option value pair expected, found %q", filename, line)
		}
		opts[fields[0]] = strings.TrimSpace(line[len(fields[0]):])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ssh-config file %s: %w", filename, err)
	}
	return opts, nil
}
