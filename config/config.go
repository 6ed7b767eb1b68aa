// Package config loads the merchant's sectioned TOML configuration. The
// recognized sections are `merchant`, `instance-<id>`,
// `merchant-account-<name>`, `merchant-auditor-<name>` and
// `exchange-<name>`; everything else is ignored so deployments can keep
// frontend settings in the same file.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// A ConfigError reports a missing or malformed option.
type ConfigError struct {
	Section string
	Option  string
	Problem string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("config section [%s]: %s", e.Section, e.Problem)
	}
	return fmt.Sprintf("config option %s in [%s]: %s", e.Option, e.Section, e.Problem)
}

// A Section is one named table of options.
type Section struct {
	name   string
	values map[string]interface{}
}

// A Config is the parsed configuration file.
type Config struct {
	sections map[string]*Section
}

// Load reads and parses a configuration file.
func Load(filename string) (*Config, error) {
	var raw map[string]map[string]interface{}
	if _, err := toml.DecodeFile(filename, &raw); err != nil {
		return nil, err
	}
	return fromRaw(raw), nil
}

// Parse parses configuration from a string, used by tests.
func Parse(data string) (*Config, error) {
	var raw map[string]map[string]interface{}
	if _, err := toml.Decode(data, &raw); err != nil {
		return nil, err
	}
	return fromRaw(raw), nil
}

func fromRaw(raw map[string]map[string]interface{}) *Config {
	cfg := &Config{sections: make(map[string]*Section)}
	for name, table := range raw {
		s := &Section{name: strings.ToLower(name), values: make(map[string]interface{})}
		for k, v := range table {
			s.values[strings.ToLower(k)] = v
		}
		cfg.sections[s.name] = s
	}
	return cfg
}

// Section returns the named section, or nil if absent. Lookup is
// case-insensitive.
func (c *Config) Section(name string) *Section {
	return c.sections[strings.ToLower(name)]
}

// SectionsWithPrefix returns the names of all sections starting with the
// given prefix, sorted for stable iteration.
func (c *Config) SectionsWithPrefix(prefix string) []string {
	var names []string
	for name := range c.sections {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Name returns the section's name.
func (s *Section) Name() string {
	return s.name
}

// Has reports whether the option is present.
func (s *Section) Has(option string) bool {
	_, ok := s.values[strings.ToLower(option)]
	return ok
}

// String returns a required string option.
func (s *Section) String(option string) (string, error) {
	v, ok := s.values[strings.ToLower(option)]
	if !ok {
		return "", &ConfigError{Section: s.name, Option: option, Problem: "required option is missing"}
	}
	str, ok := v.(string)
	if !ok {
		return "", &ConfigError{Section: s.name, Option: option, Problem: "expected a string"}
	}
	return str, nil
}

// OptString returns a string option, or def if absent.
func (s *Section) OptString(option, def string) string {
	str, err := s.String(option)
	if err != nil {
		return def
	}
	return str
}

// Bool returns a boolean option, or def if absent.
func (s *Section) Bool(option string, def bool) (bool, error) {
	v, ok := s.values[strings.ToLower(option)]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ConfigError{Section: s.name, Option: option, Problem: "expected a boolean"}
	}
	return b, nil
}

// Int returns an integer option, or def if absent.
func (s *Section) Int(option string, def int64) (int64, error) {
	v, ok := s.values[strings.ToLower(option)]
	if !ok {
		return def, nil
	}
	i, ok := v.(int64)
	if !ok {
		return 0, &ConfigError{Section: s.name, Option: option, Problem: "expected an integer"}
	}
	return i, nil
}

// Duration returns a duration option given as a Go duration string
// ("30m", "48h"), or def if absent.
func (s *Section) Duration(option string, def time.Duration) (time.Duration, error) {
	v, ok := s.values[strings.ToLower(option)]
	if !ok {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return 0, &ConfigError{Section: s.name, Option: option, Problem: "expected a duration string"}
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, &ConfigError{Section: s.name, Option: option, Problem: "invalid duration: " + err.Error()}
	}
	return d, nil
}

// FileMode returns an octal file-mode option ("0640"), or def if absent.
func (s *Section) FileMode(option string, def uint32) (uint32, error) {
	v, ok := s.values[strings.ToLower(option)]
	if !ok {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return 0, &ConfigError{Section: s.name, Option: option, Problem: "expected an octal mode string"}
	}
	mode, err := strconv.ParseUint(str, 8, 32)
	if err != nil {
		return 0, &ConfigError{Section: s.name, Option: option, Problem: "invalid octal mode: " + err.Error()}
	}
	return uint32(mode), nil
}
