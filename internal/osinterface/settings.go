// Package osinterface is the narrow view of the operating system the
// runtime depends on: settings, dynamic libraries, timers, power state and
// host memory.
package osinterface

import (
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Settings reads named values, falling back to def when a name is unset.
type Settings interface {
	GetBool(name string, def bool) bool
	GetInt(name string, def int) int
	GetString(name string, def string) string
}

// ViperSettings reads settings from a viper instance. Names are matched
// case-insensitively, so with the CLRUN environment prefix the setting
// "FTR_FTRSVM" can be given as CLRUN_FTR_FTRSVM.
type ViperSettings struct {
	v *viper.Viper
}

// NewViperSettings wraps v. A nil v gets a fresh instance bound to the
// environment with prefix.
func NewViperSettings(v *viper.Viper, prefix string) *ViperSettings {
	if v == nil {
		v = viper.New()
		v.SetEnvPrefix(prefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	return &ViperSettings{v: v}
}

func (s *ViperSettings) key(name string) string {
	return strings.ToLower(name)
}

func (s *ViperSettings) GetBool(name string, def bool) bool {
	k := s.key(name)
	if !s.v.IsSet(k) {
		return def
	}
	return s.v.GetBool(k)
}

func (s *ViperSettings) GetInt(name string, def int) int {
	k := s.key(name)
	if !s.v.IsSet(k) {
		return def
	}
	return s.v.GetInt(k)
}

func (s *ViperSettings) GetString(name string, def string) string {
	k := s.key(name)
	if !s.v.IsSet(k) {
		return def
	}
	return s.v.GetString(k)
}

// StaticSettings is a fixed set of values, used for command line
// overrides and tests.
type StaticSettings struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStaticSettings(values map[string]string) *StaticSettings {
	s := &StaticSettings{values: make(map[string]string, len(values))}
	for k, v := range values {
		s.values[strings.ToLower(k)] = v
	}
	return s
}

// Set stores value under name.
func (s *StaticSettings) Set(name, value string) {
	s.mu.Lock()
	s.values[strings.ToLower(name)] = value
	s.mu.Unlock()
}

func (s *StaticSettings) lookup(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[strings.ToLower(name)]
	return v, ok
}

func (s *StaticSettings) GetBool(name string, def bool) bool {
	v, ok := s.lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (s *StaticSettings) GetInt(name string, def int) int {
	v, ok := s.lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s *StaticSettings) GetString(name string, def string) string {
	if v, ok := s.lookup(name); ok {
		return v
	}
	return def
}

// Layered consults each source in order and returns the first value set.
type Layered []Settings

const unset = "\x00unset"

func (l Layered) GetString(name string, def string) string {
	for _, s := range l {
		if v := s.GetString(name, unset); v != unset {
			return v
		}
	}
	return def
}

func (l Layered) GetBool(name string, def bool) bool {
	for _, s := range l {
		if s.GetString(name, unset) != unset {
			return s.GetBool(name, def)
		}
	}
	return def
}

func (l Layered) GetInt(name string, def int) int {
	for _, s := range l {
		if s.GetString(name, unset) != unset {
			return s.GetInt(name, def)
		}
	}
	return def
}
