// Package config implements the property-callback mechanism §6
// describes for module and engine tuning: a small read-only Provider
// interface plus a YAML-backed implementation for the reference
// binary, grounded on the teacher's cmd/warren/apply.go
// YAML-resource-loading pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider answers dotted-path property lookups (profiler.enabled,
// pool.page_cache_limit, ...) with typed accessors. Every accessor
// falls back to the Defaults entry for the key, then to the type's
// zero value, so a Provider never needs a presence check at the call
// site.
type Provider interface {
	Bool(key string) bool
	String(key string) string
	Int(key string) int
}

// Defaults holds the known keys' fallback values, consulted by every
// Provider implementation in this package when a key is absent from
// its backing source.
var Defaults = map[string]any{
	"profiler.enabled":       false,
	"profiler.output":        "",
	"pool.page_cache_limit":  1024,
	"pool.object_cache_limit": 1024,
	"queue.ring_capacity":    256,
	"scheduler.worker_count": 4,
}

// YAMLProvider is a Provider backed by a parsed YAML document, with
// keys addressed as dot-separated paths into its nested mappings
// (profiler.enabled means root["profiler"]["enabled"]).
type YAMLProvider struct {
	root map[string]any
}

// Load reads and parses the YAML file at path into a YAMLProvider.
func Load(path string) (*YAMLProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a YAML document already in memory into a YAMLProvider.
func Parse(data []byte) (*YAMLProvider, error) {
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if root == nil {
		root = map[string]any{}
	}
	return &YAMLProvider{root: root}, nil
}

func (p *YAMLProvider) lookup(key string) (any, bool) {
	var cur any = p.root
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func (p *YAMLProvider) value(key string) (any, bool) {
	if v, ok := p.lookup(key); ok {
		return v, true
	}
	v, ok := Defaults[key]
	return v, ok
}

// Bool returns key's value coerced to bool, or false if key is absent
// from both the document and Defaults.
func (p *YAMLProvider) Bool(key string) bool {
	v, ok := p.value(key)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	default:
		return false
	}
}

// String returns key's value formatted as a string, or "" if key is
// absent from both the document and Defaults.
func (p *YAMLProvider) String(key string) string {
	v, ok := p.value(key)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// Int returns key's value coerced to int, matching the teacher's
// getInt's int/float64 switch (yaml.v3 decodes untyped integers as
// int, but arithmetic-looking values can surface as float64), or 0 if
// key is absent from both the document and Defaults.
func (p *YAMLProvider) Int(key string) int {
	v, ok := p.value(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		parsed, _ := strconv.Atoi(n)
		return parsed
	default:
		return 0
	}
}

// MapProvider is a Provider backed by an already-typed flat map,
// useful for tests and for constructing a Provider without a YAML
// file on disk.
type MapProvider map[string]any

func (m MapProvider) value(key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	v, ok := Defaults[key]
	return v, ok
}

// Bool returns key's value coerced to bool, or false if absent.
func (m MapProvider) Bool(key string) bool {
	v, ok := m.value(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// String returns key's value formatted as a string, or "" if absent.
func (m MapProvider) String(key string) string {
	v, ok := m.value(key)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// Int returns key's value coerced to int, or 0 if absent.
func (m MapProvider) Int(key string) int {
	v, ok := m.value(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
