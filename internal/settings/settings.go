package settings

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"cadence/internal/config"
	"cadence/internal/services"
)

// Tier identifies where a resolved value came from.
type Tier int

const (
	TierJob Tier = iota + 1
	TierJobFile
	TierSystem
	TierFallback
)

func (t Tier) String() string {
	switch t {
	case TierJob:
		return "job"
	case TierJobFile:
		return "job_file"
	case TierSystem:
		return "system"
	case TierFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Kind is the value type a parameter is coerced to.
type Kind int

const (
	KindAny Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

// Param declares one configuration key. A nil Fallback makes the key required.
type Param struct {
	Key      string
	Kind     Kind
	Fallback any
}

func (p Param) kind() Kind {
	if p.Kind != KindAny || p.Fallback == nil {
		return p.Kind
	}
	switch p.Fallback.(type) {
	case string:
		return KindString
	case int, int64:
		return KindInt
	case float64:
		return KindFloat
	case bool:
		return KindBool
	default:
		return KindAny
	}
}

// Value is a resolved configuration entry.
type Value struct {
	Key  string `json:"key"`
	Raw  any    `json:"value"`
	Tier Tier   `json:"-"`
}

// Resolver answers key lookups against a fixed set of tiers.
type Resolver struct {
	tiers    [3]map[string]any
	fallback map[string]any
}

// NewResolver captures the tiers. Maps are copied so later mutation by the
// caller cannot change resolution.
func NewResolver(job, jobFile, system map[string]any, params []Param) *Resolver {
	r := &Resolver{
		tiers:    [3]map[string]any{cloneMap(job), cloneMap(jobFile), cloneMap(system)},
		fallback: make(map[string]any, len(params)),
	}
	for _, p := range params {
		if p.Fallback != nil {
			r.fallback[p.Key] = p.Fallback
		}
	}
	return r
}

// Resolve returns the first defined value for key.
func (r *Resolver) Resolve(key string) (Value, error) {
	if v, ok := r.lookup(key); ok {
		return v, nil
	}
	return Value{}, services.Wrap(services.ErrConfiguration, "", "resolve", fmt.Sprintf("%s: no value in any tier and no fallback", key), nil)
}

func (r *Resolver) lookup(key string) (Value, bool) {
	for idx, tier := range r.tiers {
		if raw, ok := tier[key]; ok {
			return Value{Key: key, Raw: raw, Tier: Tier(idx + 1)}, true
		}
	}
	if raw, ok := r.fallback[key]; ok {
		return Value{Key: key, Raw: raw, Tier: TierFallback}, true
	}
	return Value{}, false
}

// Effective resolves every declared param plus any undeclared key under
// prefix (for example "asr.") found in the job, job-file or system tiers.
// Missing required keys and uncoercible values are reported together.
func (r *Resolver) Effective(prefix string, params []Param) (EffectiveConfig, error) {
	cfg := EffectiveConfig{values: make(map[string]Value, len(params))}
	var problems []string

	for _, p := range params {
		v, ok := r.lookup(p.Key)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: required key has no value", p.Key))
			continue
		}
		coerced, err := coerce(v.Raw, p.kind())
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s (from %s tier): %v", p.Key, v.Tier, err))
			continue
		}
		v.Raw = coerced
		cfg.values[p.Key] = v
	}

	if prefix != "" {
		for _, tier := range r.tiers {
			for key := range tier {
				if !strings.HasPrefix(key, prefix) {
					continue
				}
				if _, done := cfg.values[key]; done {
					continue
				}
				v, _ := r.lookup(key)
				cfg.values[key] = v
			}
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return EffectiveConfig{}, services.Wrap(services.ErrConfiguration, strings.TrimSuffix(prefix, "."), "resolve", strings.Join(problems, "; "), nil)
	}
	return cfg, nil
}

// EffectiveConfig is the immutable flat key/value view handed to one stage
// invocation.
type EffectiveConfig struct {
	values map[string]Value
}

// NewEffective builds an EffectiveConfig directly from values, all attributed
// to the job tier. Intended for tests and tools.
func NewEffective(values map[string]any) EffectiveConfig {
	cfg := EffectiveConfig{values: make(map[string]Value, len(values))}
	for k, v := range values {
		cfg.values[k] = Value{Key: k, Raw: v, Tier: TierJob}
	}
	return cfg
}

// Lookup returns the resolved value for key.
func (c EffectiveConfig) Lookup(key string) (Value, bool) {
	v, ok := c.values[key]
	return v, ok
}

// String returns key as a string, or "" when absent.
func (c EffectiveConfig) String(key string) string {
	v, ok := c.values[key]
	if !ok || v.Raw == nil {
		return ""
	}
	s, _ := coerce(v.Raw, KindString)
	return s.(string)
}

// Int returns key as an int, or 0 when absent or not numeric.
func (c EffectiveConfig) Int(key string) int {
	v, ok := c.values[key]
	if !ok {
		return 0
	}
	n, err := coerce(v.Raw, KindInt)
	if err != nil {
		return 0
	}
	return int(n.(int64))
}

// Float returns key as a float64, or 0 when absent or not numeric.
func (c EffectiveConfig) Float(key string) float64 {
	v, ok := c.values[key]
	if !ok {
		return 0
	}
	f, err := coerce(v.Raw, KindFloat)
	if err != nil {
		return 0
	}
	return f.(float64)
}

// Bool returns key as a bool, or false when absent or unparsable.
func (c EffectiveConfig) Bool(key string) bool {
	v, ok := c.values[key]
	if !ok {
		return false
	}
	b, err := coerce(v.Raw, KindBool)
	if err != nil {
		return false
	}
	return b.(bool)
}

// Keys returns every resolved key in sorted order.
func (c EffectiveConfig) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the resolved values into a plain map for manifests.
func (c EffectiveConfig) Snapshot() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v.Raw
	}
	return out
}

// Digest is a stable SHA-256 over the snapshot; json.Marshal sorts map keys.
func (c EffectiveConfig) Digest() string {
	return c.DigestExcluding()
}

// DigestExcluding is Digest computed without the named keys, for callers
// that want operational knobs such as timeouts to leave the digest alone.
func (c EffectiveConfig) DigestExcluding(keys ...string) string {
	snap := c.Snapshot()
	for _, k := range keys {
		delete(snap, k)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func coerce(raw any, kind Kind) (any, error) {
	switch kind {
	case KindString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			return strings.Join(parts, ","), nil
		default:
			return fmt.Sprint(v), nil
		}
	case KindInt:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", v)
			}
			return n, nil
		}
	case KindFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", v)
			}
			return f, nil
		}
	case KindBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", v)
			}
			return b, nil
		}
	default:
		return raw, nil
	}
	return nil, fmt.Errorf("unsupported value %v (%T)", raw, raw)
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// LoadFile reads a job-local TOML override file into dotted keys. A missing
// file yields an empty tier.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, services.Wrap(services.ErrConfiguration, "", "overrides", "read "+path, err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "overrides", "parse "+path, err)
	}
	return config.FlattenTable(doc), nil
}

// ParseAssignments turns `stage.key=value` strings into a job override tier.
// Values are parsed as TOML literals when possible (5, true, 0.5, "x") and
// kept as plain strings otherwise.
func ParseAssignments(assignments []string) (map[string]any, error) {
	out := make(map[string]any, len(assignments))
	for _, raw := range assignments {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, services.Wrap(services.ErrConfiguration, "", "overrides", fmt.Sprintf("%q: expected stage.key=value", raw), nil)
		}
		if !strings.Contains(key, ".") {
			return nil, services.Wrap(services.ErrConfiguration, "", "overrides", fmt.Sprintf("%q: key must be qualified with a stage name", key), nil)
		}
		out[key] = parseLiteral(strings.TrimSpace(value))
	}
	return out, nil
}

func parseLiteral(value string) any {
	var doc struct {
		V any `toml:"v"`
	}
	if err := toml.Unmarshal([]byte("v = "+value), &doc); err == nil && doc.V != nil {
		return doc.V
	}
	return value
}
