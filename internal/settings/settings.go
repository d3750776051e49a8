// Package settings is the internal tunables map this module's
// components read from, grounded on the teacher's c.Config usage
// (config["mutationChanSize"].Int() in secondary/projector/worker.go).
// It is not the user-facing configuration-file/flag parsing spec.md
// scopes out as a non-goal: it is the bag of buffer sizes, timeouts and
// feature flags every ambient and domain component below still needs
// regardless of that non-goal.
package settings

import "time"

// Value is a single settings entry, readable under any of the shapes
// the components in this module need.
type Value struct {
	v interface{}
}

func (val Value) Int() int {
	switch n := val.v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func (val Value) Uint64() uint64 {
	switch n := val.v.(type) {
	case uint64:
		return n
	case int:
		return uint64(n)
	case int64:
		return uint64(n)
	}
	return 0
}

func (val Value) String() string {
	if s, ok := val.v.(string); ok {
		return s
	}
	return ""
}

func (val Value) Bool() bool {
	if b, ok := val.v.(bool); ok {
		return b
	}
	return false
}

func (val Value) Duration() time.Duration {
	switch d := val.v.(type) {
	case time.Duration:
		return d
	case int:
		return time.Duration(d) * time.Millisecond
	}
	return 0
}

// Config is a flat settings map, copy-on-write the way the teacher
// passes c.Config by value into ResetConfig calls.
type Config map[string]Value

// Set stores v under key and returns the (mutated) Config so calls can
// chain the way the teacher's fluent config builders do.
func (c Config) Set(key string, v interface{}) Config {
	c[key] = Value{v: v}
	return c
}

// SetDefault only sets key if it is absent, used when layering
// embedder-supplied overrides on top of DefaultConfig().
func (c Config) SetDefault(key string, v interface{}) Config {
	if _, ok := c[key]; !ok {
		c[key] = Value{v: v}
	}
	return c
}

// Clone returns a shallow copy, for the common pattern of deriving a
// per-channel config from a shared base config.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// DefaultConfig returns the tunables every Conductor starts from absent
// embedder overrides.
func DefaultConfig() Config {
	c := make(Config)
	c.Set("connectTimeout", 15*time.Second)
	c.Set("streamOpenTimeout", 30*time.Second)
	c.Set("closeStreamTimeout", 15*time.Second)
	c.Set("getSeqnosTimeout", 60*time.Second)
	c.Set("getFailoverLogTimeout", 60*time.Second)
	c.Set("waitStreamStateTimeout", 60*time.Second)
	c.Set("connectionBufferSize", 20*1024*1024)
	c.Set("ackWatermarkPercent", 20)
	c.Set("noopIntervalSeconds", 120)
	c.Set("deadConnectionDetectionInterval", 180*time.Second)
	c.Set("mutationChanSize", 10000)
	c.Set("maxRetryAttempts", 5)
	c.Set("retryBaseDelay", 100*time.Millisecond)
	c.Set("retryMaxDelay", 10*time.Second)
	c.Set("maxChannelRepairAttempts", 10)
	c.Set("fixerWorkers", 8)
	c.Set("useTLS", false)
	c.Set("useFastForwardMap", false)
	return c
}
