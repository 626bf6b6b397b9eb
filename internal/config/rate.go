package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RateTable is a value that is either one flat number or a per-level map,
// mirroring the two shapes xp_rate and periodic_cap take in the config file:
//
//	xp_rate: 20
//	xp_rate:
//	  1: 25
//	  2: 20
type RateTable struct {
	flat    int64
	byLevel map[int]int64
	set     bool
}

// FlatRate returns a RateTable with one value for every level.
func FlatRate(n int64) RateTable {
	return RateTable{flat: n, set: true}
}

// LevelRates returns a RateTable with an explicit per-level value.
func LevelRates(m map[int]int64) RateTable {
	return RateTable{byLevel: m, set: true}
}

func (r *RateTable) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("rate value: %w", err)
		}
		*r = FlatRate(n)
		return nil
	case yaml.MappingNode:
		m := make(map[int]int64)
		if err := value.Decode(&m); err != nil {
			return fmt.Errorf("rate table: %w", err)
		}
		*r = LevelRates(m)
		return nil
	default:
		return fmt.Errorf("rate must be a number or a level table, got %v node", value.Kind)
	}
}

// IsZero reports whether the table was never set.
func (r RateTable) IsZero() bool { return !r.set }

// PerLevel reports whether the table carries per-level values.
func (r RateTable) PerLevel() bool { return r.byLevel != nil }

// For returns the value for level. The second result is false when a
// per-level table has no entry for that level.
func (r RateTable) For(level int) (int64, bool) {
	if r.byLevel != nil {
		v, ok := r.byLevel[level]
		return v, ok
	}
	return r.flat, r.set
}

// Duration wraps time.Duration so the config file accepts both Go duration
// strings ("250ms") and bare numbers of seconds (0.25).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v node", value.Kind)
	}
	if parsed, err := time.ParseDuration(value.Value); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("duration %q must be like \"250ms\" or a number of seconds", value.Value)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
