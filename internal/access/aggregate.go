package access

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CountBy names a transaction attribute gas usage is partitioned by.
type CountBy string

const CountBySenderAddress CountBy = "sender-address"

func (c CountBy) valid() bool {
	return c == CountBySenderAddress
}

// GlobalBucket is the counter bucket used when a gas-usage value has no
// count-by attributes.
const GlobalBucket = "global"

// ValueAggregate is the gas-usage predicate: the running total of gas
// used over a rolling window, optionally partitioned per attribute, is
// compared against a numeric limit.
type ValueAggregate struct {
	Window  Window      `yaml:"window"`
	Value   ValueNumber `yaml:"value"`
	CountBy []CountBy   `yaml:"count-by"`
}

func (v *ValueAggregate) validate() error {
	if v.Window <= 0 {
		return fmt.Errorf("gas-usage window must be positive")
	}
	if v.Value.Op == "" {
		return fmt.Errorf("gas-usage value is required")
	}
	for _, c := range v.CountBy {
		if !c.valid() {
			return fmt.Errorf("unknown count-by attribute %q", c)
		}
	}
	return nil
}

// Bucket derives the counter bucket for tcx. Attributes are joined in a
// fixed order and hashed so that bucket names stay bounded.
func (v *ValueAggregate) Bucket(tcx *TxContext) string {
	if len(v.CountBy) == 0 {
		return GlobalBucket
	}
	parts := make([]string, 0, len(v.CountBy))
	for _, c := range v.CountBy {
		switch c {
		case CountBySenderAddress:
			parts = append(parts, string(c)+"="+tcx.Sender.String())
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(sum[:])
}

// Window is a duration parsed from human-friendly YAML strings such as
// "30m", "6h" or "1 day".
type Window time.Duration

func (w *Window) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("window must be a string")
	}
	d, err := ParseWindow(node.Value)
	if err != nil {
		return err
	}
	*w = Window(d)
	return nil
}

func (w Window) Duration() time.Duration { return time.Duration(w) }

func (w Window) String() string { return time.Duration(w).String() }

var windowUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second, "sec": time.Second, "secs": time.Second,
	"second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute,
	"minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour,
	"hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseWindow parses one or more integer quantity/unit terms, e.g.
// "90s", "1h 30m", "2 days".
func ParseWindow(s string) (time.Duration, error) {
	rest := strings.TrimSpace(strings.ToLower(s))
	if rest == "" {
		return 0, fmt.Errorf("empty window")
	}
	var total time.Duration
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("window %q: expected a number at %q", s, rest)
		}
		n, err := strconv.ParseUint(rest[:i], 10, 63)
		if err != nil {
			return 0, fmt.Errorf("window %q: %w", s, err)
		}
		rest = strings.TrimSpace(rest[i:])
		j := 0
		for j < len(rest) && rest[j] != ' ' && (rest[j] < '0' || rest[j] > '9') {
			j++
		}
		unit, ok := windowUnits[rest[:j]]
		if !ok {
			return 0, fmt.Errorf("window %q: unknown unit %q", s, rest[:j])
		}
		total += time.Duration(n) * unit
		rest = strings.TrimSpace(rest[j:])
	}
	if total <= 0 {
		return 0, fmt.Errorf("window %q must be positive", s)
	}
	return total, nil
}
