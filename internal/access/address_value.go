package access

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/gaspool/internal/types"
)

// ValueAddress is an address predicate. In YAML it is "*" for any
// address, a single address string, or a list of addresses.
type ValueAddress struct {
	All   bool
	Addrs []types.Address
}

func (v *ValueAddress) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "*" {
			v.All = true
			return nil
		}
		addr, err := types.ParseAddress(node.Value)
		if err != nil {
			return fmt.Errorf("address value %q: %w", node.Value, err)
		}
		v.Addrs = []types.Address{addr}
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		for _, s := range raw {
			addr, err := types.ParseAddress(s)
			if err != nil {
				return fmt.Errorf("address value %q: %w", s, err)
			}
			v.Addrs = append(v.Addrs, addr)
		}
		return nil
	}
	return fmt.Errorf("address value must be \"*\", an address, or a list of addresses")
}

// Contains reports whether addr is covered by the predicate.
func (v ValueAddress) Contains(addr types.Address) bool {
	if v.All {
		return true
	}
	for _, a := range v.Addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// ContainsAny reports whether at least one address in addrs is covered.
// An empty addrs matches trivially: the predicate is skipped for
// transactions it cannot apply to.
func (v ValueAddress) ContainsAny(addrs []types.Address) bool {
	if len(addrs) == 0 {
		return true
	}
	for _, a := range addrs {
		if v.Contains(a) {
			return true
		}
	}
	return false
}

func (v ValueAddress) String() string {
	if v.All {
		return "*"
	}
	parts := make([]string, len(v.Addrs))
	for i, a := range v.Addrs {
		parts[i] = a.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
