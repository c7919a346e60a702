package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"

	"gopkg.in/yaml.v3"
)

// Rule matches transactions by a conjunction of predicates and names
// the action taken on a match. Rules are evaluated in configuration
// order; the first full match decides.
type Rule struct {
	SenderAddress          *ValueAddress   `yaml:"sender-address"`
	TransactionGasBudget   *ValueNumber    `yaml:"transaction-gas-budget"`
	MoveCallPackageAddress *ValueAddress   `yaml:"move-call-package-address"`
	PTBCommandCount        *ValueNumber    `yaml:"ptb-command-count"`
	RegoExpression         *RegoExpression `yaml:"rego-expression"`
	GasUsage               *ValueAggregate `yaml:"gas-usage"`
	Action                 Action          `yaml:"action"`

	fp string
}

var ruleKeys = map[string]bool{
	"sender-address":            true,
	"transaction-gas-budget":    true,
	"move-call-package-address": true,
	"ptb-command-count":         true,
	"rego-expression":           true,
	"gas-usage":                 true,
	"action":                    true,
}

// UnmarshalYAML rejects unknown keys so that a typo in an access rule
// cannot silently widen it.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("rule must be a mapping")
	}
	for i := 0; i < len(node.Content); i += 2 {
		if key := node.Content[i].Value; !ruleKeys[key] {
			return fmt.Errorf("unknown rule key %q", key)
		}
	}
	type plain Rule
	return node.Decode((*plain)(r))
}

func (r *Rule) validate() error {
	if r.Action.Kind == actionUnset {
		return fmt.Errorf("rule action is required")
	}
	if r.Action.Kind == ActionHook {
		if r.Action.Hook == nil || r.Action.Hook.URL == "" {
			return fmt.Errorf("hook action requires a url")
		}
		if _, err := url.ParseRequestURI(r.Action.Hook.URL); err != nil {
			return fmt.Errorf("hook url %q: %w", r.Action.Hook.URL, err)
		}
	}
	if r.RegoExpression != nil {
		if err := r.RegoExpression.validate(); err != nil {
			return err
		}
	}
	if r.GasUsage != nil {
		if err := r.GasUsage.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ruleCanon is the stable serialization hashed into the rule
// fingerprint. Field order must not change: fingerprints address the
// usage counters in the store, and reordering would orphan them.
type ruleCanon struct {
	Sender   string      `json:"sender,omitempty"`
	Budget   string      `json:"budget,omitempty"`
	Packages string      `json:"packages,omitempty"`
	Commands string      `json:"commands,omitempty"`
	Rego     string      `json:"rego,omitempty"`
	GasUsage *usageCanon `json:"gasUsage,omitempty"`
	Action   string      `json:"action"`
}

type usageCanon struct {
	Window  string   `json:"window"`
	Value   string   `json:"value"`
	CountBy []string `json:"countBy,omitempty"`
}

// fingerprint computes the stable rule identity used to key usage
// counters.
func (r *Rule) fingerprint() string {
	canon := ruleCanon{Action: r.Action.String()}
	if r.SenderAddress != nil {
		canon.Sender = r.SenderAddress.String()
	}
	if r.TransactionGasBudget != nil {
		canon.Budget = r.TransactionGasBudget.String()
	}
	if r.MoveCallPackageAddress != nil {
		canon.Packages = r.MoveCallPackageAddress.String()
	}
	if r.PTBCommandCount != nil {
		canon.Commands = r.PTBCommandCount.String()
	}
	if r.RegoExpression != nil {
		canon.Rego = fmt.Sprintf("%s:%s:%s:%s", r.RegoExpression.LocationType,
			r.RegoExpression.URL, r.RegoExpression.RedisKey, r.RegoExpression.RegoRulePath)
	}
	if r.GasUsage != nil {
		u := &usageCanon{
			Window: r.GasUsage.Window.String(),
			Value:  r.GasUsage.Value.String(),
		}
		for _, c := range r.GasUsage.CountBy {
			u.CountBy = append(u.CountBy, string(c))
		}
		canon.GasUsage = u
	}
	raw, _ := json.Marshal(canon)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// RuleID is the fingerprint assigned when the controller was built.
func (r *Rule) RuleID() string { return r.fp }

// matchesStatic evaluates every predicate that does not depend on
// accumulated gas usage.
func (r *Rule) matchesStatic(ctx context.Context, tcx *TxContext) (bool, error) {
	if r.SenderAddress != nil && !r.SenderAddress.Contains(tcx.Sender) {
		return false, nil
	}
	if r.TransactionGasBudget != nil && !r.TransactionGasBudget.Matches(tcx.GasBudget) {
		return false, nil
	}
	if r.MoveCallPackageAddress != nil && !r.MoveCallPackageAddress.ContainsAny(tcx.MoveCallPackages) {
		return false, nil
	}
	if r.PTBCommandCount != nil && !r.PTBCommandCount.Matches(uint64(tcx.CommandCount)) {
		return false, nil
	}
	if r.RegoExpression != nil {
		ok, err := r.RegoExpression.Eval(ctx, tcx.regoInput())
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
