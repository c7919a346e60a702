// Package access decides whether the station sponsors a transaction.
// A controller applies an ordered rule list on top of a default policy;
// rules can consult accumulated gas usage, external hooks, and rego
// expressions.
package access

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/types"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

// Config is the access-controller block of the station configuration.
type Config struct {
	AccessPolicy Policy  `yaml:"access-policy"`
	Rules        []*Rule `yaml:"rules"`
}

// Validate checks the policy name and every rule.
func (c *Config) Validate() error {
	if c.AccessPolicy == "" {
		c.AccessPolicy = PolicyDisabled
	}
	if !c.AccessPolicy.valid() {
		return fmt.Errorf("unknown access-policy %q", c.AccessPolicy)
	}
	if c.AccessPolicy == PolicyDisabled && len(c.Rules) > 0 {
		return fmt.Errorf("rules are configured but access-policy is disabled")
	}
	for i, r := range c.Rules {
		if r == nil {
			return fmt.Errorf("rule %d is empty", i)
		}
		if err := r.validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// TxContext carries the attributes rules match on for one execute
// request. PredictedGasUsage is nil until a dry run has produced an
// estimate.
type TxContext struct {
	Sender            types.Address
	GasBudget         uint64
	MoveCallPackages  []types.Address
	CommandCount      int
	ReservationID     uint64
	TxBytesB64        string
	UserSigB64        string
	Headers           http.Header
	PredictedGasUsage *uint64
}

func (t *TxContext) regoInput() map[string]interface{} {
	pkgs := make([]string, len(t.MoveCallPackages))
	for i, p := range t.MoveCallPackages {
		pkgs[i] = p.String()
	}
	return map[string]interface{}{
		"sender_address":              t.Sender.String(),
		"transaction_gas_budget":      t.GasBudget,
		"move_call_package_addresses": pkgs,
		"ptb_command_count":           t.CommandCount,
	}
}

// UsagePeeker reads the current sum of a gas-usage counter.
type UsagePeeker interface {
	PeekUsage(ctx context.Context, ruleID, bucket string) (uint64, error)
}

// UsageTouch names a counter the executor must add observed gas usage
// to once the transaction finalizes.
type UsageTouch struct {
	RuleID string
	Bucket string
	Window time.Duration
}

// Status reports whether a check produced a verdict or needs a gas
// usage prediction first.
type Status int

const (
	// StatusDecided means Decision is final.
	StatusDecided Status = iota
	// StatusNeedsPrediction means the walk reached a rule that cannot
	// be resolved before a dry run; call Check again with
	// PredictedGasUsage set.
	StatusNeedsPrediction
)

// CheckResult is the outcome of one controller check.
type CheckResult struct {
	Status      Status
	Decision    Decision
	UserMessage string
	Usage       []UsageTouch
}

// Deps are the collaborators a controller needs at build time.
type Deps struct {
	Usage UsagePeeker
	Redis redis.UniversalClient
	HTTP  *http.Client
	Log   *logger.Logger
}

// Controller evaluates the configured policy and rules. It is immutable
// after New; configuration reloads build a replacement.
type Controller struct {
	policy  Policy
	rules   []*Rule
	usage   UsagePeeker
	hooks   *HookClient
	fetcher *regoFetcher
	log     *logger.Logger
}

// New validates cfg, fingerprints the rules, and compiles every rego
// expression. Unreachable rego sources fail construction.
func New(ctx context.Context, cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindInvalid, err, "access controller config")
	}
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("access")
	}
	c := &Controller{
		policy:  cfg.AccessPolicy,
		rules:   cfg.Rules,
		usage:   deps.Usage,
		hooks:   NewHookClient(deps.HTTP, log),
		fetcher: &regoFetcher{redis: deps.Redis, http: deps.HTTP},
		log:     log,
	}
	for i, r := range c.rules {
		r.fp = r.fingerprint()
		if r.RegoExpression != nil {
			if err := r.RegoExpression.prepare(ctx, c.fetcher); err != nil {
				return nil, errs.Wrap(errs.KindOf(err), err, "rule %d", i)
			}
		}
	}
	log.WithField("policy", string(c.policy)).WithField("rules", len(c.rules)).
		Infof("access controller ready")
	return c, nil
}

// Enabled reports whether any checking happens at all.
func (c *Controller) Enabled() bool { return c.policy != PolicyDisabled }

// Reload re-fetches and recompiles every rego source in place. Rules
// and policy are not changed; swap the controller to change those.
func (c *Controller) Reload(ctx context.Context) error {
	for i, r := range c.rules {
		if r.RegoExpression == nil {
			continue
		}
		if err := r.RegoExpression.prepare(ctx, c.fetcher); err != nil {
			return errs.Wrap(errs.KindOf(err), err, "reload rule %d", i)
		}
	}
	c.log.Infof("access controller rego sources reloaded")
	return nil
}

// Check walks the rules in order and returns the first full match's
// action, or the policy default when nothing matches. Within a rule
// the hook runs after the static terms and the gas-usage term runs
// after the hook; a counter whose comparator would be violated by
// current plus predicted usage denies the transaction.
//
// Rules whose verdict depends on a dry run, those with a gas-usage
// predicate or a hook action, cannot be resolved while
// tcx.PredictedGasUsage is nil: when the walk reaches one whose static
// predicates match, Check returns StatusNeedsPrediction and the caller
// retries after the dry run. Purely static verdicts reached before any
// such rule are final immediately, so clearly inadmissible transactions
// are rejected without spending a dry run on them.
func (c *Controller) Check(ctx context.Context, tcx *TxContext) (*CheckResult, error) {
	if c.policy == PolicyDisabled {
		return &CheckResult{Status: StatusDecided, Decision: DecisionAllow}, nil
	}
	for i, r := range c.rules {
		if r.RegoExpression != nil {
			r.RegoExpression.maybeRefresh(c.fetcher, c.log)
		}
		ok, err := r.matchesStatic(ctx, tcx)
		if err != nil {
			return nil, errs.Wrap(errs.KindOf(err), err, "rule %d", i)
		}
		if !ok {
			continue
		}
		if tcx.PredictedGasUsage == nil && (r.GasUsage != nil || r.Action.Kind == ActionHook) {
			return &CheckResult{Status: StatusNeedsPrediction}, nil
		}
		switch r.Action.Kind {
		case ActionDeny:
			return &CheckResult{Status: StatusDecided, Decision: DecisionDeny}, nil
		case ActionHook:
			verdict, msg, err := c.hooks.Call(ctx, r.Action.Hook, tcx)
			if err != nil {
				return nil, errs.Wrap(errs.KindOf(err), err, "rule %d", i)
			}
			if verdict == hookVerdictDeny {
				return &CheckResult{Status: StatusDecided, Decision: DecisionDeny, UserMessage: msg}, nil
			}
			if verdict == hookVerdictNoDecision {
				continue
			}
		}
		// The action resolved to allow. The gas-usage term runs last so
		// that a hook deny or no-decision never books usage against the
		// counter.
		if r.GasUsage == nil {
			return &CheckResult{Status: StatusDecided, Decision: DecisionAllow}, nil
		}
		bucket := r.GasUsage.Bucket(tcx)
		current, err := c.usage.PeekUsage(ctx, r.fp, bucket)
		if err != nil {
			return nil, errs.Wrap(errs.KindStoreUnavailable, err, "read usage for rule %d", i)
		}
		if !r.GasUsage.Value.Matches(current + *tcx.PredictedGasUsage) {
			c.log.WithField("rule", i).WithField("bucket", bucket).
				Debugf("gas usage limit reached: %d used, %d predicted", current, *tcx.PredictedGasUsage)
			return &CheckResult{Status: StatusDecided, Decision: DecisionDeny, UserMessage: "gas usage limit exceeded"}, nil
		}
		return &CheckResult{
			Status:   StatusDecided,
			Decision: DecisionAllow,
			Usage: []UsageTouch{{
				RuleID: r.fp,
				Bucket: bucket,
				Window: r.GasUsage.Window.Duration(),
			}},
		}, nil
	}
	def, err := c.policy.defaultDecision()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "resolve policy default")
	}
	return &CheckResult{Status: StatusDecided, Decision: def}, nil
}
