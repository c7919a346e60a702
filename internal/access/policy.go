package access

import "fmt"

// Policy is the default verdict applied when no rule matches.
type Policy string

const (
	// PolicyDisabled turns the controller off entirely.
	PolicyDisabled Policy = "disabled"
	// PolicyDenyAll rejects unless an allow rule matches.
	PolicyDenyAll Policy = "deny-all"
	// PolicyAllowAll accepts unless a deny rule matches.
	PolicyAllowAll Policy = "allow-all"
)

func (p Policy) valid() bool {
	switch p {
	case PolicyDisabled, PolicyDenyAll, PolicyAllowAll:
		return true
	}
	return false
}

// Decision is the controller verdict for one transaction.
type Decision int

const (
	DecisionDeny Decision = iota
	DecisionAllow
)

func (d Decision) String() string {
	if d == DecisionAllow {
		return "allow"
	}
	return "deny"
}

func (p Policy) defaultDecision() (Decision, error) {
	switch p {
	case PolicyDenyAll:
		return DecisionDeny, nil
	case PolicyAllowAll:
		return DecisionAllow, nil
	}
	return DecisionDeny, fmt.Errorf("policy %q has no default decision", p)
}
