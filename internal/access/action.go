package access

import (
	"fmt"
	"net/url"

	"gopkg.in/yaml.v3"
)

// ActionKind is what a matching rule does with the transaction.
type ActionKind int

const (
	actionUnset ActionKind = iota
	ActionAllow
	ActionDeny
	ActionHook
)

// Action is a rule outcome. In YAML it is the string "allow" or "deny",
// a hook URL, or a mapping with url and optional headers to delegate
// the verdict to an external service.
type Action struct {
	Kind ActionKind
	Hook *HookConfig
}

func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	*a = Action{}
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Value {
		case "allow":
			a.Kind = ActionAllow
			return nil
		case "deny":
			a.Kind = ActionDeny
			return nil
		}
		u, err := url.Parse(node.Value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("action %q is neither allow, deny, nor a hook url", node.Value)
		}
		a.Kind, a.Hook = ActionHook, &HookConfig{URL: node.Value}
		return nil
	case yaml.MappingNode:
		var m HookConfig
		if err := node.Decode(&m); err != nil {
			return err
		}
		if m.URL == "" {
			return fmt.Errorf("hook action requires a url")
		}
		a.Kind, a.Hook = ActionHook, &m
		return nil
	}
	return fmt.Errorf("action must be allow, deny, or a hook url")
}

func (a Action) String() string {
	switch a.Kind {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	case ActionHook:
		return "hook:" + a.Hook.URL
	}
	return "unset"
}

// HookConfig points at an external decision service. Headers listed
// here are added to every hook call; each name may carry several
// values.
type HookConfig struct {
	URL     string              `yaml:"url"`
	Headers map[string][]string `yaml:"headers"`
}
