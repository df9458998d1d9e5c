package approval

import (
	"fmt"
	"sort"
	"strings"
)

const (
	RoleAreaManager      = "AreaManager"
	RoleHeadOfOperations = "HeadOfOperations"
	RoleHR               = "HR"
)

// DefaultBaseChain is used when no base chain is configured.
var DefaultBaseChain = []string{RoleAreaManager, RoleHeadOfOperations}

type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
)

type RuleAction string

const (
	ActionSkip RuleAction = "skip"
	ActionAdd  RuleAction = "add"
)

// Rule conditionally removes or appends an approver role.
type Rule struct {
	ID              string     `json:"id" yaml:"id"`
	Name            string     `json:"name" yaml:"name"`
	TriggerField    string     `json:"trigger_field" yaml:"trigger_field"`
	TriggerOperator Operator   `json:"trigger_operator" yaml:"trigger_operator"`
	TriggerValue    string     `json:"trigger_value" yaml:"trigger_value"`
	ActionType      RuleAction `json:"action_type" yaml:"action_type"`
	TargetApprover  string     `json:"target_approver" yaml:"target_approver"`
	Priority        int        `json:"priority" yaml:"priority"`
	Active          bool       `json:"is_active" yaml:"is_active"`
}

func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if strings.TrimSpace(r.TriggerField) == "" {
		return fmt.Errorf("rule %s: trigger_field is required", r.Name)
	}
	if r.TriggerOperator != OpEquals && r.TriggerOperator != OpContains {
		return fmt.Errorf("rule %s: invalid trigger_operator %q", r.Name, r.TriggerOperator)
	}
	if strings.TrimSpace(r.TriggerValue) == "" {
		return fmt.Errorf("rule %s: trigger_value is required", r.Name)
	}
	if r.ActionType != ActionSkip && r.ActionType != ActionAdd {
		return fmt.Errorf("rule %s: invalid action_type %q", r.Name, r.ActionType)
	}
	if strings.TrimSpace(r.TargetApprover) == "" {
		return fmt.Errorf("rule %s: target_approver is required", r.Name)
	}
	return nil
}

// Matches compares the trigger attribute case-insensitively.
func (r Rule) Matches(attrs map[string]string) bool {
	v, ok := lookupAttr(attrs, r.TriggerField)
	if !ok {
		return false
	}
	v = strings.ToLower(strings.TrimSpace(v))
	want := strings.ToLower(strings.TrimSpace(r.TriggerValue))
	switch r.TriggerOperator {
	case OpEquals:
		return v == want
	case OpContains:
		return want != "" && strings.Contains(v, want)
	}
	return false
}

func lookupAttr(attrs map[string]string, field string) (string, bool) {
	if v, ok := attrs[field]; ok {
		return v, true
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, field) {
			return attrs[k], true
		}
	}
	return "", false
}

// SortRules orders rules by priority, then name, then id.
func SortRules(rules []Rule) []Rule {
	out := append([]Rule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BuildRoles applies active rules to the base chain. An added role goes to
// the end, or just before terminal when the chain currently ends with it.
// Adding a role already present is a no-op.
func BuildRoles(base []string, rules []Rule, attrs map[string]string, terminal string) []string {
	roles := make([]string, 0, len(base)+2)
	for _, r := range base {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	for _, rule := range SortRules(rules) {
		if !rule.Active || !rule.Matches(attrs) {
			continue
		}
		target := strings.TrimSpace(rule.TargetApprover)
		switch rule.ActionType {
		case ActionSkip:
			kept := roles[:0]
			for _, r := range roles {
				if r != target {
					kept = append(kept, r)
				}
			}
			roles = kept
		case ActionAdd:
			if containsRole(roles, target) {
				continue
			}
			if terminal != "" && target != terminal && len(roles) > 0 && roles[len(roles)-1] == terminal {
				roles = append(roles[:len(roles)-1], target, terminal)
			} else {
				roles = append(roles, target)
			}
		}
	}
	return roles
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// DefaultRules is the seed rule set for cleaning requests.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "rule-happy-category", Name: "happy-category-skips-area-manager",
			TriggerField: "category", TriggerOperator: OpContains, TriggerValue: "Happy",
			ActionType: ActionSkip, TargetApprover: RoleAreaManager, Priority: 10, Active: true,
		},
		{
			ID: "rule-happy-store", Name: "happy-store-skips-area-manager",
			TriggerField: "store", TriggerOperator: OpContains, TriggerValue: "Happy",
			ActionType: ActionSkip, TargetApprover: RoleAreaManager, Priority: 10, Active: true,
		},
		{
			ID: "rule-helpers-hr", Name: "helpers-add-hr",
			TriggerField: "category", TriggerOperator: OpEquals, TriggerValue: "Helpers",
			ActionType: ActionAdd, TargetApprover: RoleHR, Priority: 20, Active: true,
		},
	}
}
