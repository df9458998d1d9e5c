package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRolesDefaultRules(t *testing.T) {
	cases := []struct {
		name     string
		category string
		store    string
		want     []string
	}{
		{"helpers at happy store", "Helpers", "Happy Downtown", []string{RoleHeadOfOperations, RoleHR}},
		{"helpers elsewhere", "Helpers", "Main Street", []string{RoleAreaManager, RoleHeadOfOperations, RoleHR}},
		{"happy category", "Happy Hour Cleaning", "Main Street", []string{RoleHeadOfOperations}},
		{"plain request", "Deep Clean", "Main Street", []string{RoleAreaManager, RoleHeadOfOperations}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			attrs := map[string]string{"category": tc.category, "store": tc.store}
			got := BuildRoles(DefaultBaseChain, DefaultRules(), attrs, "")
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBuildRolesDeterministic(t *testing.T) {
	rules := DefaultRules()
	reversed := make([]Rule, len(rules))
	for i := range rules {
		reversed[len(rules)-1-i] = rules[i]
	}
	attrs := map[string]string{"category": "Helpers", "store": "Happy Mall"}
	first := BuildRoles(DefaultBaseChain, rules, attrs, "")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, BuildRoles(DefaultBaseChain, reversed, attrs, ""))
	}
}

func TestBuildRolesAddBeforeTerminalAndNoDuplicates(t *testing.T) {
	rules := []Rule{
		{Name: "a", TriggerField: "category", TriggerOperator: OpEquals, TriggerValue: "Helpers", ActionType: ActionAdd, TargetApprover: RoleHR, Priority: 1, Active: true},
		{Name: "b", TriggerField: "category", TriggerOperator: OpEquals, TriggerValue: "Helpers", ActionType: ActionAdd, TargetApprover: RoleHR, Priority: 2, Active: true},
	}
	got := BuildRoles([]string{RoleAreaManager, "Finance"}, rules, map[string]string{"category": "helpers"}, "Finance")
	assert.Equal(t, []string{RoleAreaManager, RoleHR, "Finance"}, got)
}

func TestBuildRolesIgnoresInactiveAndMissingFields(t *testing.T) {
	rules := []Rule{
		{Name: "off", TriggerField: "category", TriggerOperator: OpContains, TriggerValue: "x", ActionType: ActionSkip, TargetApprover: RoleAreaManager, Active: false},
		{Name: "region", TriggerField: "region", TriggerOperator: OpEquals, TriggerValue: "north", ActionType: ActionSkip, TargetApprover: RoleHeadOfOperations, Active: true},
	}
	got := BuildRoles(DefaultBaseChain, rules, map[string]string{"category": "xx"}, "")
	assert.Equal(t, DefaultBaseChain, got)
}

func TestBuildRolesSkipRemovesEveryOccurrence(t *testing.T) {
	rules := []Rule{{Name: "s", TriggerField: "store", TriggerOperator: OpContains, TriggerValue: "kiosk", ActionType: ActionSkip, TargetApprover: RoleAreaManager, Active: true}}
	got := BuildRoles([]string{RoleAreaManager, RoleHeadOfOperations, RoleAreaManager}, rules, map[string]string{"Store": "Airport Kiosk"}, "")
	assert.Equal(t, []string{RoleHeadOfOperations}, got)
}

func TestRuleValidate(t *testing.T) {
	good := DefaultRules()[0]
	assert.NoError(t, good.Validate())

	bad := good
	bad.TriggerOperator = "regex"
	assert.Error(t, bad.Validate())

	bad = good
	bad.ActionType = "replace"
	assert.Error(t, bad.Validate())

	bad = good
	bad.TargetApprover = " "
	assert.Error(t, bad.Validate())
}
