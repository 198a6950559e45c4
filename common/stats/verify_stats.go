package stats

import (
	"bytes"
	"fmt"
	"testing"
)

// RuleChecker compares a rendered stat ('got') against an expected value.
type RuleChecker struct {
	name    string
	checker func(got, expected interface{}) bool
}

func nilCheck(a, b interface{}) (nilFound, eqValues bool) {
	if a == nil && b == nil {
		return true, true
	} else if a == nil || b == nil {
		return true, false
	}
	return false, false
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	panic(fmt.Sprintf("not an integer stat: %v", v))
}

var Int64EqTest = RuleChecker{name: "Int64EqTest", checker: func(a, b interface{}) bool {
	if nilFound, eq := nilCheck(a, b); nilFound {
		return eq
	}
	return toInt64(a) == toInt64(b)
}}

var Int64GTETest = RuleChecker{name: "Int64GTETest", checker: func(a, b interface{}) bool {
	if nilFound, eq := nilCheck(a, b); nilFound {
		return eq
	}
	return toInt64(a) >= toInt64(b)
}}

var FloatGTTest = RuleChecker{name: "FloatGTTest", checker: func(a, b interface{}) bool {
	if nilFound, eq := nilCheck(a, b); nilFound {
		return eq
	}
	return a.(float64) > b.(float64)
}}

var DoesNotExistTest = RuleChecker{name: "DoesNotExistTest", checker: func(a, b interface{}) bool {
	return a == nil
}}

// Rule pairs a checker with the expected value.
type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

// VerifyStats fails t for every key in contains whose rendered value breaks its rule.
// Only registries built with NewFinagleStatsRegistry can be verified.
func VerifyStats(tag string, stat StatsReceiver, t *testing.T, contains map[string]Rule) {
	t.Helper()
	reg, ok := RegistryOf(stat).(*finagleStatsRegistry)
	if !ok {
		t.Errorf("%s: stats receiver is not backed by a finagle registry", tag)
		return
	}

	all := reg.MarshalAll()
	var msg bytes.Buffer
	for key, rule := range contains {
		got := all[key]
		if rule.Checker.checker(got, rule.Value) {
			continue
		}
		if rule.Checker.name == DoesNotExistTest.name {
			fmt.Fprintf(&msg, "%s: found stat entry when there should not be one\n", key)
		} else {
			fmt.Fprintf(&msg, "%s: got %v, expected to pass %s with %v\n", key, got, rule.Checker.name, rule.Value)
		}
	}
	if msg.Len() > 0 {
		pretty, _ := reg.MarshalJSONPretty()
		t.Errorf("%s: stats registry error:\n%s%s", tag, msg.String(), pretty)
	}
}
