// ABOUTME: Rule evaluation for incoming instances: filters (accept/reject) and routing adjustments.
// ABOUTME: Operators: equals, not_equals, contains, matches, in, not_in, exists, range.
package receive

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/openimaging/dicomgate/config"
)

// TagLookup resolves a rule's tag reference to the instance's value.
// ok is false when the tag is absent.
type TagLookup func(tagRef string) (value string, ok bool)

// EvalRule reports whether one rule matches the instance.
func EvalRule(rule config.Rule, get TagLookup) bool {
	value, present := get(rule.Tag)
	switch rule.Operator {
	case "exists":
		return present
	case "equals":
		return present && value == rule.Value
	case "not_equals":
		return !present || value != rule.Value
	case "contains":
		return present && strings.Contains(value, rule.Value)
	case "matches":
		if !present {
			return false
		}
		re, err := regexp.Compile(rule.Value)
		return err == nil && re.MatchString(value)
	case "in":
		if !present {
			return false
		}
		for _, v := range rule.Values {
			if value == v {
				return true
			}
		}
		return false
	case "not_in":
		if !present {
			return true
		}
		for _, v := range rule.Values {
			if value == v {
				return false
			}
		}
		return true
	case "range":
		if !present || len(rule.Values) != 2 {
			return false
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return false
		}
		lo, err1 := strconv.ParseFloat(rule.Values[0], 64)
		hi, err2 := strconv.ParseFloat(rule.Values[1], 64)
		return err1 == nil && err2 == nil && n >= lo && n <= hi
	}
	return false
}

// ApplyFilters runs the route's filter rules in order; the first matching
// rule decides. No match means accept.
func ApplyFilters(rules []config.Rule, get TagLookup) (accept bool, matched *config.Rule) {
	for i := range rules {
		r := &rules[i]
		if r.Action != "accept" && r.Action != "reject" {
			continue
		}
		if EvalRule(*r, get) {
			return r.Action == "accept", r
		}
	}
	return true, nil
}

// ApplyRouting evaluates routing rules and returns destination names to add
// to and remove from the study's plan.
func ApplyRouting(rules []config.Rule, get TagLookup) (add, remove []string) {
	for i := range rules {
		r := &rules[i]
		if r.Target == "" {
			continue
		}
		if !EvalRule(*r, get) {
			continue
		}
		switch r.Action {
		case "add_destination":
			add = append(add, r.Target)
		case "remove_destination":
			remove = append(remove, r.Target)
		}
	}
	return add, remove
}

// Validate runs validation rules; every rule must match for the instance to
// be storable. Returns the first failing rule.
func Validate(rules []config.Rule, get TagLookup) (ok bool, failed *config.Rule) {
	for i := range rules {
		r := &rules[i]
		if !EvalRule(*r, get) {
			return false, r
		}
	}
	return true, nil
}
