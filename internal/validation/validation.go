/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package validation implements the attachment task-sheet validator
// (§4.5.a): for each data row of a task sheet, every mandatory column must
// be non-empty and every cell must pass its declared rule. Rule dispatch is
// a small tagged-variant table rather than a type hierarchy, since the set
// of rule kinds is closed and each evaluator is a handful of lines.
package validation

import "regexp"

// RuleKind names one of the closed set of cell validation rules a task
// sheet column may declare.
type RuleKind string

const (
	RuleLookup               RuleKind = "lookup"
	RuleDependentLookup      RuleKind = "dependent_lookup"
	RuleRegex                RuleKind = "regex"
	RuleRegexDependent       RuleKind = "regex_dependent"
	RuleTyped                RuleKind = "typed"
	RuleLookupRegexDependent RuleKind = "lookup_regex_dependent"
)

// CellType is the scalar type a RuleTyped column must parse as.
type CellType string

const (
	TypeInteger CellType = "integer"
	TypeFloat   CellType = "float"
	TypeString  CellType = "string"
)

// Rule is the tagged variant: only the fields relevant to Kind are read by
// its evaluator. DependsOn names the other column whose value in the same
// row keys SetByKey (dependent-lookup, regex-dependent) or Patterns
// (lookup+regex-dependent); it is nil for rules with no such dependency.
type Rule struct {
	Kind RuleKind

	// Lookup / LookupRegexDependent
	Set []string

	// DependentLookup / LookupRegexDependent
	DependsOn *string
	SetByKey  map[string][]string

	// Regex / RegexDependent / LookupRegexDependent
	Pattern  *regexp.Regexp
	Patterns map[string]*regexp.Regexp

	// Typed
	Type CellType
}

// ColumnSpec is one column of a task sheet's schema: whether it carries the
// mandatory marker, and the rule (if any) its values must satisfy.
type ColumnSpec struct {
	Name      string
	Mandatory bool
	Rule      *Rule
}

// Result is the {emptyCols, invalidCols} outcome named in §4.5.a: the set
// of columns that failed at least once across the sheet, deduplicated so a
// repeat-offending column is only reported once.
type Result struct {
	EmptyCols   []string
	InvalidCols []string
}

func (r Result) HasErrors() bool {
	return len(r.EmptyCols) > 0 || len(r.InvalidCols) > 0
}

// evaluators dispatches a non-empty cell value to its rule kind's checker.
// A rule with an unrecognized Kind (the zero value, or a future addition
// this build predates) passes everything through unevaluated rather than
// reject it outright.
var evaluators = map[RuleKind]func(rule Rule, value string, row map[string]string) bool{
	RuleLookup:               evalLookup,
	RuleDependentLookup:      evalDependentLookup,
	RuleRegex:                evalRegex,
	RuleRegexDependent:       evalRegexDependent,
	RuleTyped:                evalTyped,
	RuleLookupRegexDependent: evalLookupRegexDependent,
}

func evalLookup(rule Rule, value string, _ map[string]string) bool {
	return contains(rule.Set, value)
}

func evalDependentLookup(rule Rule, value string, row map[string]string) bool {
	if rule.DependsOn == nil {
		return true
	}
	key := row[*rule.DependsOn]
	return contains(rule.SetByKey[key], value)
}

func evalRegex(rule Rule, value string, _ map[string]string) bool {
	if rule.Pattern == nil {
		return true
	}
	return rule.Pattern.MatchString(value)
}

func evalRegexDependent(rule Rule, value string, row map[string]string) bool {
	if rule.DependsOn == nil {
		return true
	}
	pattern, ok := rule.Patterns[row[*rule.DependsOn]]
	if !ok || pattern == nil {
		return true
	}
	return pattern.MatchString(value)
}

func evalTyped(rule Rule, value string, _ map[string]string) bool {
	return parsesAs(rule.Type, value)
}

func evalLookupRegexDependent(rule Rule, value string, row map[string]string) bool {
	if rule.DependsOn == nil {
		return true
	}
	key := row[*rule.DependsOn]
	if contains(rule.SetByKey[key], value) {
		return true
	}
	pattern, ok := rule.Patterns[key]
	return ok && pattern != nil && pattern.MatchString(value)
}

func contains(set []string, value string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}

func parsesAs(t CellType, value string) bool {
	switch t {
	case TypeInteger:
		return integerPattern.MatchString(value)
	case TypeFloat:
		return floatPattern.MatchString(value)
	case TypeString:
		return true
	default:
		return true
	}
}

var (
	integerPattern = regexp.MustCompile(`^-?[0-9]+$`)
	floatPattern   = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
)

// ValidateSheet checks every data row against columns, returning the
// deduplicated set of columns that ever had an empty mandatory cell and
// the set that ever failed their declared rule. A mandatory-but-empty
// cell is reported as empty only, never also run through its rule.
func ValidateSheet(rows []map[string]string, columns []ColumnSpec) Result {
	empty := map[string]bool{}
	invalid := map[string]bool{}

	for _, row := range rows {
		for _, col := range columns {
			value, present := row[col.Name]
			if col.Mandatory && (!present || value == "") {
				empty[col.Name] = true
				continue
			}
			if value == "" || col.Rule == nil {
				continue
			}
			eval, ok := evaluators[col.Rule.Kind]
			if !ok {
				continue
			}
			if !eval(*col.Rule, value, row) {
				invalid[col.Name] = true
			}
		}
	}

	return Result{EmptyCols: keys(empty), InvalidCols: keys(invalid)}
}

func keys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
