package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ppiankov/agentgov/internal/model"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEq      Operator = "eq"
	OpNeq     Operator = "neq"
	OpGt      Operator = "gt"
	OpLt      Operator = "lt"
	OpIn      Operator = "in"
	OpMatches Operator = "matches"
)

// Condition compares one input field against a literal. Value is a string,
// a number, or for OpIn a list of those. OpMatches takes a glob pattern, or
// a regular expression prefixed with "re:".
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// AttributePrefix namespaces caller-supplied attributes in condition fields.
const AttributePrefix = "attributes."

type kind int

const (
	kindString kind = iota + 1
	kindNumber
	kindEnum
)

// enumDomain is an ordered set of names. The index is the ordinal.
type enumDomain []string

func (d enumDomain) ordinal(name string) (int, bool) {
	for i, n := range d {
		if strings.EqualFold(n, name) {
			return i, true
		}
	}
	return 0, false
}

var (
	environmentDomain = enumDomain{string(model.EnvDev), string(model.EnvStaging), string(model.EnvProd)}
	scopeDomain       = enumDomain{string(model.ScopeSingle), string(model.ScopeMulti), string(model.ScopeSystemWide)}
	riskDomain        = enumDomain{"NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}
)

type fieldSpec struct {
	kind   kind
	domain enumDomain
}

var fields = map[string]fieldSpec{
	"tool":                 {kind: kindString},
	"resource":             {kind: kindString},
	"operation":            {kind: kindString},
	"user_id":              {kind: kindString},
	"user_role":            {kind: kindString},
	"workflow_type":        {kind: kindString},
	"workflow_id":          {kind: kindString},
	"stage":                {kind: kindString},
	"environment":          {kind: kindEnum, domain: environmentDomain},
	"scope":                {kind: kindEnum, domain: scopeDomain},
	"risk_level":           {kind: kindEnum, domain: riskDomain},
	"data_classification":  {kind: kindNumber},
	"risk_score":           {kind: kindNumber},
	"user_failure_history": {kind: kindNumber},
}

// Fields returns the names of the built-in condition fields.
func Fields() []string {
	out := make([]string, 0, len(fields))
	for name := range fields {
		out = append(out, name)
	}
	return out
}

func knownField(name string) bool {
	if _, ok := fields[name]; ok {
		return true
	}
	return strings.HasPrefix(name, AttributePrefix) && len(name) > len(AttributePrefix)
}

// value is a resolved input field.
type value struct {
	kind    kind
	str     string
	num     float64
	domain  enumDomain
	numeric bool // string attribute that also parses as a number
}

func stringValue(s string) value { return value{kind: kindString, str: s} }

func numberValue(n float64) value { return value{kind: kindNumber, num: n} }

// enumValue resolves name in d. Names outside the domain are treated as absent.
func enumValue(d enumDomain, name string) (value, bool) {
	ord, ok := d.ordinal(name)
	if !ok {
		return value{}, false
	}
	return value{kind: kindEnum, str: name, num: float64(ord), domain: d}, true
}

func attributeValue(s string) value {
	v := value{kind: kindString, str: s}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		v.num = n
		v.numeric = true
	}
	return v
}

// literal is a condition operand as written in the rule.
type literal struct {
	isNumber bool
	str      string
	num      float64
}

func parseLiteral(v any) (literal, bool) {
	switch x := v.(type) {
	case string:
		return literal{str: x}, true
	case int:
		return literal{isNumber: true, num: float64(x)}, true
	case int64:
		return literal{isNumber: true, num: float64(x)}, true
	case uint64:
		return literal{isNumber: true, num: float64(x)}, true
	case float64:
		return literal{isNumber: true, num: x}, true
	case float32:
		return literal{isNumber: true, num: float64(x)}, true
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return literal{}, false
		}
		return literal{isNumber: true, num: n}, true
	default:
		return literal{}, false
	}
}

// ordinal places the literal on the same axis as v. ok is false when the
// two are not comparable.
func (l literal) ordinal(v value) (float64, bool) {
	switch v.kind {
	case kindNumber:
		return l.num, l.isNumber
	case kindEnum:
		if l.isNumber {
			return l.num, true
		}
		ord, ok := v.domain.ordinal(l.str)
		return float64(ord), ok
	case kindString:
		if v.numeric && l.isNumber {
			return l.num, true
		}
	}
	return 0, false
}

// equal reports equality and whether the operands are comparable at all.
func (l literal) equal(v value) (eq, known bool) {
	switch v.kind {
	case kindString:
		if l.isNumber {
			if !v.numeric {
				return false, false
			}
			return v.num == l.num, true
		}
		return v.str == l.str, true
	case kindNumber, kindEnum:
		ord, ok := l.ordinal(v)
		if !ok {
			return false, false
		}
		return v.num == ord, true
	}
	return false, false
}

// matcher is the compiled form of one operator. The set is closed: evaluate
// switches over every implementation.
type matcher interface{ isMatcher() }

type (
	eqMatcher    struct{ want literal }
	neqMatcher   struct{ want literal }
	gtMatcher    struct{ bound literal }
	ltMatcher    struct{ bound literal }
	inMatcher    struct{ set []literal }
	globMatcher  struct{ pattern string }
	regexMatcher struct{ re *regexp.Regexp }
)

func (eqMatcher) isMatcher()    {}
func (neqMatcher) isMatcher()   {}
func (gtMatcher) isMatcher()    {}
func (ltMatcher) isMatcher()    {}
func (inMatcher) isMatcher()    {}
func (globMatcher) isMatcher()  {}
func (regexMatcher) isMatcher() {}

type compiledCondition struct {
	field string
	m     matcher
}

// compileCondition returns the compiled condition or one violation message.
func compileCondition(c Condition) (compiledCondition, string) {
	field := strings.TrimSpace(c.Field)
	if field == "" {
		return compiledCondition{}, "field is required"
	}
	if !knownField(field) {
		return compiledCondition{}, fmt.Sprintf("field %q is unknown", field)
	}
	if c.Value == nil {
		return compiledCondition{}, "value is required"
	}

	out := compiledCondition{field: field}
	switch c.Operator {
	case OpEq, OpNeq, OpGt, OpLt:
		lit, ok := parseLiteral(c.Value)
		if !ok {
			return compiledCondition{}, fmt.Sprintf("value must be a string or number for operator %s", c.Operator)
		}
		switch c.Operator {
		case OpEq:
			out.m = eqMatcher{want: lit}
		case OpNeq:
			out.m = neqMatcher{want: lit}
		case OpGt:
			out.m = gtMatcher{bound: lit}
		default:
			out.m = ltMatcher{bound: lit}
		}
	case OpIn:
		items, ok := c.Value.([]any)
		if !ok {
			if strs, isStrs := c.Value.([]string); isStrs {
				for _, s := range strs {
					items = append(items, s)
				}
				ok = true
			}
		}
		if !ok || len(items) == 0 {
			return compiledCondition{}, "value must be a non-empty list for operator in"
		}
		set := make([]literal, 0, len(items))
		for _, item := range items {
			lit, ok := parseLiteral(item)
			if !ok {
				return compiledCondition{}, "value list may only contain strings and numbers"
			}
			set = append(set, lit)
		}
		out.m = inMatcher{set: set}
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok || pattern == "" {
			return compiledCondition{}, "value must be a non-empty string for operator matches"
		}
		if expr, isRegex := strings.CutPrefix(pattern, "re:"); isRegex {
			re, err := regexp.Compile(expr)
			if err != nil {
				return compiledCondition{}, fmt.Sprintf("invalid regular expression: %v", err)
			}
			out.m = regexMatcher{re: re}
		} else {
			out.m = globMatcher{pattern: pattern}
		}
	default:
		return compiledCondition{}, fmt.Sprintf("operator %q must be one of eq, neq, gt, lt, in, matches", c.Operator)
	}
	return out, ""
}

// eval applies the condition to in. An absent field or an incompatible
// operand never matches, for every operator including neq.
func (c compiledCondition) eval(in Input) bool {
	v, ok := in.resolve(c.field)
	if !ok {
		return false
	}
	switch m := c.m.(type) {
	case eqMatcher:
		eq, known := m.want.equal(v)
		return known && eq
	case neqMatcher:
		eq, known := m.want.equal(v)
		return known && !eq
	case gtMatcher:
		bound, ok := m.bound.ordinal(v)
		return ok && v.num > bound
	case ltMatcher:
		bound, ok := m.bound.ordinal(v)
		return ok && v.num < bound
	case inMatcher:
		for _, lit := range m.set {
			if eq, known := lit.equal(v); known && eq {
				return true
			}
		}
		return false
	case globMatcher:
		if v.kind == kindNumber {
			return false
		}
		return model.MatchPattern(m.pattern, v.str)
	case regexMatcher:
		if v.kind == kindNumber {
			return false
		}
		return m.re.MatchString(v.str)
	default:
		return false
	}
}
