package queryengine

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avaast/appview/pkg/atmodel"
)

const paramsAlias = "$params"

// evalContext carries everything expression evaluation may consult.
type evalContext struct {
	row    Row
	params map[string]interface{}
	// aggBag holds the current group's member rows for builtin aggregates,
	// set once StepGroup has run; nil outside a grouped pipeline.
	aggBag []Row
}

// truthy implements the truthiness rule: null/undefined, 0, "", and false are
// falsy; everything else, including empty slices/maps, is truthy.
func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int64:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

func evaluate(e *atmodel.Expression, ec evalContext) (interface{}, error) {
	if e == nil {
		return nil, nil
	}

	switch e.Type {
	case atmodel.ExprFieldRef:
		return evalFieldRef(e, ec)

	case atmodel.ExprLiteral:
		return evalLiteral(e), nil

	case atmodel.ExprComparison:
		return evalComparison(e, ec)

	case atmodel.ExprLogicalOp:
		return evalLogical(e, ec)

	case atmodel.ExprArithmetic:
		return evalArithmetic(e, ec)

	case atmodel.ExprBuiltinCall:
		return evalBuiltin(e, ec)

	case atmodel.ExprFunctionCall:
		return nil, atmodel.NewUnsupportedExpression("functionCall expressions cannot be evaluated synchronously: " + e.Ref)

	case atmodel.ExprCase:
		return evalCase(e, ec)

	default:
		return nil, atmodel.NewUnsupportedExpression("unknown expression type: " + string(e.Type))
	}
}

func evalFieldRef(e *atmodel.Expression, ec evalContext) (interface{}, error) {
	if e.SourceAlias == paramsAlias {
		v, _ := navigatePath(ec.params, strings.Split(e.FieldPath, "."))
		return v, nil
	}

	if e.SourceAlias == "" {
		// Post-select rows are keyed by plain output alias, not "alias.field".
		if v, ok := ec.row[e.FieldPath]; ok {
			return v, nil
		}
	}

	full := e.SourceAlias + "." + e.FieldPath
	if v, ok := ec.row[full]; ok {
		return v, nil
	}

	// Longest-prefix strategy: walk the fieldPath from the full path down to a
	// single segment, using the first row key that matches as a base value and
	// navigating the remaining segments into it.
	parts := strings.Split(e.FieldPath, ".")
	for i := len(parts) - 1; i > 0; i-- {
		prefix := e.SourceAlias + "." + strings.Join(parts[:i], ".")
		base, ok := ec.row[prefix]
		if !ok {
			continue
		}
		if v, ok := navigatePath(base, parts[i:]); ok {
			return v, nil
		}
	}
	return nil, nil
}

func navigatePath(base interface{}, remaining []string) (interface{}, bool) {
	cur := base
	for _, seg := range remaining {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func evalLiteral(e *atmodel.Expression) interface{} {
	switch {
	case e.StringValue != nil:
		return *e.StringValue
	case e.IntegerValue != nil:
		return *e.IntegerValue
	case e.BooleanValue != nil:
		return *e.BooleanValue
	default:
		return nil
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func compareOrdered(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func equalValues(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return a == b
}

func evalComparison(e *atmodel.Expression, ec evalContext) (interface{}, error) {
	left, err := evaluate(e.Left, ec)
	if err != nil {
		return nil, err
	}

	switch e.ComparisonOp {
	case atmodel.OpIsNull:
		return left == nil, nil
	case atmodel.OpIsNotNull:
		return left != nil, nil
	}

	switch e.ComparisonOp {
	case atmodel.OpIn, atmodel.OpNotIn:
		found := false
		for _, arg := range e.Args {
			v, err := evaluate(arg, ec)
			if err != nil {
				return nil, err
			}
			if equalValues(left, v) {
				found = true
				break
			}
		}
		if e.ComparisonOp == atmodel.OpIn {
			return found, nil
		}
		return !found, nil

	case atmodel.OpBetween:
		if len(e.Args) != 2 {
			return nil, atmodel.NewUnsupportedExpression("between requires exactly two bounds")
		}
		low, err := evaluate(e.Args[0], ec)
		if err != nil {
			return nil, err
		}
		high, err := evaluate(e.Args[1], ec)
		if err != nil {
			return nil, err
		}
		cLow, ok1 := compareOrdered(left, low)
		cHigh, ok2 := compareOrdered(left, high)
		if !ok1 || !ok2 {
			return false, nil
		}
		return cLow >= 0 && cHigh <= 0, nil

	case atmodel.OpLike:
		right, err := evaluate(e.Right, ec)
		if err != nil {
			return nil, err
		}
		pattern, ok1 := left.(string)
		needle, ok2 := right.(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		re := likeToRegexp(needle)
		return re.MatchString(pattern), nil
	}

	right, err := evaluate(e.Right, ec)
	if err != nil {
		return nil, err
	}

	switch e.ComparisonOp {
	case atmodel.OpEq:
		return equalValues(left, right), nil
	case atmodel.OpNeq:
		return !equalValues(left, right), nil
	case atmodel.OpGt, atmodel.OpGte, atmodel.OpLt, atmodel.OpLte:
		c, ok := compareOrdered(left, right)
		if !ok {
			return false, nil
		}
		switch e.ComparisonOp {
		case atmodel.OpGt:
			return c > 0, nil
		case atmodel.OpGte:
			return c >= 0, nil
		case atmodel.OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	default:
		return nil, atmodel.NewUnsupportedExpression("unknown comparison operator: " + string(e.ComparisonOp))
	}
}

// likeToRegexp anchors a SQL-style "%"/"_" pattern as a case-sensitive regexp.
func likeToRegexp(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return regexp.MustCompile("$^") // matches nothing
	}
	return re
}

func evalLogical(e *atmodel.Expression, ec evalContext) (interface{}, error) {
	switch e.LogicalOperator {
	case atmodel.LogNot:
		v, err := evaluate(e.Operands[0], ec)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil

	case atmodel.LogAnd:
		for _, op := range e.Operands {
			v, err := evaluate(op, ec)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil

	case atmodel.LogOr:
		for _, op := range e.Operands {
			v, err := evaluate(op, ec)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil

	default:
		return nil, atmodel.NewUnsupportedExpression("unknown logical operator: " + string(e.LogicalOperator))
	}
}

func evalArithmetic(e *atmodel.Expression, ec evalContext) (interface{}, error) {
	left, err := evaluate(e.Left, ec)
	if err != nil {
		return nil, err
	}
	right, err := evaluate(e.Right, ec)
	if err != nil {
		return nil, err
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, atmodel.NewUnsupportedExpression("arithmeticOp requires numeric operands")
	}

	switch e.ArithmeticOperator {
	case atmodel.ArithAdd:
		return lf + rf, nil
	case atmodel.ArithSubtract:
		return lf - rf, nil
	case atmodel.ArithMultiply:
		return lf * rf, nil
	case atmodel.ArithDivide:
		if rf == 0 {
			return float64(0), nil
		}
		return lf / rf, nil
	case atmodel.ArithModulo:
		if rf == 0 {
			return float64(0), nil
		}
		return float64(int64(lf) % int64(rf)), nil
	default:
		return nil, atmodel.NewUnsupportedExpression("unknown arithmetic operator: " + string(e.ArithmeticOperator))
	}
}

func evalBuiltin(e *atmodel.Expression, ec evalContext) (interface{}, error) {
	switch e.Name {
	case "now":
		return time.Now().UTC().Format(time.RFC3339), nil

	case "count":
		if len(e.Args) == 0 {
			return int64(len(ec.aggBag)), nil
		}
		if len(e.Args) != 1 {
			return nil, atmodel.NewUnsupportedExpression("count accepts at most one argument")
		}
		var n int64
		for _, r := range ec.aggBag {
			v, err := evaluate(e.Args[0], evalContext{row: r, params: ec.params})
			if err != nil {
				return nil, err
			}
			if v != nil {
				n++
			}
		}
		return n, nil

	case "sum", "avg", "min", "max":
		if len(e.Args) != 1 {
			return nil, atmodel.NewUnsupportedExpression(e.Name + " requires exactly one argument")
		}
		values := make([]float64, 0, len(ec.aggBag))
		for _, r := range ec.aggBag {
			v, err := evaluate(e.Args[0], evalContext{row: r, params: ec.params})
			if err != nil {
				return nil, err
			}
			if f, ok := toFloat(v); ok {
				values = append(values, f)
			}
		}
		return aggregate(e.Name, values), nil

	default:
		return nil, atmodel.NewUnsupportedExpression("unknown builtin: " + e.Name)
	}
}

func aggregate(name string, values []float64) interface{} {
	if len(values) == 0 {
		if name == "sum" {
			return float64(0)
		}
		return nil
	}
	switch name {
	case "sum":
		var total float64
		for _, v := range values {
			total += v
		}
		return total
	case "avg":
		var total float64
		for _, v := range values {
			total += v
		}
		return total / float64(len(values))
	case "min":
		sorted := append([]float64{}, values...)
		sort.Float64s(sorted)
		return sorted[0]
	case "max":
		sorted := append([]float64{}, values...)
		sort.Float64s(sorted)
		return sorted[len(sorted)-1]
	default:
		return nil
	}
}

func evalCase(e *atmodel.Expression, ec evalContext) (interface{}, error) {
	for _, branch := range e.Branches {
		v, err := evaluate(branch.When, ec)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return evaluate(branch.Then, ec)
		}
	}
	if e.ElseValue != nil {
		return evaluate(e.ElseValue, ec)
	}
	return nil, nil
}

// EvaluateBool evaluates expr against a plain record (not alias-prefixed),
// for callers outside the query pipeline — e.g. Subscription Manager filter
// predicates. A nil expr is vacuously true.
func EvaluateBool(expr *atmodel.Expression, record map[string]interface{}) (bool, error) {
	if expr == nil {
		return true, nil
	}
	row := make(Row, len(record))
	for k, v := range record {
		row[k] = v
	}
	v, err := evaluate(expr, evalContext{row: row})
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// canonicalSerialize produces a stable string form of v for grouping keys and
// distinct dedup.
func canonicalSerialize(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "s:" + x
	case bool:
		return "b:" + strconv.FormatBool(x)
	case int64:
		return "n:" + strconv.FormatFloat(float64(x), 'g', -1, 64)
	case int:
		return "n:" + strconv.FormatFloat(float64(x), 'g', -1, 64)
	case float64:
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("v:%v", x)
	}
}
