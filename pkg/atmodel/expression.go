package atmodel

import (
	"encoding/json"
	"fmt"
)

// ExpressionType discriminates Expression variants. Mirrors the @type discriminator
// pattern used to parse tagged JSON-LD variants.
type ExpressionType string

const (
	ExprFieldRef    ExpressionType = "fieldRef"
	ExprLiteral     ExpressionType = "literal"
	ExprComparison  ExpressionType = "comparison"
	ExprLogicalOp   ExpressionType = "logicalOp"
	ExprArithmetic  ExpressionType = "arithmeticOp"
	ExprBuiltinCall ExpressionType = "builtinCall"
	ExprFunctionCall ExpressionType = "functionCall"
	ExprCase        ExpressionType = "caseExpression"
)

// ComparisonOp enumerates Comparison operators.
type ComparisonOp string

const (
	OpEq        ComparisonOp = "eq"
	OpNeq       ComparisonOp = "neq"
	OpGt        ComparisonOp = "gt"
	OpGte       ComparisonOp = "gte"
	OpLt        ComparisonOp = "lt"
	OpLte       ComparisonOp = "lte"
	OpLike      ComparisonOp = "like"
	OpIn        ComparisonOp = "in"
	OpNotIn     ComparisonOp = "notIn"
	OpIsNull    ComparisonOp = "isNull"
	OpIsNotNull ComparisonOp = "isNotNull"
	OpBetween   ComparisonOp = "between"
)

// LogicalOperator enumerates LogicalOp operators.
type LogicalOperator string

const (
	LogAnd LogicalOperator = "and"
	LogOr  LogicalOperator = "or"
	LogNot LogicalOperator = "not"
)

// ArithmeticOperator enumerates ArithmeticOp operators.
type ArithmeticOperator string

const (
	ArithAdd      ArithmeticOperator = "add"
	ArithSubtract ArithmeticOperator = "subtract"
	ArithMultiply ArithmeticOperator = "multiply"
	ArithDivide   ArithmeticOperator = "divide"
	ArithModulo   ArithmeticOperator = "modulo"
)

// CaseBranch is one WHEN/THEN pair of a CaseExpression.
type CaseBranch struct {
	When *Expression `json:"when"`
	Then *Expression `json:"then"`
}

// Expression is the tagged-variant AST node for all query expressions. Exactly the
// fields relevant to Type are populated; the rest are nil/zero.
type Expression struct {
	Type ExpressionType `json:"type"`

	// FieldRef
	SourceAlias string `json:"sourceAlias,omitempty"`
	FieldPath   string `json:"fieldPath,omitempty"`

	// Literal
	StringValue  *string `json:"stringValue,omitempty"`
	IntegerValue *int64  `json:"integerValue,omitempty"`
	BooleanValue *bool   `json:"booleanValue,omitempty"`

	// Comparison
	ComparisonOp ComparisonOp `json:"op,omitempty"`
	Left         *Expression  `json:"left,omitempty"`
	Right        *Expression  `json:"right,omitempty"`

	// LogicalOp
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
	Operands        []*Expression   `json:"operands,omitempty"`

	// ArithmeticOp
	ArithmeticOperator ArithmeticOperator `json:"arithmeticOperator,omitempty"`

	// BuiltinCall / FunctionCall
	Name string        `json:"name,omitempty"`
	Ref  string         `json:"ref,omitempty"`
	Args []*Expression `json:"args,omitempty"`

	// CaseExpression
	Branches  []CaseBranch `json:"branches,omitempty"`
	ElseValue *Expression  `json:"elseValue,omitempty"`
}

// UnmarshalJSON validates that the required fields for Type are present, catching
// malformed ASTs at parse time rather than deep in evaluation.
func (e *Expression) UnmarshalJSON(data []byte) error {
	type alias Expression
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("atmodel: parse expression: %w", err)
	}
	*e = Expression(a)

	switch e.Type {
	case ExprFieldRef:
		if e.FieldPath == "" {
			return fmt.Errorf("atmodel: fieldRef missing fieldPath")
		}
	case ExprLiteral:
		// null literal (all three absent) is valid
	case ExprComparison:
		if e.Left == nil {
			return fmt.Errorf("atmodel: comparison missing left operand")
		}
		if e.Right == nil && e.ComparisonOp != OpIsNull && e.ComparisonOp != OpIsNotNull {
			return fmt.Errorf("atmodel: comparison %q requires right operand", e.ComparisonOp)
		}
	case ExprLogicalOp:
		if e.LogicalOperator == LogNot && len(e.Operands) != 1 {
			return fmt.Errorf("atmodel: logical 'not' requires exactly one operand")
		}
	case ExprArithmetic:
		if e.Left == nil || e.Right == nil {
			return fmt.Errorf("atmodel: arithmeticOp requires left and right operands")
		}
	case ExprBuiltinCall:
		if e.Name == "" {
			return fmt.Errorf("atmodel: builtinCall missing name")
		}
	case ExprFunctionCall:
		if e.Ref == "" {
			return fmt.Errorf("atmodel: functionCall missing ref")
		}
	case ExprCase:
		if len(e.Branches) == 0 {
			return fmt.Errorf("atmodel: caseExpression has no branches")
		}
	case "":
		return fmt.Errorf("atmodel: expression missing type discriminator")
	default:
		return fmt.Errorf("atmodel: unsupported expression type %q", e.Type)
	}
	return nil
}
