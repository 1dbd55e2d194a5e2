package atmodel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalExpressionFieldRefRequiresFieldPath(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{"type":"fieldRef","sourceAlias":"m"}`), &e)
	assert.Error(t, err)
}

func TestUnmarshalExpressionFieldRefValid(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{"type":"fieldRef","sourceAlias":"m","fieldPath":"text"}`), &e)
	require.NoError(t, err)
	assert.Equal(t, ExprFieldRef, e.Type)
	assert.Equal(t, "text", e.FieldPath)
}

func TestUnmarshalExpressionNullLiteralIsValid(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{"type":"literal"}`), &e)
	require.NoError(t, err)
	assert.Nil(t, e.StringValue)
	assert.Nil(t, e.IntegerValue)
	assert.Nil(t, e.BooleanValue)
}

func TestUnmarshalExpressionComparisonRequiresLeft(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{"type":"comparison","op":"eq","right":{"type":"literal","integerValue":1}}`), &e)
	assert.Error(t, err)
}

func TestUnmarshalExpressionComparisonIsNullDoesNotRequireRight(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{
		"type":"comparison",
		"op":"isNull",
		"left":{"type":"fieldRef","sourceAlias":"m","fieldPath":"text"}
	}`), &e)
	require.NoError(t, err)
	assert.Equal(t, OpIsNull, e.ComparisonOp)
}

func TestUnmarshalExpressionComparisonRequiresRightWhenNotNullCheck(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{
		"type":"comparison",
		"op":"eq",
		"left":{"type":"fieldRef","sourceAlias":"m","fieldPath":"text"}
	}`), &e)
	assert.Error(t, err)
}

func TestUnmarshalExpressionLogicalNotRequiresExactlyOneOperand(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{
		"type":"logicalOp",
		"logicalOperator":"not",
		"operands":[
			{"type":"literal","booleanValue":true},
			{"type":"literal","booleanValue":false}
		]
	}`), &e)
	assert.Error(t, err)
}

func TestUnmarshalExpressionArithmeticRequiresBothOperands(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{
		"type":"arithmeticOp",
		"arithmeticOperator":"add",
		"left":{"type":"literal","integerValue":1}
	}`), &e)
	assert.Error(t, err)
}

func TestUnmarshalExpressionBuiltinCallRequiresName(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{"type":"builtinCall"}`), &e)
	assert.Error(t, err)
}

func TestUnmarshalExpressionFunctionCallRequiresRef(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{"type":"functionCall"}`), &e)
	assert.Error(t, err)
}

func TestUnmarshalExpressionCaseRequiresBranches(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{"type":"caseExpression","branches":[]}`), &e)
	assert.Error(t, err)
}

func TestUnmarshalExpressionMissingTypeDiscriminator(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{}`), &e)
	assert.Error(t, err)
}

func TestUnmarshalExpressionUnsupportedType(t *testing.T) {
	var e Expression
	err := json.Unmarshal([]byte(`{"type":"somethingElse"}`), &e)
	assert.Error(t, err)
}
