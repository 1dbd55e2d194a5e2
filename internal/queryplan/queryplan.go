// Package queryplan compiles a declarative Query into a linear execution
// Plan: fetch, joins in declaration order, optional filter/group/having,
// mandatory select, then optional distinct/orderBy/limit (§4.H).
//
// Planning performs shape validation only (every clause present where
// required); it never evaluates expressions or touches data.
package queryplan

import (
	"github.com/avaast/appview/pkg/atmodel"
)

// StepKind enumerates the canonical pipeline step kinds.
type StepKind string

const (
	StepFetch    StepKind = "fetch"
	StepJoin     StepKind = "join"
	StepFilter   StepKind = "filter"
	StepGroup    StepKind = "group"
	StepHaving   StepKind = "having"
	StepSelect   StepKind = "select"
	StepDistinct StepKind = "distinct"
	StepOrderBy  StepKind = "orderBy"
	StepLimit    StepKind = "limit"
)

// Step is one stage of the linear execution pipeline.
type Step struct {
	Kind   StepKind
	Join   *atmodel.Join
	Expr   *atmodel.Expression
	Exprs  []*atmodel.Expression
	Select []atmodel.SelectField
	Order  []atmodel.OrderKey
	Limit  *int
}

// Plan is the canonical, ordered execution pipeline for a Query.
type Plan struct {
	Sources  []atmodel.Source
	Pipeline []Step
}

// Compile transforms q into its canonical Plan. It is a pure function: the
// same Query always compiles to the same Plan.
func Compile(q atmodel.Query) (*Plan, error) {
	if len(q.Select) == 0 {
		return nil, atmodel.NewUnsupportedExpression("query has no select fields")
	}
	if q.From.Collection == "" {
		return nil, atmodel.NewUnsupportedExpression("query has no from source")
	}

	plan := &Plan{Sources: []atmodel.Source{q.From}}
	plan.Pipeline = append(plan.Pipeline, Step{Kind: StepFetch})

	for i := range q.Joins {
		j := q.Joins[i]
		plan.Sources = append(plan.Sources, j.Source)
		plan.Pipeline = append(plan.Pipeline, Step{Kind: StepJoin, Join: &j})
	}

	if q.Where != nil {
		plan.Pipeline = append(plan.Pipeline, Step{Kind: StepFilter, Expr: q.Where})
	}

	if len(q.GroupBy) > 0 {
		plan.Pipeline = append(plan.Pipeline, Step{Kind: StepGroup, Exprs: q.GroupBy})
	}

	if q.Having != nil {
		if len(q.GroupBy) == 0 {
			return nil, atmodel.NewUnsupportedExpression("having without groupBy")
		}
		plan.Pipeline = append(plan.Pipeline, Step{Kind: StepHaving, Expr: q.Having})
	}

	plan.Pipeline = append(plan.Pipeline, Step{Kind: StepSelect, Select: q.Select})

	if q.Distinct {
		plan.Pipeline = append(plan.Pipeline, Step{Kind: StepDistinct})
	}

	if len(q.OrderBy) > 0 {
		plan.Pipeline = append(plan.Pipeline, Step{Kind: StepOrderBy, Order: q.OrderBy})
	}

	if q.Limit != nil {
		plan.Pipeline = append(plan.Pipeline, Step{Kind: StepLimit, Limit: q.Limit})
	}

	return plan, nil
}
