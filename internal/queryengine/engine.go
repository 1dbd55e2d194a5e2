package queryengine

import (
	"context"
	"sort"
	"strings"

	"github.com/avaast/appview/internal/queryplan"
	"github.com/avaast/appview/pkg/atmodel"
)

// Execute runs plan to completion against ds, returning the final row set as
// field->value maps keyed by select alias.
func Execute(ctx context.Context, plan *queryplan.Plan, ds DataSource, params map[string]interface{}) ([]map[string]interface{}, error) {
	var rows []Row
	var groups [][]Row // parallel to rows after StepGroup: each row's member bag
	sourceIdx := 0

	for _, step := range plan.Pipeline {
		switch step.Kind {
		case queryplan.StepFetch:
			fetched, err := ds.Fetch(ctx, plan.Sources[sourceIdx])
			if err != nil {
				return nil, atmodel.NewUpstreamFailure("fetch query source", err)
			}
			sourceIdx++
			rows = fetched

		case queryplan.StepJoin:
			right, err := ds.Fetch(ctx, step.Join.Source)
			if err != nil {
				return nil, atmodel.NewUpstreamFailure("fetch join source", err)
			}
			sourceIdx++
			rows, err = applyJoin(rows, right, *step.Join, params)
			if err != nil {
				return nil, err
			}

		case queryplan.StepFilter:
			filtered, err := filterRows(rows, nil, step.Expr, params)
			if err != nil {
				return nil, err
			}
			rows = filtered

		case queryplan.StepGroup:
			rows, groups = groupRows(rows, step.Exprs, params)

		case queryplan.StepHaving:
			filtered, filteredGroups, err := filterGrouped(rows, groups, step.Expr, params)
			if err != nil {
				return nil, err
			}
			rows, groups = filtered, filteredGroups

		case queryplan.StepSelect:
			selected, err := selectRows(rows, groups, step.Select, params)
			if err != nil {
				return nil, err
			}
			return finishPostSelect(selected, plan, step), nil
		}
	}

	return nil, atmodel.NewUnsupportedExpression("plan has no select step")
}

// finishPostSelect applies whatever distinct/orderBy/limit steps remain after
// StepSelect in the pipeline. Select must be the terminal producer of output
// rows; the remaining steps only reshape that output.
func finishPostSelect(rows []map[string]interface{}, plan *queryplan.Plan, selectStep queryplan.Step) []map[string]interface{} {
	started := false
	for _, step := range plan.Pipeline {
		if step.Kind == queryplan.StepSelect {
			started = true
			continue
		}
		if !started {
			continue
		}
		switch step.Kind {
		case queryplan.StepDistinct:
			rows = distinctMaps(rows)
		case queryplan.StepOrderBy:
			rows = orderMaps(rows, step.Order)
		case queryplan.StepLimit:
			if step.Limit != nil && *step.Limit >= 0 && *step.Limit < len(rows) {
				rows = rows[:*step.Limit]
			}
		}
	}
	return rows
}

func applyJoin(left, right []Row, join atmodel.Join, params map[string]interface{}) ([]Row, error) {
	var out []Row

	emptyRight := Row{}
	emptyLeft := Row{}
	rightMatched := make([]bool, len(right))

	for _, l := range left {
		matched := false
		for ri, r := range right {
			merged := l.merge(r)
			ok := true
			if join.Kind != atmodel.JoinCross && join.Predicate != nil {
				v, err := evaluate(join.Predicate, evalContext{row: merged, params: params})
				if err != nil {
					return nil, err
				}
				ok = truthy(v)
			}
			if ok {
				out = append(out, merged)
				matched = true
				rightMatched[ri] = true
			}
		}
		if !matched {
			switch join.Kind {
			case atmodel.JoinLeft:
				out = append(out, l.merge(emptyRight))
			case atmodel.JoinInner, atmodel.JoinCross:
				// no row emitted
			case atmodel.JoinRight:
				// left-unmatched rows are dropped; right-unmatched handled below
			}
		}
	}

	if join.Kind == atmodel.JoinRight {
		for ri, r := range right {
			if !rightMatched[ri] {
				out = append(out, emptyLeft.merge(r))
			}
		}
	}

	return out, nil
}

func filterRows(rows []Row, bag []Row, expr *atmodel.Expression, params map[string]interface{}) ([]Row, error) {
	var out []Row
	for _, r := range rows {
		v, err := evaluate(expr, evalContext{row: r, params: params, aggBag: bag})
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			out = append(out, r)
		}
	}
	return out, nil
}

func filterGrouped(rows []Row, groups [][]Row, expr *atmodel.Expression, params map[string]interface{}) ([]Row, [][]Row, error) {
	var outRows []Row
	var outGroups [][]Row
	for i, r := range rows {
		var bag []Row
		if i < len(groups) {
			bag = groups[i]
		}
		v, err := evaluate(expr, evalContext{row: r, params: params, aggBag: bag})
		if err != nil {
			return nil, nil, err
		}
		if truthy(v) {
			outRows = append(outRows, r)
			outGroups = append(outGroups, bag)
		}
	}
	return outRows, outGroups, nil
}

// groupRows partitions rows by the canonical serialization of each groupBy
// expression's value, returning one representative row per group (the first
// member) and each group's full member bag for aggregate consultation.
func groupRows(rows []Row, keys []*atmodel.Expression, params map[string]interface{}) ([]Row, [][]Row) {
	order := make([]string, 0)
	buckets := make(map[string][]Row)
	reps := make(map[string]Row)

	for _, r := range rows {
		var sb strings.Builder
		for _, k := range keys {
			v, _ := evaluate(k, evalContext{row: r, params: params})
			sb.WriteString(canonicalSerialize(v))
			sb.WriteByte('\x1f')
		}
		key := sb.String()
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
			reps[key] = r
		}
		buckets[key] = append(buckets[key], r)
	}

	rows2 := make([]Row, 0, len(order))
	groups := make([][]Row, 0, len(order))
	for _, key := range order {
		rows2 = append(rows2, reps[key])
		groups = append(groups, buckets[key])
	}
	return rows2, groups
}

func selectRows(rows []Row, groups [][]Row, fields []atmodel.SelectField, params map[string]interface{}) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(rows))
	for i, r := range rows {
		var bag []Row
		if i < len(groups) {
			bag = groups[i]
		}
		projected := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			v, err := evaluate(f.Expression, evalContext{row: r, params: params, aggBag: bag})
			if err != nil {
				return nil, err
			}
			projected[f.Alias] = v
		}
		out = append(out, projected)
	}
	return out, nil
}

func distinctMaps(rows []map[string]interface{}) []map[string]interface{} {
	seen := make(map[string]bool, len(rows))
	var out []map[string]interface{}
	for _, r := range rows {
		key := canonicalSerializeMap(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func canonicalSerializeMap(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(canonicalSerialize(m[k]))
		sb.WriteByte('\x1f')
	}
	return sb.String()
}

func orderMaps(rows []map[string]interface{}, keys []atmodel.OrderKey) []map[string]interface{} {
	out := append([]map[string]interface{}{}, rows...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			vi, _ := evaluate(k.Expression, evalContext{row: toRow(out[i])})
			vj, _ := evaluate(k.Expression, evalContext{row: toRow(out[j])})

			niNull, njNull := vi == nil, vj == nil
			if niNull || njNull {
				if niNull == njNull {
					continue
				}
				nullsFirst := k.Nulls == atmodel.NullsFirst
				if niNull {
					return nullsFirst
				}
				return !nullsFirst
			}

			c, ok := compareOrdered(vi, vj)
			if !ok || c == 0 {
				continue
			}
			if k.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out
}

// toRow lets OrderKey expressions (fieldRef against select-output aliases)
// evaluate against the projected map the same way they do against a Row.
func toRow(m map[string]interface{}) Row {
	row := make(Row, len(m))
	for k, v := range m {
		row[k] = v
	}
	return row
}
