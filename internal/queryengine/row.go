// Package queryengine executes a compiled Plan against live or historical
// data, evaluating the full Expression AST over Row = map[string]value with
// "alias.field" keys (§4.I).
package queryengine

import (
	"context"
	"strings"

	"github.com/avaast/appview/internal/changelog"
	"github.com/avaast/appview/pkg/atmodel"
)

// Row is one working tuple keyed by "alias.field".
type Row map[string]interface{}

// clone returns a shallow copy, safe to extend without mutating the original.
func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// merge returns a new row containing both r and other's fields, other's
// fields taking precedence on key collision.
func (r Row) merge(other Row) Row {
	out := r.clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

func prefixRecord(alias string, record map[string]interface{}) Row {
	row := make(Row, len(record))
	for k, v := range record {
		row[alias+"."+k] = v
	}
	return row
}

// LiveFetcher returns every current record of a collection for an authority,
// each record a plain field->value map (already JSON-decoded).
type LiveFetcher func(ctx context.Context, collection, authorityID string) ([]map[string]interface{}, error)

// ChangelogQuerier is the subset of changelog.Log used by the ":updates"/
// ":deletes" routing adapter.
type ChangelogQuerier interface {
	Query(ctx context.Context, f changelog.Filter) ([]changelog.Entry, error)
}

const (
	updatesSuffix = ":updates"
	deletesSuffix = ":deletes"
)

// DataSource fetches rows for one Source, routing ":updates"/":deletes"
// suffixed collections to the Change Log instead of live state.
type DataSource struct {
	Live      LiveFetcher
	Changelog ChangelogQuerier
}

// Fetch returns every row for source, alias-prefixed.
func (ds DataSource) Fetch(ctx context.Context, source atmodel.Source) ([]Row, error) {
	switch {
	case strings.HasSuffix(source.Collection, updatesSuffix):
		return ds.fetchChangelog(ctx, source, strings.TrimSuffix(source.Collection, updatesSuffix), "update")
	case strings.HasSuffix(source.Collection, deletesSuffix):
		return ds.fetchChangelog(ctx, source, strings.TrimSuffix(source.Collection, deletesSuffix), "delete")
	default:
		records, err := ds.Live(ctx, source.Collection, source.AuthorityID)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, 0, len(records))
		for _, rec := range records {
			rows = append(rows, prefixRecord(source.Alias, rec))
		}
		return rows, nil
	}
}

func (ds DataSource) fetchChangelog(ctx context.Context, source atmodel.Source, collection, eventType string) ([]Row, error) {
	entries, err := ds.Changelog.Query(ctx, changelog.Filter{
		Collection:  collection,
		AuthorityID: source.AuthorityID,
		EventType:   eventType,
	})
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		record := map[string]interface{}{
			"_rkey":        e.RecordKey,
			"_authorityId": e.AuthorityID,
			"_eventType":   e.EventType,
			"_createdAt":   e.CreatedAt,
			"body":         string(e.BodyJSON),
		}
		rows = append(rows, prefixRecord(source.Alias, record))
	}
	return rows, nil
}
