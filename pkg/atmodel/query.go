package atmodel

// Source identifies a query's FROM clause: an aliased collection, optionally
// scoped to a single authority. A collection suffixed ":updates" or ":deletes"
// routes the fetch to the Change Log instead of live state (see §4.I routing
// adapter).
type Source struct {
	Alias       string `json:"alias"`
	Collection  string `json:"collection"`
	AuthorityID string `json:"authorityId,omitempty"`
}

// JoinKind enumerates the four supported join types.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
	JoinRight JoinKind = "right"
	JoinCross JoinKind = "cross"
)

// Join is one declared join against the accumulated row set.
type Join struct {
	Kind      JoinKind    `json:"kind"`
	Source    Source      `json:"source"`
	Predicate *Expression `json:"predicate,omitempty"`
}

// SelectField projects one output column.
type SelectField struct {
	Alias      string      `json:"alias"`
	Expression *Expression `json:"expression"`
}

// NullsOrder controls where nulls sort in an OrderBy key.
type NullsOrder string

const (
	NullsLast  NullsOrder = "last"
	NullsFirst NullsOrder = "first"
)

// OrderKey is one sort key of an ORDER BY clause.
type OrderKey struct {
	Expression *Expression `json:"expression"`
	Descending bool        `json:"descending,omitempty"`
	Nulls      NullsOrder  `json:"nulls,omitempty"`
}

// Query is the root AST produced by a declarative view definition.
type Query struct {
	Select   []SelectField `json:"select"`
	From     Source        `json:"from"`
	Joins    []Join        `json:"joins,omitempty"`
	Where    *Expression   `json:"where,omitempty"`
	GroupBy  []*Expression `json:"groupBy,omitempty"`
	Having   *Expression   `json:"having,omitempty"`
	OrderBy  []OrderKey    `json:"orderBy,omitempty"`
	Limit    *int          `json:"limit,omitempty"`
	Offset   *int          `json:"offset,omitempty"`
	Distinct bool          `json:"distinct,omitempty"`
}

// EndpointKind enumerates the four kinds of XRPC endpoint a deploy can register.
type EndpointKind string

const (
	KindComputed     EndpointKind = "computed"
	KindFunction     EndpointKind = "function"
	KindSearchIndex  EndpointKind = "searchIndex"
	KindSubscription EndpointKind = "subscription"
)

// DeployedEndpoint is one externally-visible XRPC method registered by a deploy.
type DeployedEndpoint struct {
	Name string       `json:"name"`
	Kind EndpointKind `json:"kind"`
	Ref  ResourceRef  `json:"ref"`
}

// ResolvedResource is a single node of a resolved manifest.
type ResolvedResource struct {
	Ref          ResourceRef   `json:"ref"`
	Kind         string        `json:"kind"`
	RecordBody   []byte        `json:"recordBody"`
	Dependencies []ResourceRef `json:"dependencies,omitempty"`
	CodeBlob     []byte        `json:"codeBlob,omitempty"`
}

// DeployManifest is the immutable snapshot produced by the Manifest Builder.
// Once built it is never mutated.
type DeployManifest struct {
	DeployRef  ResourceRef                    `json:"deployRef"`
	Endpoints  []DeployedEndpoint             `json:"endpoints"`
	Resources  map[string]ResolvedResource    `json:"resources"`
	ResolvedAt int64                          `json:"resolvedAt"`
}

// DeployState enumerates the Deploy Orchestrator's state machine states.
type DeployState string

const (
	StatePending    DeployState = "PENDING"
	StateFetching   DeployState = "FETCHING"
	StateResolving  DeployState = "RESOLVING"
	StateBuilding   DeployState = "BUILDING"
	StateActivating DeployState = "ACTIVATING"
	StateActive     DeployState = "ACTIVE"
	StateDraining   DeployState = "DRAINING"
	StateRetired    DeployState = "RETIRED"
	StateFailed     DeployState = "FAILED"
)

// IsTerminal reports whether state has no further transitions.
func (s DeployState) IsTerminal() bool {
	return s == StateRetired || s == StateFailed
}

// DeployStatus tracks one deploy's current lifecycle position.
type DeployStatus struct {
	Ref         ResourceRef     `json:"ref"`
	State       DeployState     `json:"state"`
	Manifest    *DeployManifest `json:"manifest,omitempty"`
	Error       string          `json:"error,omitempty"`
	ActivatedAt *int64          `json:"activatedAt,omitempty"`
	RetiredAt   *int64          `json:"retiredAt,omitempty"`
}

// TrafficRule assigns a basis-points weight to a deploy. A set's weights must
// sum to exactly 10000.
type TrafficRule struct {
	Deploy   ResourceRef `json:"deploy"`
	WeightBP int         `json:"weightBP"`
}

// TotalWeightBP is the basis-points denominator traffic rules must sum to.
const TotalWeightBP = 10000
