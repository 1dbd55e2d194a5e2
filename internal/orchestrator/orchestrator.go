// Package orchestrator drives each deploy through its lifecycle state machine
// and enforces the active-deploy concurrency cap (§4.G).
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avaast/appview/internal/manifest"
	"github.com/avaast/appview/internal/platform/logging"
	"github.com/avaast/appview/pkg/atmodel"
)

// validTransitions mirrors the linear lifecycle plus the universal escape
// hatch to FAILED from any non-terminal state.
var validTransitions = map[atmodel.DeployState][]atmodel.DeployState{
	atmodel.StatePending:    {atmodel.StateFetching, atmodel.StateFailed},
	atmodel.StateFetching:   {atmodel.StateResolving, atmodel.StateFailed},
	atmodel.StateResolving:  {atmodel.StateBuilding, atmodel.StateFailed},
	atmodel.StateBuilding:   {atmodel.StateActivating, atmodel.StateFailed},
	atmodel.StateActivating: {atmodel.StateActive, atmodel.StateFailed},
	atmodel.StateActive:     {atmodel.StateDraining, atmodel.StateFailed},
	atmodel.StateDraining:   {atmodel.StateRetired, atmodel.StateFailed},
}

func canTransition(from, to atmodel.DeployState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// DeployRecord is the parsed body of a "deploy" collection record: the set of
// endpoints this deploy wants to register.
type DeployRecord struct {
	Endpoints []atmodel.DeployedEndpoint
}

// TransitionFunc is notified on every state change, with the manifest
// attached once one has been built (ACTIVATING onward).
type TransitionFunc func(ref atmodel.ResourceRef, state atmodel.DeployState, manifest *atmodel.DeployManifest)

// Config configures an Orchestrator.
type Config struct {
	MaxActiveDeploys int
	Resolver         manifest.Resolver
	OnTransition     TransitionFunc
	Logger           *logging.ContextLogger
}

// Orchestrator holds the lifecycle state of every known deploy and serializes
// transitions per deployRef (§5: "per-deployRef-serialized transitions").
type Orchestrator struct {
	cfg Config
	log *logging.ContextLogger

	mu       sync.Mutex
	deploys  map[string]*atmodel.DeployStatus
	inFlight map[string]bool
}

// New builds an Orchestrator. A non-positive MaxActiveDeploys defaults to 2.
func New(cfg Config) *Orchestrator {
	if cfg.MaxActiveDeploys <= 0 {
		cfg.MaxActiveDeploys = 2
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewContextLogger(logging.New(logging.DefaultConfig("appview")), nil)
	}
	return &Orchestrator{
		cfg:      cfg,
		log:      log.Component("orchestrator"),
		deploys:  make(map[string]*atmodel.DeployStatus),
		inFlight: make(map[string]bool),
	}
}

// Status returns a copy of a deploy's current status, if known.
func (o *Orchestrator) Status(ref atmodel.ResourceRef) (atmodel.DeployStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.deploys[ref.Key()]
	if !ok {
		return atmodel.DeployStatus{}, false
	}
	return *st, true
}

func (o *Orchestrator) transition(ref atmodel.ResourceRef, st *atmodel.DeployStatus, to atmodel.DeployState, mf *atmodel.DeployManifest) error {
	if !canTransition(st.State, to) {
		return fmt.Errorf("invalid transition %s -> %s for %s", st.State, to, ref.Key())
	}
	st.State = to
	if mf != nil {
		st.Manifest = mf
	}
	if to == atmodel.StateActive {
		now := time.Now().Unix()
		st.ActivatedAt = &now
	}
	if to == atmodel.StateRetired {
		now := time.Now().Unix()
		st.RetiredAt = &now
	}
	if o.cfg.OnTransition != nil {
		o.cfg.OnTransition(ref, to, st.Manifest)
	}
	return nil
}

func (o *Orchestrator) fail(ref atmodel.ResourceRef, st *atmodel.DeployStatus, reason string) {
	st.State = atmodel.StateFailed
	st.Error = reason
	if o.cfg.OnTransition != nil {
		o.cfg.OnTransition(ref, atmodel.StateFailed, nil)
	}
}

// ProcessDeploy drives ref through FETCHING -> RESOLVING -> BUILDING ->
// ACTIVATING -> ACTIVE. record carries the endpoints the deploy registers.
// Enforces the MaxActiveDeploys cap by draining the oldest ACTIVE deploy
// (by ActivatedAt) before activating a new one.
func (o *Orchestrator) ProcessDeploy(ctx context.Context, ref atmodel.ResourceRef, record DeployRecord) error {
	o.mu.Lock()
	if o.inFlight[ref.Key()] {
		o.mu.Unlock()
		return fmt.Errorf("deploy %s already has a processDeploy in flight", ref.Key())
	}
	o.inFlight[ref.Key()] = true
	st, ok := o.deploys[ref.Key()]
	if !ok {
		st = &atmodel.DeployStatus{Ref: ref, State: atmodel.StatePending}
		o.deploys[ref.Key()] = st
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inFlight, ref.Key())
		o.mu.Unlock()
	}()

	o.mu.Lock()
	if err := o.transition(ref, st, atmodel.StateFetching, nil); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.mu.Lock()
	if err := o.transition(ref, st, atmodel.StateResolving, nil); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.mu.Lock()
	if err := o.transition(ref, st, atmodel.StateBuilding, nil); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	mf, err := manifest.Build(ctx, ref, record.Endpoints, o.cfg.Resolver, o.log)
	if err != nil {
		o.mu.Lock()
		o.fail(ref, st, err.Error())
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	if err := o.transition(ref, st, atmodel.StateActivating, mf); err != nil {
		o.mu.Unlock()
		return err
	}
	o.enforceConcurrencyCapLocked(ref)
	if err := o.transition(ref, st, atmodel.StateActive, nil); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.log.WithField("deploy", ref.Key()).Info("deploy active")
	return nil
}

// enforceConcurrencyCapLocked forces the oldest ACTIVE deploys into DRAINING
// until the active count (including the one about to activate) is within the
// configured cap. Caller must hold o.mu.
func (o *Orchestrator) enforceConcurrencyCapLocked(incoming atmodel.ResourceRef) {
	var active []*atmodel.DeployStatus
	for key, st := range o.deploys {
		if key == incoming.Key() {
			continue
		}
		if st.State == atmodel.StateActive {
			active = append(active, st)
		}
	}
	if len(active)+1 <= o.cfg.MaxActiveDeploys {
		return
	}

	sort.Slice(active, func(i, j int) bool {
		ai, aj := int64(0), int64(0)
		if active[i].ActivatedAt != nil {
			ai = *active[i].ActivatedAt
		}
		if active[j].ActivatedAt != nil {
			aj = *active[j].ActivatedAt
		}
		return ai < aj
	})

	excess := len(active) + 1 - o.cfg.MaxActiveDeploys
	for i := 0; i < excess && i < len(active); i++ {
		st := active[i]
		if err := o.transition(st.Ref, st, atmodel.StateDraining, nil); err != nil {
			o.log.WithError(err).Warn("failed to drain deploy for concurrency cap")
			continue
		}
		o.log.WithField("deploy", st.Ref.Key()).Info("draining deploy to enforce concurrency cap")
	}
}

// RetireDeploy moves ref from ACTIVE to DRAINING to RETIRED. A deploy already
// DRAINING (e.g. forced there by the concurrency cap) only takes the second
// step. A production implementation would wait for in-flight operations
// against the deploy between the two transitions (§4.G); this one does not.
func (o *Orchestrator) RetireDeploy(ref atmodel.ResourceRef) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.deploys[ref.Key()]
	if !ok {
		return fmt.Errorf("unknown deploy: %s", ref.Key())
	}
	if st.State == atmodel.StateActive {
		if err := o.transition(ref, st, atmodel.StateDraining, nil); err != nil {
			return err
		}
	}
	return o.transition(ref, st, atmodel.StateRetired, nil)
}

// AppViewRecord is the parsed body of an "appView" collection record: traffic
// rules plus the endpoint set that should become externally routable.
type AppViewRecord struct {
	Rules     []atmodel.TrafficRule
	Endpoints []atmodel.DeployedEndpoint
}

// AppViewHandler receives the extracted traffic rules and endpoints whenever
// an appView record changes, for pushing into the Gateway/Traffic Shaper.
type AppViewHandler func(rules []atmodel.TrafficRule, endpoints []atmodel.DeployedEndpoint)

// ProcessAppView extracts traffic rules and endpoints from record and invokes
// handler. The Controller calls it whenever an appView record is created or
// updated.
func (o *Orchestrator) ProcessAppView(record AppViewRecord, handler AppViewHandler) {
	if handler != nil {
		handler(record.Rules, record.Endpoints)
	}
}

// ActiveDeploys returns every deploy currently in the ACTIVE state.
func (o *Orchestrator) ActiveDeploys() []atmodel.DeployStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []atmodel.DeployStatus
	for _, st := range o.deploys {
		if st.State == atmodel.StateActive {
			out = append(out, *st)
		}
	}
	return out
}
