package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaast/appview/pkg/atmodel"
)

// fakeResolver resolves every ref as a dependency-free "computed" node whose
// body is just its own key, enough for Build to produce a one-node manifest.
type fakeResolver struct{}

func (fakeResolver) ResolveNode(ctx context.Context, ref atmodel.ResourceRef) (string, []atmodel.ResourceRef, error) {
	return "computed", nil, nil
}

func (fakeResolver) FetchBody(ctx context.Context, ref atmodel.ResourceRef) ([]byte, error) {
	return []byte(`{}`), nil
}

func (fakeResolver) FetchCodeBlob(ctx context.Context, ref atmodel.ResourceRef) ([]byte, error) {
	return nil, nil
}

func deployRef(hash string) atmodel.ResourceRef {
	return atmodel.ResourceRef{AuthorityID: "did:web:crew", ContentHash: hash}
}

func endpoints(hash string) []atmodel.DeployedEndpoint {
	return []atmodel.DeployedEndpoint{{
		Name: "chat.pirate.avast.getMessages",
		Kind: atmodel.KindComputed,
		Ref:  deployRef(hash),
	}}
}

func TestProcessDeployReachesActive(t *testing.T) {
	o := New(Config{MaxActiveDeploys: 2, Resolver: fakeResolver{}})
	ref := deployRef("d1")

	err := o.ProcessDeploy(context.Background(), ref, DeployRecord{Endpoints: endpoints("d1")})
	require.NoError(t, err)

	status, ok := o.Status(ref)
	require.True(t, ok)
	assert.Equal(t, atmodel.StateActive, status.State)
	require.NotNil(t, status.ActivatedAt)
	require.NotNil(t, status.Manifest)
}

func TestProcessDeployConcurrentCallsForSameRefAreRejected(t *testing.T) {
	resolver := &blockingResolver{started: make(chan struct{}), release: make(chan struct{})}
	o := New(Config{MaxActiveDeploys: 2, Resolver: resolver})
	ref := deployRef("d1")

	var firstErr error
	firstDone := make(chan struct{})
	go func() {
		firstErr = o.ProcessDeploy(context.Background(), ref, DeployRecord{Endpoints: endpoints("d1")})
		close(firstDone)
	}()

	<-resolver.started // first call is now mid-flight, past the inFlight marker

	secondErr := o.ProcessDeploy(context.Background(), ref, DeployRecord{Endpoints: endpoints("d1")})
	assert.Error(t, secondErr, "a second processDeploy for the same ref already in flight must be rejected")

	close(resolver.release)
	<-firstDone
	assert.NoError(t, firstErr)
}

// blockingResolver blocks inside ResolveNode until released, standing in for
// a deploy that is actively mid-flight so a concurrent second ProcessDeploy
// call for the same ref deterministically observes the in-flight marker.
type blockingResolver struct {
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func (r *blockingResolver) ResolveNode(ctx context.Context, ref atmodel.ResourceRef) (string, []atmodel.ResourceRef, error) {
	r.startOnce.Do(func() { close(r.started) })
	<-r.release
	return "computed", nil, nil
}

func (*blockingResolver) FetchBody(ctx context.Context, ref atmodel.ResourceRef) ([]byte, error) {
	return []byte(`{}`), nil
}

func (*blockingResolver) FetchCodeBlob(ctx context.Context, ref atmodel.ResourceRef) ([]byte, error) {
	return nil, nil
}

func TestConcurrencyCapDrainsOldestActiveDeploy(t *testing.T) {
	o := New(Config{MaxActiveDeploys: 1, Resolver: fakeResolver{}})

	first := deployRef("d1")
	require.NoError(t, o.ProcessDeploy(context.Background(), first, DeployRecord{Endpoints: endpoints("d1")}))

	second := deployRef("d2")
	require.NoError(t, o.ProcessDeploy(context.Background(), second, DeployRecord{Endpoints: endpoints("d2")}))

	firstStatus, ok := o.Status(first)
	require.True(t, ok)
	assert.Equal(t, atmodel.StateDraining, firstStatus.State)

	secondStatus, ok := o.Status(second)
	require.True(t, ok)
	assert.Equal(t, atmodel.StateActive, secondStatus.State)
}

func TestRetireDeployFromActive(t *testing.T) {
	o := New(Config{MaxActiveDeploys: 2, Resolver: fakeResolver{}})
	ref := deployRef("d1")
	require.NoError(t, o.ProcessDeploy(context.Background(), ref, DeployRecord{Endpoints: endpoints("d1")}))

	require.NoError(t, o.RetireDeploy(ref))

	status, ok := o.Status(ref)
	require.True(t, ok)
	assert.Equal(t, atmodel.StateRetired, status.State)
	assert.NotNil(t, status.RetiredAt)
}

func TestRetireDeployAlreadyDraining(t *testing.T) {
	o := New(Config{MaxActiveDeploys: 1, Resolver: fakeResolver{}})

	first := deployRef("d1")
	require.NoError(t, o.ProcessDeploy(context.Background(), first, DeployRecord{Endpoints: endpoints("d1")}))
	second := deployRef("d2")
	require.NoError(t, o.ProcessDeploy(context.Background(), second, DeployRecord{Endpoints: endpoints("d2")}))

	// The concurrency cap already forced `first` into DRAINING.
	status, ok := o.Status(first)
	require.True(t, ok)
	require.Equal(t, atmodel.StateDraining, status.State)

	require.NoError(t, o.RetireDeploy(first))

	status, ok = o.Status(first)
	require.True(t, ok)
	assert.Equal(t, atmodel.StateRetired, status.State)
}

func TestRetireDeployUnknownRefErrors(t *testing.T) {
	o := New(Config{MaxActiveDeploys: 2, Resolver: fakeResolver{}})
	err := o.RetireDeploy(deployRef("unknown"))
	assert.Error(t, err)
}

func TestProcessDeployFailurePropagatesValidationError(t *testing.T) {
	o := New(Config{MaxActiveDeploys: 2, Resolver: danglingDependencyResolver{}})
	ref := deployRef("d1")

	err := o.ProcessDeploy(context.Background(), ref, DeployRecord{Endpoints: endpoints("d1")})
	require.Error(t, err)

	status, ok := o.Status(ref)
	require.True(t, ok)
	assert.Equal(t, atmodel.StateFailed, status.State)
	assert.NotEmpty(t, status.Error)
}

// danglingDependencyResolver declares a dependency that never resolves,
// forcing the Manifest Builder's strict validation to fail the deploy.
type danglingDependencyResolver struct{}

func (danglingDependencyResolver) ResolveNode(ctx context.Context, ref atmodel.ResourceRef) (string, []atmodel.ResourceRef, error) {
	if ref.ContentHash == "never-resolves" {
		return "", nil, errNeverResolves
	}
	return "computed", []atmodel.ResourceRef{deployRef("never-resolves")}, nil
}

var errNeverResolves = errors.New("dependency intentionally left unresolved")

func (danglingDependencyResolver) FetchBody(ctx context.Context, ref atmodel.ResourceRef) ([]byte, error) {
	return []byte(`{}`), nil
}

func (danglingDependencyResolver) FetchCodeBlob(ctx context.Context, ref atmodel.ResourceRef) ([]byte, error) {
	return nil, nil
}

func TestActiveDeploysListsOnlyActiveState(t *testing.T) {
	o := New(Config{MaxActiveDeploys: 2, Resolver: fakeResolver{}})
	ref := deployRef("d1")
	require.NoError(t, o.ProcessDeploy(context.Background(), ref, DeployRecord{Endpoints: endpoints("d1")}))

	active := o.ActiveDeploys()
	require.Len(t, active, 1)
	assert.Equal(t, ref, active[0].Ref)
}
