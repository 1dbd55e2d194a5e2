package shaper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaast/appview/pkg/atmodel"
)

func TestUpdateRulesRejectsBadWeightSum(t *testing.T) {
	s := New()
	err := s.UpdateRules([]atmodel.TrafficRule{
		{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:a", ContentHash: "1"}, WeightBP: 4000},
		{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:b", ContentHash: "2"}, WeightBP: 4000},
	})
	assert.Error(t, err)
	assert.Empty(t, s.Rules())
}

func TestUpdateRulesAcceptsExactSum(t *testing.T) {
	s := New()
	err := s.UpdateRules([]atmodel.TrafficRule{
		{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:a", ContentHash: "1"}, WeightBP: 3000},
		{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:b", ContentHash: "2"}, WeightBP: 7000},
	})
	require.NoError(t, err)
	assert.Len(t, s.Rules(), 2)
}

func TestUpdateRulesAllowsEmptySet(t *testing.T) {
	s := New()
	require.NoError(t, s.UpdateRules(nil))
	assert.Empty(t, s.Rules())
}

func TestUpdateRulesSortsDescendingByWeight(t *testing.T) {
	s := New()
	low := atmodel.TrafficRule{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:low", ContentHash: "1"}, WeightBP: 1000}
	high := atmodel.TrafficRule{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:high", ContentHash: "2"}, WeightBP: 9000}
	require.NoError(t, s.UpdateRules([]atmodel.TrafficRule{low, high}))

	rules := s.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, high.Deploy, rules[0].Deploy)
	assert.Equal(t, low.Deploy, rules[1].Deploy)
}

func TestSelectDeployNoRulesIsServiceUnavailable(t *testing.T) {
	s := New()
	_, err := s.SelectDeploy("")
	require.Error(t, err)
	atErr, ok := err.(*atmodel.Error)
	require.True(t, ok)
	assert.Equal(t, atmodel.KindServiceUnavailable, atErr.ErrKind)
}

func TestSelectDeploySingleRuleAlwaysWins(t *testing.T) {
	s := New()
	only := atmodel.TrafficRule{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:only", ContentHash: "1"}, WeightBP: 10000}
	require.NoError(t, s.UpdateRules([]atmodel.TrafficRule{only}))

	for i := 0; i < 5; i++ {
		ref, err := s.SelectDeploy("")
		require.NoError(t, err)
		assert.Equal(t, only.Deploy, ref)
	}
}

func TestSelectDeployStickyKeyIsDeterministic(t *testing.T) {
	s := New()
	a := atmodel.TrafficRule{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:a", ContentHash: "1"}, WeightBP: 5000}
	b := atmodel.TrafficRule{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:b", ContentHash: "2"}, WeightBP: 5000}
	require.NoError(t, s.UpdateRules([]atmodel.TrafficRule{a, b}))

	first, err := s.SelectDeploy("user-123")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := s.SelectDeploy("user-123")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSelectDeployStickyKeySurvivesRebuild(t *testing.T) {
	s1 := New()
	a := atmodel.TrafficRule{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:a", ContentHash: "1"}, WeightBP: 5000}
	b := atmodel.TrafficRule{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:b", ContentHash: "2"}, WeightBP: 5000}
	require.NoError(t, s1.UpdateRules([]atmodel.TrafficRule{a, b}))
	first, err := s1.SelectDeploy("pirate-crew")
	require.NoError(t, err)

	s2 := New()
	require.NoError(t, s2.UpdateRules([]atmodel.TrafficRule{a, b}))
	second, err := s2.SelectDeploy("pirate-crew")
	require.NoError(t, err)

	assert.Equal(t, first, second, "sticky routing must be deterministic across process restarts")
}

func TestSelectDeployDistributesAcrossManySamples(t *testing.T) {
	s := New()
	a := atmodel.TrafficRule{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:a", ContentHash: "1"}, WeightBP: 2500}
	b := atmodel.TrafficRule{Deploy: atmodel.ResourceRef{AuthorityID: "did:web:b", ContentHash: "2"}, WeightBP: 7500}
	require.NoError(t, s.UpdateRules([]atmodel.TrafficRule{a, b}))

	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		ref, err := s.SelectDeploy("")
		require.NoError(t, err)
		counts[ref.Key()]++
	}
	assert.Greater(t, counts[a.Deploy.Key()], 0)
	assert.Greater(t, counts[b.Deploy.Key()], 0)
	assert.Greater(t, counts[b.Deploy.Key()], counts[a.Deploy.Key()])
}
