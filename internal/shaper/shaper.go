// Package shaper selects a deploy to serve a request given a weighted set of
// traffic rules, optionally sticking a key to a deterministic deploy via a
// rolling hash of the sticky key (§4.K).
package shaper

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/avaast/appview/pkg/atmodel"
)

// Shaper holds the active traffic rule set and selects deploys from it.
type Shaper struct {
	mu    sync.RWMutex
	rules []atmodel.TrafficRule // sorted by WeightBP descending
}

// New returns a Shaper with no rules configured.
func New() *Shaper {
	return &Shaper{}
}

// UpdateRules replaces the active rule set. Rejects sets whose weights do not
// sum to exactly atmodel.TotalWeightBP (10000), except the empty set.
func (s *Shaper) UpdateRules(rules []atmodel.TrafficRule) error {
	if len(rules) > 0 {
		total := 0
		for _, r := range rules {
			total += r.WeightBP
		}
		if total != atmodel.TotalWeightBP {
			return fmt.Errorf("traffic rules must sum to %d basis points, got %d", atmodel.TotalWeightBP, total)
		}
	}

	sorted := append([]atmodel.TrafficRule{}, rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].WeightBP > sorted[j].WeightBP })

	s.mu.Lock()
	s.rules = sorted
	s.mu.Unlock()
	return nil
}

// Rules returns a copy of the active rule set.
func (s *Shaper) Rules() []atmodel.TrafficRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]atmodel.TrafficRule{}, s.rules...)
}

// SelectDeploy picks a deploy ref for a request. stickyKey, when non-empty,
// is hashed deterministically to a basis-points position so repeated calls
// with the same key land on the same deploy across process restarts. An
// empty stickyKey selects uniformly at random by weight.
//
// Returns an error when no rule is configured (§7 ServiceUnavailable — the
// caller maps this to a 503).
func (s *Shaper) SelectDeploy(stickyKey string) (atmodel.ResourceRef, error) {
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	if len(rules) == 0 {
		return atmodel.ResourceRef{}, atmodel.NewServiceUnavailable("no traffic rules configured")
	}
	if len(rules) == 1 {
		return rules[0].Deploy, nil
	}

	var position int
	if stickyKey != "" {
		position = int(rollingHash(stickyKey) % atmodel.TotalWeightBP)
	} else {
		position = rand.Intn(atmodel.TotalWeightBP)
	}

	cumulative := 0
	for _, r := range rules {
		cumulative += r.WeightBP
		if position < cumulative {
			return r.Deploy, nil
		}
	}
	return rules[len(rules)-1].Deploy, nil
}

// rollingHash is a classical polynomial rolling hash (base 31), deterministic
// across process restarts — required so sticky routing survives a Gateway
// redeploy.
func rollingHash(s string) uint64 {
	var h uint64
	for _, c := range s {
		h = h*31 + uint64(c)
	}
	return h
}
