// ABOUTME: Topology policy and relationship graph constraining agent-to-agent communication.
// ABOUTME: Evaluated per send as a pure predicate; runtime-mutable, never retroactive.

package topology

import (
	"fmt"
	"sync"
)

// Policy selects the rule set applied to each send.
type Policy string

const (
	PolicyNone         Policy = "none"
	PolicyMesh         Policy = "mesh"
	PolicyHierarchical Policy = "hierarchical"
	PolicyRing         Policy = "ring"
	PolicyStar         Policy = "star"
)

// ParsePolicy validates a policy name from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyNone, PolicyMesh, PolicyHierarchical, PolicyRing, PolicyStar:
		return Policy(s), nil
	case "":
		return PolicyMesh, nil
	default:
		return "", fmt.Errorf("unknown topology policy %q", s)
	}
}

// Enforcer evaluates whether two agents may exchange messages under the
// current policy. The restrictive policies consult a relationship graph:
// parent/child links for hierarchical, neighbor adjacency for ring, and hub
// membership for star. Agents absent from the graph are denied under
// restrictive policies rather than silently permitted.
type Enforcer struct {
	mu     sync.RWMutex
	policy Policy

	// hierarchical: child -> parent
	parents map[string]string

	// ring: cyclic order; neighbors may talk
	ring      []string
	ringIndex map[string]int

	// star: hub plus member set
	hub     string
	members map[string]struct{}
}

// NewEnforcer creates an enforcer with the given initial policy.
func NewEnforcer(policy Policy) *Enforcer {
	return &Enforcer{
		policy:    policy,
		parents:   make(map[string]string),
		ringIndex: make(map[string]int),
		members:   make(map[string]struct{}),
	}
}

// Policy returns the current policy.
func (e *Enforcer) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetPolicy changes the policy. Affects subsequent sends only.
func (e *Enforcer) SetPolicy(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

// SetParent records a parent/child edge for hierarchical topologies.
func (e *Enforcer) SetParent(child, parent string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parents[child] = parent
}

// RemoveAgent drops an agent from all relationship structures.
func (e *Enforcer) RemoveAgent(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.parents, agentID)
	for child, parent := range e.parents {
		if parent == agentID {
			delete(e.parents, child)
		}
	}
	delete(e.members, agentID)
	if e.hub == agentID {
		e.hub = ""
	}
	if _, ok := e.ringIndex[agentID]; ok {
		ring := make([]string, 0, len(e.ring)-1)
		for _, id := range e.ring {
			if id != agentID {
				ring = append(ring, id)
			}
		}
		e.setRingLocked(ring)
	}
}

// SetRing replaces the cyclic neighbor order for ring topologies.
func (e *Enforcer) SetRing(order []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setRingLocked(order)
}

func (e *Enforcer) setRingLocked(order []string) {
	e.ring = append([]string(nil), order...)
	e.ringIndex = make(map[string]int, len(order))
	for i, id := range order {
		e.ringIndex[id] = i
	}
}

// SetHub designates the hub and its members for star topologies.
func (e *Enforcer) SetHub(hub string, members []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hub = hub
	e.members = make(map[string]struct{}, len(members))
	for _, m := range members {
		e.members[m] = struct{}{}
	}
}

// CanCommunicate reports whether from may send to to under the current
// policy. Self-sends are always permitted.
func (e *Enforcer) CanCommunicate(from, to string) bool {
	if from == to {
		return true
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	switch e.policy {
	case PolicyNone, PolicyMesh:
		return true
	case PolicyHierarchical:
		return e.parents[from] == to || e.parents[to] == from
	case PolicyRing:
		return e.ringNeighbors(from, to)
	case PolicyStar:
		return e.starAllowed(from, to)
	default:
		return false
	}
}

func (e *Enforcer) ringNeighbors(from, to string) bool {
	n := len(e.ring)
	if n < 2 {
		return false
	}
	i, ok := e.ringIndex[from]
	if !ok {
		return false
	}
	j, ok := e.ringIndex[to]
	if !ok {
		return false
	}
	diff := (i - j + n) % n
	return diff == 1 || diff == n-1
}

func (e *Enforcer) starAllowed(from, to string) bool {
	if e.hub == "" {
		return false
	}
	if from == e.hub {
		_, ok := e.members[to]
		return ok
	}
	if to == e.hub {
		_, ok := e.members[from]
		return ok
	}
	return false
}
